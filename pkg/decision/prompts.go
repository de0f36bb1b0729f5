package decision

import (
	"fmt"
	"strings"
)

const defaultDecideSystem = "You are a worker agent inside an automated system. " +
	"Use the provided tools to make progress on the objective. " +
	"When the objective is satisfied, reply with the final answer as plain text and no tool calls."

const synthesizeSystemPrompt = "You summarize an agent's working transcript into a final result. " +
	"Reply with the result only, no preamble."

const synthesizeInstruction = "Summarize the work above into the final result for the original objective."

func decideSystemPrompt(role, system string) string {
	if system != "" {
		return system
	}
	if role != "" {
		return fmt.Sprintf("You are the %s agent. %s", role, defaultDecideSystem)
	}
	return defaultDecideSystem
}

func decomposeSystemPrompt(agentKinds []string) string {
	return fmt.Sprintf("Split the user's objective into the smallest set of sub-directives. "+
		"Available agent kinds: %s. "+
		"Reply with ONLY a JSON array of objects with fields "+
		`"agent_kind", "directive", and "depends_on_previous" (true when the step needs the previous step's output). `+
		"A simple objective is a single entry.", strings.Join(agentKinds, ", "))
}
