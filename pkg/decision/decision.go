// Package decision is the seam between the deterministic kernel and the
// model that proposes actions. The kernel only ever sees the Decider
// interface and its typed outputs; which backend answers (Anthropic,
// OpenAI, or a scripted double) is a construction-time choice.
package decision

import (
	"context"
	"fmt"
)

// Message roles in a turn transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Decision kinds.
const (
	// KindToolCalls carries one or more tool invocations to execute.
	KindToolCalls = "tool_calls"
	// KindComplete carries the final content for the turn.
	KindComplete = "complete"
	// KindBlock signals the model declined; Reason says why.
	KindBlock = "block"
)

// ToolCall is one requested tool invocation.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolSpec declares one tool in an adapter's catalog. InputSchema is a
// JSON schema document.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Message is one entry in the transcript passed back to the decider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// TokenUsage reports backend token consumption for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Decision is the structured outcome of one Decide call.
type Decision struct {
	Kind      string      `json:"kind"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Content   string      `json:"content,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
}

// DecideInput carries everything the decider needs to propose the next
// action for a turn.
type DecideInput struct {
	Role       string
	System     string
	Objective  string
	Tools      []ToolSpec
	Transcript []Message
}

// SubDirective is one unit of a decomposed objective.
type SubDirective struct {
	AgentKind         string `json:"agent_kind"`
	Directive         string `json:"directive"`
	DependsOnPrevious bool   `json:"depends_on_previous"`
}

// Decider proposes the next action for a turn, decomposes objectives into
// sub-directives, and synthesizes transcripts into final results. All
// three are opaque typed calls; callers never see prompts or raw model
// output.
type Decider interface {
	Decide(ctx context.Context, in DecideInput) (*Decision, error)
	Decompose(ctx context.Context, objective string, agentKinds []string) ([]SubDirective, error)
	Synthesize(ctx context.Context, objective string, transcript []Message) (string, error)
	Name() string
}

// New builds a production decider for a named provider.
func New(provider, apiKey, model string) (Decider, error) {
	switch provider {
	case "anthropic":
		return NewAnthropic(apiKey, model), nil
	case "openai":
		return NewOpenAI(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unsupported decision provider: %s", provider)
	}
}
