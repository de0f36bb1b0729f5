package agents

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/automatiq/automat/pkg/decision"
	"github.com/automatiq/automat/pkg/harness"
)

const (
	defaultCommandTimeout = 30 * time.Second
	maxCommandTimeout     = 120 * time.Second
	minCommandTimeout     = 1 * time.Second
	maxOutputBytes        = 16 * 1024
)

// Terminal executes shell commands in a fixed working directory.
type Terminal struct {
	workdir string
	logger  zerolog.Logger
}

func NewTerminal(workdir string, logger zerolog.Logger) *Terminal {
	return &Terminal{
		workdir: workdir,
		logger:  logger.With().Str("adapter", KindTerminal).Logger(),
	}
}

func (t *Terminal) RoleName() string { return KindTerminal }

func (t *Terminal) ShouldDefer(string) bool { return false }

func (t *Terminal) Catalog() []decision.ToolSpec {
	return []decision.ToolSpec{
		{
			Name:        "bash",
			Description: "Execute a shell command and return its combined output.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{
						"type":        "string",
						"description": "The shell command to run",
					},
					"timeout_seconds": map[string]interface{}{
						"type":        "integer",
						"description": "Per-command timeout, 1 to 120 seconds",
					},
				},
				"required": []interface{}{"command"},
			},
		},
	}
}

func (t *Terminal) ExecuteTool(ctx context.Context, call decision.ToolCall) harness.ToolResult {
	res := harness.ToolResult{CallID: call.ID, Name: call.Name}
	if call.Name != "bash" {
		res.Error = fmt.Sprintf("unknown tool: %s", call.Name)
		return res
	}
	command, _ := call.Args["command"].(string)
	if strings.TrimSpace(command) == "" {
		res.Error = "command cannot be empty"
		return res
	}

	timeout := defaultCommandTimeout
	if secs, ok := call.Args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout < minCommandTimeout {
			timeout = minCommandTimeout
		}
		if timeout > maxCommandTimeout {
			timeout = maxCommandTimeout
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", command)
	if t.workdir != "" {
		cmd.Dir = t.workdir
	}
	output, err := cmd.CombinedOutput()

	res.Output = truncateOutput(string(output))
	switch {
	case cmdCtx.Err() == context.DeadlineExceeded:
		res.Error = fmt.Sprintf("command timed out after %s", timeout)
	case err != nil:
		res.Error = err.Error()
	default:
		res.Success = true
	}

	t.logger.Debug().
		Str("command", command).
		Bool("success", res.Success).
		Msg("command executed")
	return res
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (output truncated)"
}
