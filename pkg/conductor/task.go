package conductor

import (
	"fmt"
	"strings"
	"time"

	"github.com/automatiq/automat/pkg/decision"
)

// Task statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Scope narrows where an objective may look. The zero value is the
// general scope.
type Scope struct {
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
	TimeRange      string   `json:"time_range,omitempty"`
}

// General reports whether the scope carries no constraints.
func (s Scope) General() bool {
	return len(s.IncludeDomains) == 0 && len(s.ExcludeDomains) == 0 && s.TimeRange == ""
}

// Budget bounds one task's spend. Zero fields fall back to defaults.
type Budget struct {
	MaxCost    float64       `json:"max_cost,omitempty"`
	MaxResults int           `json:"max_results,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxSteps   int           `json:"max_steps,omitempty"`
}

// ObjectiveTask is one inbound objective. It lives from admission until
// the terminal task.completed or task.failed event is appended.
type ObjectiveTask struct {
	SessionID          string `json:"session_id"`
	ThreadID           string `json:"thread_id"`
	UserID             string `json:"user_id,omitempty"`
	Objective          string `json:"objective"`
	Scope              Scope  `json:"scope,omitempty"`
	Budget             Budget `json:"budget,omitempty"`
	ProviderPreference string `json:"provider_preference,omitempty"`
}

// DispatchRecord is the per-dispatch slice of execution metadata.
type DispatchRecord struct {
	AgentKind  string `json:"agent_kind"`
	TraceID    string `json:"trace_id"`
	State      string `json:"state"`
	Steps      int    `json:"steps"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// SearchError is one failed provider route entry, derived from the
// search.failed events the task produced.
type SearchError struct {
	Provider string `json:"provider"`
	Message  string `json:"message"`
	Retried  bool   `json:"retried"`
}

// ExecutionMetadata is the only task state that survives completion.
// Everything in it is derived from the events the task appended.
type ExecutionMetadata struct {
	StartedAt  time.Time           `json:"started_at"`
	DurationMS int64               `json:"duration_ms"`
	Dispatches []DispatchRecord    `json:"dispatches"`
	Errors     []SearchError       `json:"errors,omitempty"`
	Usage      decision.TokenUsage `json:"usage"`
}

// TaskResult is the synthesized outcome of one completed task.
type TaskResult struct {
	CorrelationID string            `json:"correlation_id"`
	Status        string            `json:"status"`
	Summary       string            `json:"result_summary"`
	ProviderUsed  string            `json:"provider_used,omitempty"`
	Metadata      ExecutionMetadata `json:"execution_metadata"`
}

// AdmissionError reports a task rejected at intake, before any event was
// appended for it.
type AdmissionError struct {
	Err error
}

func (e *AdmissionError) Error() string { return "task rejected: " + e.Err.Error() }
func (e *AdmissionError) Unwrap() error { return e.Err }

// TaskError reports a task in which no dispatch produced a usable
// result. Errors carries every recorded failure, never just the last.
type TaskError struct {
	CorrelationID string
	Errors        []SearchError
}

func (e *TaskError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("task %s failed", e.CorrelationID)
	}
	parts := make([]string, len(e.Errors))
	for i, se := range e.Errors {
		if se.Provider == "" {
			parts[i] = se.Message
			continue
		}
		parts[i] = fmt.Sprintf("%s: %s", se.Provider, se.Message)
	}
	return fmt.Sprintf("task %s failed: %s", e.CorrelationID, strings.Join(parts, "; "))
}
