// Package eventlog implements the durable, append-only, totally ordered
// record of domain state changes, with point-in-time queries and live
// subscription fan-out. All storage access is serialized through the Log
// actor's mailbox; seq numbers are assigned only at append time and events
// are never mutated on the hot path.
package eventlog

import (
	"encoding/json"
	"strings"
	"time"
)

// Event type constants, dotted domain.verb.
const (
	// Conductor task lifecycle
	TypeTaskReceived  = "task.received"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"

	// Agent harness lifecycle
	TypeAgentTaskStarted   = "agent.task.started"
	TypeAgentTaskProgress  = "agent.task.progress"
	TypeAgentTaskCompleted = "agent.task.completed"
	TypeAgentTaskFailed    = "agent.task.failed"

	// Provider routing
	TypeSearchFailed    = "search.failed"
	TypeSearchSucceeded = "search.succeeded"

	// Supervision
	TypeActorRestarted        = "supervisor.child.restarted"
	TypeSupervisorEscalation  = "supervisor.escalation"
	TypeActorPermanentFailure = "supervisor.child.permanently_failed"

	// Log maintenance (off the hot path)
	TypeEventsArchived = "log.events.archived"
)

// Event is one immutable record in the log. Seq is strictly increasing,
// assigned by the store at append time.
type Event struct {
	Seq       int64           `json:"seq"`
	EventID   string          `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	ActorID   string          `json:"actor_id"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
}

// AppendRequest carries everything the caller supplies for one append.
// The store assigns seq, event_id, and timestamp.
type AppendRequest struct {
	EventType string
	Payload   interface{}
	ActorID   string
	UserID    string
	SessionID string
	ThreadID  string
}

// Filter scopes queries and subscriptions. Zero fields match everything.
// TypePattern supports exact types and "prefix.*" wildcards.
type Filter struct {
	ActorID     string
	SessionID   string
	ThreadID    string
	TypePattern string
	SinceSeq    int64
}

// Matches reports whether an event falls inside the filter's scope.
func (f Filter) Matches(ev Event) bool {
	if f.ActorID != "" && ev.ActorID != f.ActorID {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.ThreadID != "" && ev.ThreadID != f.ThreadID {
		return false
	}
	if ev.Seq <= f.SinceSeq {
		return false
	}
	return matchesType(f.TypePattern, ev.EventType)
}

func matchesType(pattern, eventType string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := pattern[:len(pattern)-2]
		if !strings.HasPrefix(eventType, prefix) {
			return false
		}
		rest := eventType[len(prefix):]
		return rest == "" || strings.HasPrefix(rest, ".")
	}
	return pattern == eventType
}
