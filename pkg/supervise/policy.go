// Package supervise implements the supervision tree: supervisors own actor
// lifecycles, apply restart policies on failure, and escalate upward when a
// child's restart budget is exhausted. Supervisors compose: a Supervisor is
// itself a Child, so escalation walks the tree to the root.
package supervise

import (
	"context"
	"fmt"
	"time"
)

// RestartPolicy selects which siblings restart alongside a failed child.
type RestartPolicy int

const (
	// OneForOne restarts only the failed child.
	OneForOne RestartPolicy = iota
	// OneForAll restarts every sibling when one fails.
	OneForAll
	// RestForOne restarts the failed child and every child started after it.
	RestForOne
)

func (p RestartPolicy) String() string {
	switch p {
	case OneForOne:
		return "one_for_one"
	case OneForAll:
		return "one_for_all"
	case RestForOne:
		return "rest_for_one"
	default:
		return fmt.Sprintf("restart_policy(%d)", int(p))
	}
}

// ChildState is the lifecycle state of one supervised actor.
type ChildState int

const (
	StateStarting ChildState = iota
	StateRunning
	StateFailed
	StateRestarting
	StateStopped
	StatePermanentlyFailed
)

func (s ChildState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	case StatePermanentlyFailed:
		return "permanently_failed"
	default:
		return fmt.Sprintf("child_state(%d)", int(s))
	}
}

// Terminal reports whether the state admits no further transitions.
func (s ChildState) Terminal() bool {
	return s == StateStopped || s == StatePermanentlyFailed
}

// Identity addresses a supervised actor. A restarted actor keeps its
// identity, so the event log and subscribers never learn about the crash.
type Identity struct {
	ID   string
	Kind string
}

func (id Identity) String() string {
	return id.Kind + "/" + id.ID
}

// RestartBudget caps restarts inside a sliding window. Exceeding it marks
// the child permanently failed and escalates.
type RestartBudget struct {
	MaxRestarts int
	Window      time.Duration
}

// DefaultBudget mirrors the usual three-strikes-per-ten-seconds shape.
var DefaultBudget = RestartBudget{MaxRestarts: 3, Window: 10 * time.Second}

// Child is anything a supervisor can run: Run blocks until the child
// stops (nil) or fails (error). Supervisor itself satisfies Child.
type Child interface {
	Run(ctx context.Context) error
}

// ChildFunc adapts a bare function to Child.
type ChildFunc func(ctx context.Context) error

func (f ChildFunc) Run(ctx context.Context) error { return f(ctx) }

// StartFunc builds a fresh Child instance. Called once at startup and
// again on every restart; any resumption of external state (such as
// resubscribing to the event log from the last acknowledged seq) belongs
// in here, not in the supervisor.
type StartFunc func(ctx context.Context) (Child, error)

// ChildSpec declares one child to a supervisor.
type ChildSpec struct {
	Identity Identity
	Policy   RestartPolicy
	Budget   RestartBudget
	Start    StartFunc
}

// EscalationError is returned by Supervisor.Run when a child exhausted its
// restart budget and the supervisor gave up. A parent supervisor sees it
// as an ordinary child failure and applies its own policy.
type EscalationError struct {
	Supervisor string
	Child      Identity
	LastErr    error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("supervisor %s: child %s permanently failed: %v", e.Supervisor, e.Child, e.LastErr)
}

func (e *EscalationError) Unwrap() error { return e.LastErr }
