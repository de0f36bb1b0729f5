package conductor

import (
	"context"
	"fmt"

	"github.com/automatiq/automat/pkg/harness"
	"github.com/automatiq/automat/pkg/supervise"
)

// Dispatcher hands a directive to the worker for an agent kind and waits
// for the terminal result. The conductor never holds worker handles
// directly; resolution goes through the owning supervisor on every
// dispatch so a restarted worker is picked up transparently.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, d harness.Directive) (*harness.Result, error)
}

// SupervisedDispatcher resolves workers through their supervisor's
// lookup table.
type SupervisedDispatcher struct {
	sup *supervise.Supervisor
}

// NewSupervisedDispatcher builds a dispatcher over the supervisor that
// owns the worker actors.
func NewSupervisedDispatcher(sup *supervise.Supervisor) *SupervisedDispatcher {
	return &SupervisedDispatcher{sup: sup}
}

func (s *SupervisedDispatcher) Dispatch(ctx context.Context, kind string, d harness.Directive) (*harness.Result, error) {
	child, ok := s.sup.Lookup(WorkerID(kind))
	if !ok {
		return nil, fmt.Errorf("no live worker for agent kind %q", kind)
	}
	w, ok := child.(*Worker)
	if !ok {
		return nil, fmt.Errorf("child %q is not a worker", WorkerID(kind))
	}
	return w.Dispatch(ctx, d)
}
