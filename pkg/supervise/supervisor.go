package supervise

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/automatiq/automat/internal/observability"
	"github.com/automatiq/automat/pkg/eventlog"
)

var (
	// ErrDuplicateChild is returned by AddChild for an identity already registered.
	ErrDuplicateChild = errors.New("duplicate child identity")
	// ErrAlreadyRunning is returned by AddChild after Run has started.
	ErrAlreadyRunning = errors.New("supervisor already running")
	// ErrUnknownChild is returned by StopChild for an identity never registered.
	ErrUnknownChild = errors.New("unknown child")
	// ErrNotRunning is returned by StopChild when the supervision loop
	// is not serving, before Run or after it returned.
	ErrNotRunning = errors.New("supervisor not running")
)

// appendTimeout bounds event log writes made from the supervision loop.
const appendTimeout = 5 * time.Second

type node struct {
	spec     ChildSpec
	order    int
	state    ChildState
	cancel   context.CancelFunc
	stopping bool
	restarts []time.Time
	lastErr  error
}

type childExit struct {
	id  string
	err error
}

// Supervisor runs an ordered set of children, restarting them on failure
// according to each child's policy and budget. It satisfies Child, so
// supervisors nest; an exhausted budget surfaces as *EscalationError from
// Run, which a parent supervisor treats like any other child crash.
type Supervisor struct {
	name   string
	log    *eventlog.Log
	logger zerolog.Logger

	nodes []*node
	byID  map[string]*node

	// runMu guards the loop lifecycle; doneCh is closed when Run
	// returns so a concurrent StopChild never blocks on a dead loop.
	runMu   sync.Mutex
	running bool
	doneCh  chan struct{}

	// handles is the routing table: identity to the live child instance.
	// Replaced on every restart; read from outside the loop goroutine.
	hmu     sync.RWMutex
	handles map[string]Child

	smu    sync.RWMutex
	states map[string]ChildState

	exitCh chan childExit
	ctrlCh chan func()
}

// New builds a supervisor. log may be nil, in which case lifecycle events
// are not recorded.
func New(name string, log *eventlog.Log, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		name:    name,
		log:     log,
		logger:  logger.With().Str("supervisor", name).Logger(),
		byID:    make(map[string]*node),
		handles: make(map[string]Child),
		states:  make(map[string]ChildState),
		ctrlCh:  make(chan func()),
	}
}

// AddChild registers a child. Children start, restart, and stop in
// registration order. Must be called before Run.
func (s *Supervisor) AddChild(spec ChildSpec) error {
	s.runMu.Lock()
	running := s.running
	s.runMu.Unlock()
	if running {
		return ErrAlreadyRunning
	}
	if spec.Identity.ID == "" {
		return errors.New("child identity id is required")
	}
	if spec.Start == nil {
		return errors.New("child start func is required")
	}
	if _, ok := s.byID[spec.Identity.ID]; ok {
		return ErrDuplicateChild
	}
	if spec.Budget.MaxRestarts <= 0 {
		spec.Budget = DefaultBudget
	}
	n := &node{spec: spec, order: len(s.nodes), state: StateStarting}
	s.nodes = append(s.nodes, n)
	s.byID[spec.Identity.ID] = n
	s.states[spec.Identity.ID] = StateStarting
	return nil
}

// Lookup returns the live instance for an identity. The instance changes
// across restarts; callers must not cache it past a single interaction.
func (s *Supervisor) Lookup(id string) (Child, bool) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	c, ok := s.handles[id]
	return c, ok
}

// State reports a child's current lifecycle state.
func (s *Supervisor) State(id string) (ChildState, bool) {
	s.smu.RLock()
	defer s.smu.RUnlock()
	st, ok := s.states[id]
	return st, ok
}

// StopChild stops a child intentionally. The child transitions to Stopped
// and is not restarted. Returns ErrNotRunning when the supervision loop
// is not serving, instead of blocking.
func (s *Supervisor) StopChild(id string) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return ErrNotRunning
	}
	done := s.doneCh
	s.runMu.Unlock()

	errCh := make(chan error, 1)
	req := func() {
		n, ok := s.byID[id]
		if !ok {
			errCh <- ErrUnknownChild
			return
		}
		if n.state == StateRunning {
			n.stopping = true
			n.cancel()
		}
		errCh <- nil
	}

	select {
	case s.ctrlCh <- req:
	case <-done:
		return ErrNotRunning
	}
	select {
	case err := <-errCh:
		return err
	case <-done:
		return ErrNotRunning
	}
}

// Run starts every child in order and supervises until ctx is cancelled
// (clean shutdown, returns nil) or a restart budget is exhausted (stops
// the remaining children and returns *EscalationError).
func (s *Supervisor) Run(ctx context.Context) error {
	s.runMu.Lock()
	s.running = true
	s.doneCh = make(chan struct{})
	done := s.doneCh
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
		close(done)
	}()

	s.exitCh = make(chan childExit, len(s.nodes)+1)
	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	for _, n := range s.nodes {
		if err := s.spawn(runCtx, n); err != nil {
			if esc := s.onFailure(runCtx, n, err); esc != nil {
				s.shutdown(runCtx)
				return esc
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown(runCtx)
			return nil
		case fn := <-s.ctrlCh:
			fn()
		case exit := <-s.exitCh:
			n := s.byID[exit.id]
			if esc := s.onExit(runCtx, n, exit.err); esc != nil {
				s.shutdown(runCtx)
				return esc
			}
		}
	}
}

// spawn builds and launches one child. A Start error counts as a failure.
func (s *Supervisor) spawn(ctx context.Context, n *node) error {
	childCtx, cancel := context.WithCancel(ctx)
	child, err := n.spec.Start(childCtx)
	if err != nil {
		cancel()
		return err
	}
	n.cancel = cancel
	n.stopping = false
	s.setState(n, StateRunning)

	s.hmu.Lock()
	s.handles[n.spec.Identity.ID] = child
	s.hmu.Unlock()

	id := n.spec.Identity.ID
	go func() {
		err := child.Run(childCtx)
		s.exitCh <- childExit{id: id, err: err}
	}()
	s.logger.Debug().Str("child", n.spec.Identity.String()).Msg("child started")
	return nil
}

func (s *Supervisor) onExit(ctx context.Context, n *node, err error) *EscalationError {
	if n.stopping || (err == nil && ctx.Err() != nil) {
		s.setState(n, StateStopped)
		return nil
	}
	if err == nil {
		// Ran to completion on its own.
		s.setState(n, StateStopped)
		s.logger.Info().Str("child", n.spec.Identity.String()).Msg("child stopped")
		return nil
	}
	return s.onFailure(ctx, n, err)
}

func (s *Supervisor) onFailure(ctx context.Context, n *node, cause error) *EscalationError {
	n.lastErr = cause
	s.setState(n, StateFailed)
	s.logger.Warn().
		Err(cause).
		Str("child", n.spec.Identity.String()).
		Str("policy", n.spec.Policy.String()).
		Msg("child failed")

	now := time.Now()
	n.restarts = pruneWindow(append(n.restarts, now), now, n.spec.Budget.Window)
	if len(n.restarts) > n.spec.Budget.MaxRestarts {
		return s.giveUp(ctx, n, cause)
	}

	set := s.restartSet(n)
	for _, sib := range set {
		if sib != n && sib.state == StateRunning {
			sib.stopping = true
			sib.cancel()
			s.awaitExit(sib)
			s.setState(sib, StateRestarting)
		}
	}
	s.setState(n, StateRestarting)
	for _, sib := range set {
		if sib.state != StateRestarting {
			continue
		}
		if err := s.spawn(ctx, sib); err != nil {
			if sib == n {
				return s.onFailure(ctx, n, err)
			}
			// Sibling failing to come back charges its own budget.
			if esc := s.onFailure(ctx, sib, err); esc != nil {
				return esc
			}
			continue
		}
		observability.RecordRestart(s.name, sib.spec.Identity.ID)
		s.recordEvent(ctx, eventlog.TypeActorRestarted, sib.spec.Identity, map[string]interface{}{
			"policy":          n.spec.Policy.String(),
			"failed_actor_id": n.spec.Identity.ID,
			"error":           cause.Error(),
			"restart_count":   len(sib.restarts),
		})
	}
	return nil
}

// giveUp marks the child permanently failed and produces the escalation
// the parent will see.
func (s *Supervisor) giveUp(ctx context.Context, n *node, cause error) *EscalationError {
	s.setState(n, StatePermanentlyFailed)
	observability.RecordEscalation()
	s.logger.Error().
		Err(cause).
		Str("child", n.spec.Identity.String()).
		Int("max_restarts", n.spec.Budget.MaxRestarts).
		Dur("window", n.spec.Budget.Window).
		Msg("restart budget exhausted, escalating")

	s.recordEvent(ctx, eventlog.TypeActorPermanentFailure, n.spec.Identity, map[string]interface{}{
		"error":        cause.Error(),
		"max_restarts": n.spec.Budget.MaxRestarts,
		"window_ms":    n.spec.Budget.Window.Milliseconds(),
	})
	s.recordEvent(ctx, eventlog.TypeSupervisorEscalation, Identity{ID: s.name, Kind: "supervisor"}, map[string]interface{}{
		"failed_actor_id":   n.spec.Identity.ID,
		"failed_actor_kind": n.spec.Identity.Kind,
		"error":             cause.Error(),
	})
	return &EscalationError{Supervisor: s.name, Child: n.spec.Identity, LastErr: cause}
}

// restartSet returns the children the failed node's policy restarts,
// in start order.
func (s *Supervisor) restartSet(failed *node) []*node {
	switch failed.spec.Policy {
	case OneForAll:
		var set []*node
		for _, n := range s.nodes {
			if !n.state.Terminal() {
				set = append(set, n)
			}
		}
		return set
	case RestForOne:
		var set []*node
		for _, n := range s.nodes {
			if n.order >= failed.order && !n.state.Terminal() {
				set = append(set, n)
			}
		}
		return set
	default:
		return []*node{failed}
	}
}

// awaitExit consumes the exit notification of a child we just cancelled.
// Exits from other children are requeued for the main loop.
func (s *Supervisor) awaitExit(n *node) {
	for {
		exit := <-s.exitCh
		if exit.id == n.spec.Identity.ID {
			return
		}
		s.exitCh <- exit
	}
}

// shutdown cancels every running child and waits for them to exit.
func (s *Supervisor) shutdown(ctx context.Context) {
	pending := 0
	for _, n := range s.nodes {
		if n.state == StateRunning {
			n.stopping = true
			n.cancel()
			pending++
		}
	}
	for pending > 0 {
		exit := <-s.exitCh
		if n, ok := s.byID[exit.id]; ok {
			s.setState(n, StateStopped)
		}
		pending--
	}
	s.logger.Info().Msg("supervisor stopped")
}

func (s *Supervisor) setState(n *node, st ChildState) {
	n.state = st
	s.smu.Lock()
	s.states[n.spec.Identity.ID] = st
	s.smu.Unlock()
	observability.SetChildState(s.name, n.spec.Identity.ID, int(st))
}

func (s *Supervisor) recordEvent(ctx context.Context, eventType string, actor Identity, payload map[string]interface{}) {
	if s.log == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if _, err := s.log.Append(actx, eventlog.AppendRequest{
		EventType: eventType,
		Payload:   payload,
		ActorID:   actor.ID,
		UserID:    "system",
	}); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to record supervision event")
	}
}

func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	if window <= 0 {
		window = DefaultBudget.Window
	}
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
