package conductor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/automatiq/automat/internal/tracing"
	"github.com/automatiq/automat/pkg/harness"
	"github.com/automatiq/automat/pkg/mailbox"
	"github.com/automatiq/automat/pkg/provider"
)

// dispatchSlack pads the call wait beyond the directive's own deadline so
// the harness gets to finish its terminal bookkeeping before the caller
// gives up.
const dispatchSlack = 10 * time.Second

type directiveMsg struct {
	d harness.Directive
	// ctx is the dispatching caller's context. Cancelling the task must
	// reach the turn even though the handler runs on the worker's own
	// run context.
	ctx   context.Context
	reply mailbox.Reply[*harness.Result]
}

// WorkerID derives the stable actor id for an agent kind. One worker per
// kind per process keeps the id stable across restarts.
func WorkerID(kind string) string {
	return kind + "-1"
}

// Worker is the actor wrapper around one harness instance. Directives
// arrive through the mailbox and run strictly one at a time, so turn
// state never overlaps. A panic inside a turn surfaces from Run and the
// supervisor restarts the worker on the same inbox.
type Worker struct {
	id   string
	kind string
	h    *harness.Harness
	mb   *mailbox.Mailbox[directiveMsg]
}

// NewWorker builds the worker actor for one agent kind.
func NewWorker(kind string, h *harness.Harness, logger zerolog.Logger) *Worker {
	id := WorkerID(kind)
	return &Worker{
		id:   id,
		kind: kind,
		h:    h,
		mb:   mailbox.New[directiveMsg](id, 16, logger),
	}
}

// Kind returns the agent kind this worker serves.
func (w *Worker) Kind() string {
	return w.kind
}

// Run drives the worker's mailbox until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.mb.Run(ctx, w.handle)
}

// Dispatch submits one directive and waits for its result. The wait is
// bounded by the directive's timeout plus slack, so a wedged worker
// cannot hang the caller.
func (w *Worker) Dispatch(ctx context.Context, d harness.Directive) (*harness.Result, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = harness.DefaultTimeout
	}
	return mailbox.Call(ctx, w.mb, timeout+dispatchSlack, func(r mailbox.Reply[*harness.Result]) directiveMsg {
		return directiveMsg{d: d, ctx: ctx, reply: r}
	})
}

func (w *Worker) handle(ctx context.Context, msg directiveMsg) {
	// The turn runs under the caller's context so a cancelled task stops
	// its in-flight tools, and is additionally cut short when the worker
	// itself is told to stop.
	taskCtx := msg.ctx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	runCtx, cancel := context.WithCancel(taskCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	runCtx = tracing.WithTraceID(runCtx, msg.d.TraceID)
	runCtx = tracing.WithSessionID(runCtx, msg.d.SessionID)
	runCtx = tracing.WithThreadID(runCtx, msg.d.ThreadID)
	runCtx = tracing.PropagateToWorker(runCtx, w.id)
	runCtx = provider.WithPreference(runCtx, msg.d.ProviderPreference)

	res, err := w.h.Execute(runCtx, msg.d)
	msg.reply.Deliver(res, err)
}
