package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automatiq/automat/pkg/decision"
	"github.com/automatiq/automat/pkg/harness"
	"github.com/automatiq/automat/pkg/supervise"
)

type noopAdapter struct{ role string }

func (a noopAdapter) RoleName() string             { return a.role }
func (a noopAdapter) Catalog() []decision.ToolSpec { return nil }
func (a noopAdapter) ShouldDefer(string) bool      { return false }

func (a noopAdapter) ExecuteTool(context.Context, decision.ToolCall) harness.ToolResult {
	return harness.ToolResult{}
}

func newTestWorker(t *testing.T, kind, content string) *Worker {
	t.Helper()
	script := decision.NewScripted().AddComplete(content)
	h, err := harness.New(WorkerID(kind), noopAdapter{role: kind}, script, newTestLog(t), zerolog.Nop())
	require.NoError(t, err)
	return NewWorker(kind, h, zerolog.Nop())
}

func TestWorkerDispatchRoundTrip(t *testing.T) {
	w := newTestWorker(t, "researcher", "all done")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	res, err := w.Dispatch(context.Background(), harness.Directive{Objective: "finish up"})
	require.NoError(t, err)
	assert.Equal(t, harness.StateCompleted, res.State)
	assert.Equal(t, "all done", res.Content)
	assert.Equal(t, "researcher", w.Kind())
}

// blockingAdapter parks inside its tool until the turn context is
// cancelled, recording whether the cancellation ever arrived.
type blockingAdapter struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (a *blockingAdapter) RoleName() string        { return "researcher" }
func (a *blockingAdapter) ShouldDefer(string) bool { return false }

func (a *blockingAdapter) Catalog() []decision.ToolSpec {
	return []decision.ToolSpec{{
		Name:        "wait",
		Description: "blocks until cancelled",
		InputSchema: map[string]interface{}{"type": "object"},
	}}
}

func (a *blockingAdapter) ExecuteTool(ctx context.Context, _ decision.ToolCall) harness.ToolResult {
	close(a.started)
	select {
	case <-ctx.Done():
		close(a.cancelled)
		return harness.ToolResult{Error: ctx.Err().Error()}
	case <-time.After(5 * time.Second):
		return harness.ToolResult{Output: "never cancelled"}
	}
}

func TestWorkerDispatchCancellationReachesTool(t *testing.T) {
	adapter := &blockingAdapter{
		started:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	script := decision.NewScripted().
		AddToolCall("c1", "wait", map[string]interface{}{}).
		AddComplete("done")
	h, err := harness.New(WorkerID("researcher"), adapter, script, newTestLog(t), zerolog.Nop())
	require.NoError(t, err)
	w := NewWorker("researcher", h, zerolog.Nop())

	runCtx, stopWorker := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(runCtx)
	}()
	t.Cleanup(func() {
		stopWorker()
		<-done
	})

	taskCtx, cancelTask := context.WithCancel(context.Background())
	dispatchErr := make(chan error, 1)
	go func() {
		_, err := w.Dispatch(taskCtx, harness.Directive{Objective: "wait it out"})
		dispatchErr <- err
	}()

	select {
	case <-adapter.started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}
	cancelTask()

	select {
	case <-adapter.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight tool call never observed the task cancellation")
	}
	select {
	case err := <-dispatchErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}
}

func TestSupervisedDispatcherResolvesWorker(t *testing.T) {
	log := newTestLog(t)
	w := newTestWorker(t, "researcher", "supervised result")

	sup := supervise.New("workers", log, zerolog.Nop())
	require.NoError(t, sup.AddChild(supervise.ChildSpec{
		Identity: supervise.Identity{ID: w.id, Kind: "researcher"},
		Policy:   supervise.OneForOne,
		Start: func(context.Context) (supervise.Child, error) {
			return w, nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sup.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	disp := NewSupervisedDispatcher(sup)
	require.Eventually(t, func() bool {
		_, ok := sup.Lookup(WorkerID("researcher"))
		return ok
	}, time.Second, 5*time.Millisecond)

	res, err := disp.Dispatch(context.Background(), "researcher", harness.Directive{Objective: "go"})
	require.NoError(t, err)
	assert.Equal(t, "supervised result", res.Content)

	_, err = disp.Dispatch(context.Background(), "imaginary", harness.Directive{Objective: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no live worker")
}
