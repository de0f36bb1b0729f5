package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithActorID(ctx, "terminal-1")
	ctx = WithSessionID(ctx, "session-1")
	ctx = WithThreadID(ctx, "thread-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "task-1", GetTaskID(ctx))
	assert.Equal(t, "terminal-1", GetActorID(ctx))
	assert.Equal(t, "session-1", GetSessionID(ctx))
	assert.Equal(t, "thread-1", GetThreadID(ctx))
}

func TestGetFromEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetTaskID(ctx))
	assert.Empty(t, GetActorID(ctx))
}

func TestFromContextAndBack(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-9")
	ctx = WithSessionID(ctx, "session-9")

	tc := FromContext(ctx)
	require.NotNil(t, tc)
	assert.Equal(t, "trace-9", tc.TraceID)
	assert.Equal(t, "session-9", tc.SessionID)

	rebuilt := NewContext(context.Background(), tc)
	assert.Equal(t, "trace-9", GetTraceID(rebuilt))
	assert.Equal(t, "session-9", GetSessionID(rebuilt))
}

func TestNewRequestContextAssignsTraceID(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestPropagateToWorkerKeepsTraceReplacesActor(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-2")
	ctx = WithActorID(ctx, "conductor")
	ctx = WithSessionID(ctx, "session-2")

	workerCtx := PropagateToWorker(ctx, "researcher-1")
	assert.Equal(t, "trace-2", GetTraceID(workerCtx))
	assert.Equal(t, "researcher-1", GetActorID(workerCtx))
	assert.Equal(t, "session-2", GetSessionID(workerCtx))
}
