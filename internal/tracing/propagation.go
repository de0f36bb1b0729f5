package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToWorker propagates tracing context into a worker dispatch. The
// trace ID is kept so the whole task correlates; the actor identity is
// replaced with the worker's.
func PropagateToWorker(ctx context.Context, workerID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	newCtx = WithActorID(newCtx, workerID)

	if sessionID := GetSessionID(ctx); sessionID != "" {
		newCtx = WithSessionID(newCtx, sessionID)
	}
	if threadID := GetThreadID(ctx); threadID != "" {
		newCtx = WithThreadID(newCtx, threadID)
	}

	return newCtx
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.TaskID != "" {
		logger = logger.With().Str("task_id", tc.TaskID).Logger()
	}
	if tc.ActorID != "" {
		logger = logger.With().Str("actor_id", tc.ActorID).Logger()
	}
	if tc.SessionID != "" {
		logger = logger.With().Str("session_id", tc.SessionID).Logger()
	}

	return logger
}
