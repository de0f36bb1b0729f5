package conductor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/automatiq/automat/internal/tracing"
	"github.com/automatiq/automat/pkg/eventlog"
	"github.com/automatiq/automat/pkg/provider"
)

const observerAppendTimeout = 5 * time.Second

// LogObserver turns search route outcomes into search.failed and
// search.succeeded events, scoped by the tracing values carried on the
// tool-call context. The conductor later derives execution_metadata from
// exactly these events, so the log stays the single source of truth for
// what each route attempt did.
type LogObserver struct {
	log    *eventlog.Log
	logger zerolog.Logger
}

// NewLogObserver builds the observer over the event log actor.
func NewLogObserver(log *eventlog.Log, logger zerolog.Logger) *LogObserver {
	return &LogObserver{log: log, logger: logger}
}

// SearchCompleted appends one search.failed event per failed route entry
// and, when a provider ultimately answered, one search.succeeded event.
// Append problems degrade derived metadata only; the tool result already
// carries the outcome to the caller.
func (o *LogObserver) SearchCompleted(ctx context.Context, usedProvider string, failures []provider.EntryError) {
	tc := tracing.FromContext(ctx)

	for _, f := range failures {
		o.append(ctx, tc, eventlog.TypeSearchFailed, map[string]interface{}{
			"provider": f.Provider,
			"error":    f.Message,
			"retried":  f.Retried,
			"trace_id": tc.TraceID,
		})
	}
	if usedProvider != "" {
		o.append(ctx, tc, eventlog.TypeSearchSucceeded, map[string]interface{}{
			"provider": usedProvider,
			"trace_id": tc.TraceID,
		})
	}
}

func (o *LogObserver) append(ctx context.Context, tc *tracing.TraceContext, eventType string, payload map[string]interface{}) {
	appendCtx, cancel := context.WithTimeout(ctx, observerAppendTimeout)
	defer cancel()

	_, err := o.log.Append(appendCtx, eventlog.AppendRequest{
		EventType: eventType,
		Payload:   payload,
		ActorID:   tc.ActorID,
		UserID:    "system",
		SessionID: tc.SessionID,
		ThreadID:  tc.ThreadID,
	})
	if err != nil {
		logger := tracing.PropagateToLogger(ctx, o.logger)
		logger.Warn().Err(err).
			Str("event_type", eventType).Msg("failed to record search event")
	}
}
