package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/automatiq/automat/internal/observability"
	"github.com/automatiq/automat/internal/tracing"
)

// EntryError is the final outcome of one failed route entry. Retried is
// set when a transient failure was retried before giving up on the entry.
type EntryError struct {
	Provider string `json:"provider"`
	Message  string `json:"message"`
	Retried  bool   `json:"retried"`
	Err      error  `json:"-"`
}

// RouteExhaustedError reports that every entry in a route failed. It
// carries one error per entry, never just the last.
type RouteExhaustedError struct {
	Errors []EntryError
}

func (e *RouteExhaustedError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, entry := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", entry.Provider, entry.Message)
	}
	return "all route entries failed: " + strings.Join(parts, "; ")
}

// ExecuteRoute tries each entry in order under its own timeout, retrying
// an entry once on a transient error. Entry failures are reported through
// onFailure (when non-nil) and accumulated; the first success returns
// together with the failures that preceded it. When every entry fails the
// returned error is a *RouteExhaustedError whose list length equals the
// route length.
func ExecuteRoute(ctx context.Context, route Route, q Query, onFailure func(EntryError)) (*Response, []EntryError, error) {
	if len(route) == 0 {
		return nil, nil, errors.New("empty provider route")
	}

	var failures []EntryError
	for _, entry := range route {
		resp, entryErr := runEntry(ctx, entry, q)
		if entryErr == nil {
			return resp, failures, nil
		}
		failures = append(failures, *entryErr)
		if onFailure != nil {
			onFailure(*entryErr)
		}
		if ctx.Err() != nil {
			break
		}
	}

	// Context cancellation can cut the route short; the remaining entries
	// were never tried and must not be reported as failed.
	if ctx.Err() != nil && len(failures) < len(route) {
		return nil, failures, fmt.Errorf("route aborted: %w", ctx.Err())
	}
	return nil, failures, &RouteExhaustedError{Errors: failures}
}

func runEntry(ctx context.Context, entry Entry, q Query) (*Response, *EntryError) {
	name := entry.Backend.Name()

	attempt := func() (*Response, error) {
		callCtx, span := tracing.StartSpan(ctx, "provider.search",
			attribute.String("provider", name),
		)
		defer span.End()
		var cancel context.CancelFunc
		if entry.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(callCtx, entry.Timeout)
			defer cancel()
		}
		start := time.Now()
		resp, err := entry.Backend.Search(callCtx, q)
		observability.RecordProviderCall(name, time.Since(start), err == nil)
		if err != nil {
			span.RecordError(err)
		}
		return resp, err
	}

	resp, err := attempt()
	if err == nil {
		return resp, nil
	}

	var perr *Error
	if errors.As(err, &perr) && perr.Transient() && ctx.Err() == nil {
		resp, retryErr := attempt()
		if retryErr == nil {
			return resp, nil
		}
		return nil, &EntryError{Provider: name, Message: retryErr.Error(), Retried: true, Err: retryErr}
	}
	return nil, &EntryError{Provider: name, Message: err.Error(), Err: err}
}
