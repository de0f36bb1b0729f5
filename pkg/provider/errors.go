package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a provider failure for the fallback policy.
type ErrorKind string

const (
	KindMissingKey ErrorKind = "missing_api_key"
	KindRequest    ErrorKind = "request"
	KindStatus     ErrorKind = "status"
	KindParse      ErrorKind = "parse"
	KindBudget     ErrorKind = "budget"
)

// Error is a typed provider failure. Transient errors are eligible for
// one retry on the same route entry; permanent ones move straight to the
// next entry.
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s: status %d: %s", e.Provider, e.Kind, e.Status, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient reports whether a retry of the same entry could plausibly
// succeed: timeouts, connection failures, rate limits, and 5xx.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindRequest:
		if errors.Is(e.Cause, context.Canceled) {
			return false
		}
		var netErr net.Error
		if errors.As(e.Cause, &netErr) {
			return true
		}
		return errors.Is(e.Cause, context.DeadlineExceeded)
	case KindStatus:
		return e.Status == http.StatusTooManyRequests ||
			e.Status == http.StatusRequestTimeout ||
			e.Status >= 500
	default:
		return false
	}
}

func missingKeyErr(provider, envVar string) *Error {
	return &Error{Provider: provider, Kind: KindMissingKey, Msg: envVar + " is not configured"}
}

func requestErr(provider string, cause error) *Error {
	return &Error{Provider: provider, Kind: KindRequest, Cause: cause}
}

func statusErr(provider string, status int, body string) *Error {
	return &Error{Provider: provider, Kind: KindStatus, Status: status, Msg: body}
}

func parseErr(provider, msg string, cause error) *Error {
	return &Error{Provider: provider, Kind: KindParse, Msg: msg, Cause: cause}
}
