package mailbox

import (
	"context"
	"time"

	"github.com/automatiq/automat/internal/observability"
)

type outcome[R any] struct {
	value R
	err   error
}

// Reply is the reply slot carried inside a request message. The buffer of
// one plus the non-blocking Deliver mean a late reply to an expired call
// is discarded instead of leaking a goroutine or reaching a caller that
// already gave up.
type Reply[R any] struct {
	ch chan outcome[R]
}

// NewReply creates a reply slot for one call.
func NewReply[R any]() Reply[R] {
	return Reply[R]{ch: make(chan outcome[R], 1)}
}

// Deliver completes the call. Only the first delivery counts; later or
// post-timeout deliveries are dropped.
func (r Reply[R]) Deliver(value R, err error) {
	select {
	case r.ch <- outcome[R]{value: value, err: err}:
	default:
	}
}

// Call sends a request built around a fresh reply slot and waits for the
// reply, the timeout, or context cancellation, whichever comes first.
func Call[M any, R any](ctx context.Context, m *Mailbox[M], timeout time.Duration, build func(Reply[R]) M) (R, error) {
	var zero R

	reply := NewReply[R]()
	if err := m.Cast(build(reply)); err != nil {
		observability.RecordCall(m.name, "closed")
		return zero, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-reply.ch:
		if out.err != nil {
			observability.RecordCall(m.name, "error")
			return zero, out.err
		}
		observability.RecordCall(m.name, "ok")
		return out.value, nil
	case <-timer.C:
		observability.RecordCall(m.name, "timeout")
		return zero, ErrTimeout
	case <-ctx.Done():
		observability.RecordCall(m.name, "cancelled")
		return zero, ctx.Err()
	case <-m.done:
		// The run loop drains accepted messages on close; give an
		// already-delivered reply precedence over the close signal.
		select {
		case out := <-reply.ch:
			if out.err != nil {
				observability.RecordCall(m.name, "error")
				return zero, out.err
			}
			observability.RecordCall(m.name, "ok")
			return out.value, nil
		case <-timer.C:
			observability.RecordCall(m.name, "timeout")
			return zero, ErrTimeout
		}
	}
}
