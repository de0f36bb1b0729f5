// Package mailbox provides the typed message-passing primitive every actor
// in the process is built on: an isolated inbox, strictly sequential
// processing, and a request/reply pattern with caller-bounded waits.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/automatiq/automat/internal/observability"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned when sending to or calling a closed mailbox.
	ErrClosed = errors.New("mailbox closed")
	// ErrTimeout is returned when a call's wait bound elapses.
	ErrTimeout = errors.New("call timed out")
)

// PanicError reports a handler panic caught at the mailbox boundary.
// The supervision tree treats it as an unplanned child failure.
type PanicError struct {
	Actor string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("actor %s panicked: %v", e.Actor, e.Value)
}

// Handler processes one inbox message. It is never invoked concurrently
// for the same mailbox, which is what makes actor-local state safe
// without locks.
type Handler[M any] func(ctx context.Context, msg M)

// Mailbox is a typed actor inbox. Create with New, feed with Cast or Call,
// drive with Run. The mailbox survives handler crashes: Run returns the
// PanicError and a restarted handler can resume on the same inbox.
type Mailbox[M any] struct {
	name      string
	inbox     chan M
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

// New creates a mailbox with the given inbox capacity.
func New[M any](name string, capacity int, logger zerolog.Logger) *Mailbox[M] {
	if capacity <= 0 {
		capacity = 64
	}
	observability.EnsureRegistered()
	return &Mailbox[M]{
		name:   name,
		inbox:  make(chan M, capacity),
		done:   make(chan struct{}),
		logger: logger.With().Str("actor_id", name).Logger(),
	}
}

// Name returns the actor identity this mailbox is addressed by.
func (m *Mailbox[M]) Name() string {
	return m.name
}

// Depth returns the current inbox depth.
func (m *Mailbox[M]) Depth() int {
	return len(m.inbox)
}

// Cast enqueues a fire-and-forget message. Ordering is preserved per
// sender. Returns ErrClosed after Close.
func (m *Mailbox[M]) Cast(msg M) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	select {
	case m.inbox <- msg:
		observability.RecordCast(m.name)
		observability.SetMailboxDepth(m.name, len(m.inbox))
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Close marks the mailbox closed for senders. Messages already enqueued
// are still processed by Run before it returns.
func (m *Mailbox[M]) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// Run processes the inbox strictly sequentially until the context is
// cancelled or the mailbox is closed and drained. A handler panic is
// recovered, counted, and returned as a PanicError so the supervisor can
// apply its restart policy; the inbox itself stays intact.
func (m *Mailbox[M]) Run(ctx context.Context, handler Handler[M]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			// Drain what was accepted before the close.
			for {
				select {
				case msg := <-m.inbox:
					if err := m.dispatch(ctx, handler, msg); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case msg := <-m.inbox:
			observability.SetMailboxDepth(m.name, len(m.inbox))
			if err := m.dispatch(ctx, handler, msg); err != nil {
				return err
			}
		}
	}
}

func (m *Mailbox[M]) dispatch(ctx context.Context, handler Handler[M], msg M) (err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordPanic(m.name)
			m.logger.Error().
				Interface("panic", r).
				Msg("Handler panicked")
			err = &PanicError{Actor: m.name, Value: r, Stack: debug.Stack()}
		}
	}()

	handler(ctx, msg)
	return nil
}
