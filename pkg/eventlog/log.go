package eventlog

import (
	"context"
	"time"

	"github.com/automatiq/automat/internal/observability"
	"github.com/automatiq/automat/pkg/mailbox"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ActorID is the stable identity of the event log actor.
const ActorID = "event-log"

// DefaultCallTimeout bounds waits on the log's mailbox.
const DefaultCallTimeout = 5 * time.Second

// DefaultSubscriberBuffer is the per-subscriber channel capacity. A
// subscriber that lets this fill up gets dropped; the writer path never
// blocks on it.
const DefaultSubscriberBuffer = 256

type logMsg interface{ isLogMsg() }

type appendMsg struct {
	req   AppendRequest
	reply mailbox.Reply[Event]
}

type queryMsg struct {
	filter Filter
	reply  mailbox.Reply[[]Event]
}

type subscribeMsg struct {
	filter Filter
	buffer int
	reply  mailbox.Reply[*Subscription]
}

type unsubscribeMsg struct {
	id string
}

type archiveMsg struct {
	cutoff time.Time
	reply  mailbox.Reply[int64]
}

func (appendMsg) isLogMsg()      {}
func (queryMsg) isLogMsg()       {}
func (subscribeMsg) isLogMsg()   {}
func (unsubscribeMsg) isLogMsg() {}
func (archiveMsg) isLogMsg()     {}

// Subscription is one live event feed. Events arrive on Events() in seq
// order, starting with catch-up from the filter's SinceSeq. The channel
// closes when the subscriber is dropped for falling behind, unsubscribes,
// or the log shuts down.
type Subscription struct {
	id     string
	filter Filter
	ch     chan Event
	log    *Log
}

// Events returns the subscription's delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Safe to call once; the delivery channel
// is closed by the log actor.
func (s *Subscription) Close() {
	_ = s.log.mb.Cast(unsubscribeMsg{id: s.id})
}

// Log is the event log actor: one mailbox in front of the store, plus the
// subscriber table. Run must be driven (typically under the supervision
// tree) before Append/Query/Subscribe are useful.
type Log struct {
	store  *Store
	mb     *mailbox.Mailbox[logMsg]
	subs   map[string]*Subscription
	logger zerolog.Logger
}

// NewLog creates the event log actor over an opened store.
func NewLog(store *Store, logger zerolog.Logger) *Log {
	return &Log{
		store:  store,
		mb:     mailbox.New[logMsg](ActorID, 512, logger),
		subs:   make(map[string]*Subscription),
		logger: logger.With().Str("actor_id", ActorID).Logger(),
	}
}

// Run processes the log's mailbox until ctx is cancelled. On return all
// subscriptions are closed.
func (l *Log) Run(ctx context.Context) error {
	defer l.closeAllSubs()
	return l.mb.Run(ctx, l.handle)
}

// Close closes the mailbox to new senders.
func (l *Log) Close() {
	l.mb.Close()
}

// Append persists the event durably and fans it out to matching
// subscribers before returning it with its assigned seq.
func (l *Log) Append(ctx context.Context, req AppendRequest) (Event, error) {
	return mailbox.Call(ctx, l.mb, DefaultCallTimeout, func(r mailbox.Reply[Event]) logMsg {
		return appendMsg{req: req, reply: r}
	})
}

// Query returns the range-consistent, seq-ordered view of events matching
// the filter.
func (l *Log) Query(ctx context.Context, f Filter) ([]Event, error) {
	return mailbox.Call(ctx, l.mb, DefaultCallTimeout, func(r mailbox.Reply[[]Event]) logMsg {
		return queryMsg{filter: f, reply: r}
	})
}

// Subscribe attaches a live feed. Catch-up from the filter's SinceSeq and
// the switch to live delivery happen inside one mailbox message, so a
// subscriber sees no gap and no duplicate at the boundary.
func (l *Log) Subscribe(ctx context.Context, f Filter, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return mailbox.Call(ctx, l.mb, DefaultCallTimeout, func(r mailbox.Reply[*Subscription]) logMsg {
		return subscribeMsg{filter: f, buffer: buffer, reply: r}
	})
}

func (l *Log) handle(_ context.Context, msg logMsg) {
	switch m := msg.(type) {
	case appendMsg:
		l.handleAppend(m)
	case queryMsg:
		events, err := l.store.Query(m.filter)
		m.reply.Deliver(events, err)
	case subscribeMsg:
		l.handleSubscribe(m)
	case unsubscribeMsg:
		l.dropSubscriber(m.id, false)
	case archiveMsg:
		moved, err := l.store.ArchiveBefore(m.cutoff)
		m.reply.Deliver(moved, err)
	}
}

// Archive moves events older than cutoff to the archive table, serialized
// through the mailbox like every other store access.
func (l *Log) Archive(ctx context.Context, cutoff time.Time) (int64, error) {
	return mailbox.Call(ctx, l.mb, DefaultCallTimeout, func(r mailbox.Reply[int64]) logMsg {
		return archiveMsg{cutoff: cutoff, reply: r}
	})
}

func (l *Log) handleAppend(m appendMsg) {
	start := time.Now()
	ev, err := l.store.Append(m.req)
	observability.RecordAppend(m.req.EventType, time.Since(start), err == nil)
	if err != nil {
		l.logger.Error().Err(err).
			Str("event_type", m.req.EventType).
			Msg("Append failed")
		m.reply.Deliver(Event{}, err)
		return
	}

	// Ack the writer first: durability does not depend on subscribers.
	m.reply.Deliver(ev, nil)

	for id, sub := range l.subs {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// A full buffer degrades this one subscription, never the
			// writer path.
			l.logger.Warn().
				Str("subscription_id", id).
				Int64("seq", ev.Seq).
				Msg("Dropping slow subscriber")
			l.dropSubscriber(id, true)
		}
	}
}

func (l *Log) handleSubscribe(m subscribeMsg) {
	backlog, err := l.store.Query(m.filter)
	if err != nil {
		m.reply.Deliver(nil, err)
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		m.reply.Deliver(nil, err)
		return
	}

	// The channel must hold the entire catch-up: a resubscribing reader
	// gets every event after SinceSeq, gapless, no matter how far behind
	// it is. The configured buffer is the live-delivery headroom on top;
	// only falling behind on live events gets a subscriber dropped.
	sub := &Subscription{
		id:     id,
		filter: m.filter,
		ch:     make(chan Event, len(backlog)+m.buffer),
		log:    l,
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}

	l.subs[id] = sub
	observability.SetLiveSubscribers(len(l.subs))
	l.logger.Debug().
		Str("subscription_id", id).
		Int("catch_up", len(backlog)).
		Msg("Subscriber attached")

	m.reply.Deliver(sub, nil)
}

func (l *Log) dropSubscriber(id string, slow bool) {
	sub, ok := l.subs[id]
	if !ok {
		return
	}
	delete(l.subs, id)
	close(sub.ch)
	if slow {
		observability.RecordDroppedSubscriber()
	}
	observability.SetLiveSubscribers(len(l.subs))
}

func (l *Log) closeAllSubs() {
	for id := range l.subs {
		l.dropSubscriber(id, false)
	}
}
