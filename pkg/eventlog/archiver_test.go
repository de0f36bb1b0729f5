package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepArchivesOldEventsAndRecordsIt(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, AppendRequest{EventType: "test.event", ActorID: "a"})
	require.NoError(t, err)

	// Retention of zero makes everything currently in the log "old".
	a := NewArchiver(l, "@hourly", time.Nanosecond, zerolog.Nop())
	time.Sleep(2 * time.Millisecond)

	moved, err := a.Sweep()
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	// The sweep itself leaves an audit event in the hot log.
	events, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TypeEventsArchived, events[0].EventType)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	l := newTestLog(t)
	a := NewArchiver(l, "not a schedule", time.Hour, zerolog.Nop())
	assert.Error(t, a.Start())
}

func TestStartRejectsNonPositiveRetention(t *testing.T) {
	l := newTestLog(t)
	a := NewArchiver(l, "@hourly", 0, zerolog.Nop())
	assert.Error(t, a.Start())
}
