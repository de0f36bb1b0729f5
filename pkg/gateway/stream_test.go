package gateway

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automatiq/automat/pkg/eventlog"
)

func readEvent(t *testing.T, conn *websocket.Conn) eventlog.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev eventlog.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestStreamRequiresToken(t *testing.T) {
	ts, _ := newTestServer(t, &stubExecutor{}, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/stream"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamCatchUpThenLive(t *testing.T) {
	ts, log := newTestServer(t, &stubExecutor{}, nil)

	// Events appended before the subscription arrive as catch-up.
	first := appendEvent(t, log, "terminal-1", "agent.task.started")
	second := appendEvent(t, log, "terminal-1", "agent.task.progress")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/stream?token="+testToken+"&actor_id=terminal-1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	got := readEvent(t, conn)
	assert.Equal(t, first.Seq, got.Seq)
	got = readEvent(t, conn)
	assert.Equal(t, second.Seq, got.Seq)

	// A later append arrives live, in seq order, no duplicates.
	third := appendEvent(t, log, "terminal-1", "agent.task.completed")
	got = readEvent(t, conn)
	assert.Equal(t, third.Seq, got.Seq)
	assert.Equal(t, "agent.task.completed", got.EventType)
}

func TestStreamFilterScopesDelivery(t *testing.T) {
	ts, log := newTestServer(t, &stubExecutor{}, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/stream?token="+testToken+"&actor_id=writer-1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	appendEvent(t, log, "terminal-1", "agent.task.started")
	want := appendEvent(t, log, "writer-1", "agent.task.started")

	got := readEvent(t, conn)
	assert.Equal(t, want.Seq, got.Seq)
	assert.Equal(t, "writer-1", got.ActorID)
}

func TestStreamSinceSeqSkipsAcknowledged(t *testing.T) {
	ts, log := newTestServer(t, &stubExecutor{}, nil)

	appendEvent(t, log, "terminal-1", "agent.task.started")
	second := appendEvent(t, log, "terminal-1", "agent.task.progress")

	url := wsURL(ts, "/v1/stream?token="+testToken+"&since_seq=1")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	got := readEvent(t, conn)
	assert.Equal(t, second.Seq, got.Seq)
}

func TestStreamConfiguredBufferDeliversFullCatchUp(t *testing.T) {
	ts, log := newTestServer(t, &stubExecutor{}, func(c *Config) { c.StreamBuffer = 2 })

	// More backlog than the per-client buffer; catch-up must still be
	// complete and in order.
	var events []eventlog.Event
	for i := 0; i < 6; i++ {
		events = append(events, appendEvent(t, log, "terminal-1", "agent.task.progress"))
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/stream?token="+testToken+"&actor_id=terminal-1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	for _, ev := range events {
		got := readEvent(t, conn)
		assert.Equal(t, ev.Seq, got.Seq)
	}
}
