package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 10 * time.Second

// handleStream upgrades to WebSocket and feeds the client a live event
// stream: catch-up from since_seq first, then live delivery in seq
// order. A client that cannot keep up is dropped by the log, which
// closes the subscription channel and ends this handler.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failureResponse{Status: "rejected", Error: err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade stream connection")
		return
	}
	s.trackStream(conn)
	defer func() {
		s.untrackStream(conn)
		_ = conn.Close()
	}()

	sub, err := s.log.Subscribe(r.Context(), filter, s.streamBuffer)
	if err != nil {
		s.logger.Error().Err(err).Msg("Stream subscription failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(streamWriteTimeout))
		return
	}
	defer sub.Close()

	s.logger.Info().Str("ip", r.RemoteAddr).Msg("Stream client connected")

	// Drain the client side only to notice disconnects; the stream is
	// one-way.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			s.logger.Info().Str("ip", r.RemoteAddr).Msg("Stream client disconnected")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped for falling behind, or the log shut down.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warn().Err(err).Msg("Stream write failed")
				return
			}
		}
	}
}
