package gateway

import (
	"net/http"
	"strconv"

	"github.com/automatiq/automat/pkg/eventlog"
)

type eventsResponse struct {
	Events []eventlog.Event `json:"events"`
	Count  int              `json:"count"`
}

// handleEvents serves point-in-time queries over the event log.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failureResponse{Status: "rejected", Error: err.Error()})
		return
	}

	events, err := s.log.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Event query failed")
		writeJSON(w, http.StatusInternalServerError, failureResponse{Status: "error", Error: err.Error()})
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, Count: len(events)})
}

func filterFromQuery(r *http.Request) (eventlog.Filter, error) {
	q := r.URL.Query()
	f := eventlog.Filter{
		ActorID:     q.Get("actor_id"),
		SessionID:   q.Get("session_id"),
		ThreadID:    q.Get("thread_id"),
		TypePattern: q.Get("type"),
	}
	if raw := q.Get("since_seq"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return eventlog.Filter{}, err
		}
		f.SinceSeq = seq
	}
	return f, nil
}
