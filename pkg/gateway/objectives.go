package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/automatiq/automat/internal/tracing"
	"github.com/automatiq/automat/pkg/conductor"
)

type objectiveRequest struct {
	SessionID          string          `json:"session_id"`
	ThreadID           string          `json:"thread_id"`
	Objective          string          `json:"objective"`
	Scope              conductor.Scope `json:"scope,omitempty"`
	Budget             budgetRequest   `json:"budget,omitempty"`
	ProviderPreference string          `json:"provider_preference,omitempty"`
}

type budgetRequest struct {
	MaxCost        float64 `json:"max_cost,omitempty"`
	MaxResults     int     `json:"max_results,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	MaxSteps       int     `json:"max_steps,omitempty"`
}

type failureResponse struct {
	Status        string                  `json:"status"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
	Errors        []conductor.SearchError `json:"errors,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// handleObjective runs one objective synchronously and returns the
// synthesized result or a typed failure.
func (s *Server) handleObjective(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if ok, reason := s.limiter.Acquire(); !ok {
		writeJSON(w, http.StatusTooManyRequests, failureResponse{Status: "rejected", Error: reason})
		return
	}
	defer s.limiter.Release()

	var req objectiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failureResponse{Status: "rejected", Error: "invalid request body: " + err.Error()})
		return
	}

	task := conductor.ObjectiveTask{
		SessionID: req.SessionID,
		ThreadID:  req.ThreadID,
		Objective: req.Objective,
		Scope:     req.Scope,
		Budget: conductor.Budget{
			MaxCost:    req.Budget.MaxCost,
			MaxResults: req.Budget.MaxResults,
			Timeout:    time.Duration(req.Budget.TimeoutSeconds) * time.Second,
			MaxSteps:   req.Budget.MaxSteps,
		},
		ProviderPreference: req.ProviderPreference,
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	ctx := tracing.NewRequestContext(r.Context())
	s.logger.Info().
		Str("session_id", req.SessionID).
		Str("thread_id", req.ThreadID).
		Str("trace_id", tracing.GetTraceID(ctx)).
		Msg("Objective received")

	result, err := s.exec.Execute(ctx, task)
	if err != nil {
		var admission *conductor.AdmissionError
		if errors.As(err, &admission) {
			writeJSON(w, http.StatusBadRequest, failureResponse{Status: "rejected", Error: admission.Error()})
			return
		}
		var taskErr *conductor.TaskError
		if errors.As(err, &taskErr) {
			writeJSON(w, http.StatusOK, failureResponse{
				Status:        conductor.StatusFailed,
				CorrelationID: taskErr.CorrelationID,
				Errors:        taskErr.Errors,
			})
			return
		}
		s.logger.Error().Err(err).Msg("Objective execution failed")
		writeJSON(w, http.StatusInternalServerError, failureResponse{Status: "error", Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
