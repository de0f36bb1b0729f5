// Package gateway is the process's only ingress: objective intake over
// HTTP, event queries, and a WebSocket event stream with catch-up then
// live delivery. Everything behind it goes through the conductor and the
// event log; the gateway holds no domain state.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/automatiq/automat/internal/observability"
	"github.com/automatiq/automat/pkg/conductor"
	"github.com/automatiq/automat/pkg/eventlog"
)

const (
	shutdownDrainTimeout = 30 * time.Second
	shutdownHTTPTimeout  = 5 * time.Second
)

// Executor runs one objective to its terminal event. The conductor is
// the production implementation.
type Executor interface {
	Execute(ctx context.Context, task conductor.ObjectiveTask) (*conductor.TaskResult, error)
}

// Config holds server configuration.
type Config struct {
	Addr      string
	AuthToken string
	Executor  Executor
	Log       *eventlog.Log
	Logger    zerolog.Logger

	// Intake limits; zero values take the defaults.
	RequestsPerMinute int
	MaxConcurrent     int

	// StreamBuffer is the per-client subscription buffer on /v1/stream;
	// zero takes the log's default.
	StreamBuffer int
}

// Server is the gateway HTTP server.
type Server struct {
	addr         string
	authToken    string
	exec         Executor
	log          *eventlog.Log
	limiter      *IntakeLimiter
	upgrader     websocket.Upgrader
	streamBuffer int
	logger       zerolog.Logger

	server       *http.Server
	inFlight     sync.WaitGroup
	shutdownMu   sync.RWMutex
	shuttingDown bool

	streamMu sync.Mutex
	streams  map[*websocket.Conn]struct{}
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("auth token is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}

	return &Server{
		addr:         cfg.Addr,
		authToken:    cfg.AuthToken,
		exec:         cfg.Executor,
		log:          cfg.Log,
		limiter:      NewIntakeLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		streamBuffer: cfg.StreamBuffer,
		logger:       cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		streams: make(map[*websocket.Conn]struct{}),
	}, nil
}

// Handler builds the route table. Exposed for tests; Start serves it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/objectives", s.requireAuth(s.handleObjective))
	mux.HandleFunc("/v1/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("/v1/stream", s.requireAuth(s.handleStream))
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start begins serving. It returns once the listener is up; serving
// continues in the background until Stop.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop drains in-flight requests, closes live streams, and shuts the
// listener down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainTimeout):
		s.logger.Warn().Msg("Drain timeout reached, forcing close")
	}

	// WebSocket connections are hijacked and invisible to
	// http.Server.Shutdown; close them explicitly.
	s.streamMu.Lock()
	for conn := range s.streams {
		_ = conn.Close()
	}
	s.streamMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownHTTPTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// requireAuth enforces the shared-secret bearer token. WebSocket clients
// that cannot set headers may pass the token as a query parameter.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.shuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.shutdownMu.RUnlock()

		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			s.logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("Unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) trackStream(conn *websocket.Conn) {
	s.streamMu.Lock()
	s.streams[conn] = struct{}{}
	s.streamMu.Unlock()
}

func (s *Server) untrackStream(conn *websocket.Conn) {
	s.streamMu.Lock()
	delete(s.streams, conn)
	s.streamMu.Unlock()
}
