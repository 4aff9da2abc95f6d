// Package gateway is the HTTP and WebSocket front of the orchestrator.
// It authenticates clients with a shared secret, accepts chat turns over
// POST /chat or a streaming WebSocket at /ws, and exposes health and
// metrics endpoints.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shopclerk/shopclerk/internal/observability"
	"github.com/shopclerk/shopclerk/internal/tracing"
	"github.com/shopclerk/shopclerk/pkg/orchestrator"
	"github.com/shopclerk/shopclerk/pkg/tools"
)

// Server fronts the turn service.
type Server struct {
	port         int
	sharedSecret string
	server       *http.Server
	service      *orchestrator.Service
	logger       zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Port         int
	SharedSecret string
	Service      *orchestrator.Service
	Logger       zerolog.Logger
}

// NewServer creates the gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("turn service is required")
	}

	return &Server{
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		service:      cfg.Service,
		logger:       cfg.Logger,
	}, nil
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.withAuth(s.handleChat))
	mux.HandleFunc("DELETE /conversations/{key}", s.withAuth(s.handleReset))
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observability.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Int("port", s.port).Msg("Gateway listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout, dropping in-flight requests")
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// withAuth wraps a handler with shared-secret bearer auth and in-flight
// request tracking.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		draining := s.isShuttingDown
		s.shutdownMu.RUnlock()
		if draining {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}

		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()
		next(w, r.WithContext(tracing.NewRequestContext(r.Context())))
	}
}

func (s *Server) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.sharedSecret)) == 1
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.service.HandleMessage(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.service.Reset(r.Context(), key); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps turn failures onto HTTP statuses. Malformed tool
// arguments are the only loop error that surfaces as a client-facing
// validation failure.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var malformed *tools.MalformedArgsError
	if errors.As(err, &malformed) {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Turn aborted on malformed tool arguments")
		writeError(w, http.StatusUnprocessableEntity, malformed.Error())
		return
	}

	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Turn failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
