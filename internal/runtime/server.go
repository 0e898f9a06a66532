// Package runtime implements the chatd HTTP server.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatd/internal/agent"
	"chatd/internal/chat"
	"chatd/internal/telemetry"
)

// Server exposes the conversation orchestrator over HTTP.
type Server struct {
	orchestrator *chat.Orchestrator
	mux          *http.ServeMux
	server       *http.Server
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	startTime    time.Time
	apiKey       string
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes a metrics collector at /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the chatd HTTP server.
func NewServer(orchestrator *chat.Orchestrator, opts ...ServerOption) *Server {
	s := &Server{
		orchestrator: orchestrator,
		logger:       slog.Default(),
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleResetSession)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.correlationMiddleware(s.authMiddleware(s.mux))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("chatd server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health check doesn't require auth
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = auth[7:]
			}
		}

		if key != s.apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversation_id,omitempty"`
		Message        string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	id, answer, err := s.orchestrator.Respond(r.Context(), req.ConversationID, req.Message)
	if err != nil {
		s.writeTurnError(w, r, req.ConversationID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": id,
		"answer":          answer,
	})
}

// writeTurnError maps orchestrator failures to generic responses. Internal
// detail stays in the log; callers get a stable error code.
func (s *Server) writeTurnError(w http.ResponseWriter, r *http.Request, conversationID string, err error) {
	log := telemetry.RequestLogger(s.logger, r.Context(), conversationID)

	var invErr *agent.InvocationError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
	case errors.As(err, &invErr):
		log.Error("agent invocation failed", "error", err)
		writeError(w, http.StatusBadGateway, "agent_error", "The agent failed to produce a response")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info("request abandoned", "error", err)
		writeError(w, http.StatusServiceUnavailable, "canceled", "Request was canceled")
	default:
		log.Error("turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal error")
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.orchestrator.ListActive(r.Context()),
	})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Reset(r.Context(), r.PathValue("id")); err != nil {
		log := telemetry.RequestLogger(s.logger, r.Context(), r.PathValue("id"))
		log.Error("reset failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
