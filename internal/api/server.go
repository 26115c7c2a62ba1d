// Package api exposes the HTTP interface for the archiver service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/metrics"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/queue"
)

type requestIDKey struct{}

// Server wires HTTP handlers to the queue manager.
type Server struct {
	router chi.Router
	queue  *queue.Manager
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(q *queue.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:  q,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/searches", s.submitSearch)
		r.Post("/entries", s.submitEntries)
		r.Get("/queue", s.queueStatus)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

type searchRequest struct {
	Term string `json:"term"`
}

// submitSearch runs the discovery pass synchronously: when it returns 200,
// every discoverable, non-duplicate area from the search is on the queue.
func (s *Server) submitSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Term == "" {
		writeError(w, http.StatusBadRequest, "missing search term", s.logger)
		return
	}
	if err := s.queue.SubmitSearch(r.Context(), req.Term); err != nil {
		metrics.ObserveSearch("error")
		writeError(w, http.StatusBadGateway, err.Error(), s.logger)
		return
	}
	metrics.ObserveSearch("ok")
	metrics.SetQueueDepth(s.queue.Len())
	writeJSON(w, http.StatusOK, map[string]any{
		"term":        req.Term,
		"queue_depth": s.queue.Len(),
	}, s.logger)
}

// submitEntries appends caller-provided entries verbatim.
func (s *Server) submitEntries(w http.ResponseWriter, r *http.Request) {
	var entries []archive.QueueEntry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	s.queue.SubmitExplicit(entries)
	metrics.SetQueueDepth(s.queue.Len())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":    len(entries),
		"queue_depth": s.queue.Len(),
	}, s.logger)
}

func (s *Server) queueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_depth":  s.queue.Len(),
		"failed_names": s.queue.FailedCount(),
	}, s.logger)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error", s.logger)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
