// HTTP ingestion surface for the Analytics Aggregator: the audio-analytics
// plugin's counterpart to internal/jobapi, adapted to a fire-and-forget
// event stream instead of a job lifecycle. Same auth/recovery middleware
// shape as the Job API, reused here rather than reinvented.
package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server exposes POST /events, POST /events/batch, and GET /health for
// one audio-analytics plugin instance.
type Server struct {
	agg    *Aggregator
	secret string
	log    *zap.Logger
	srv    *http.Server
}

// ServerConfig bundles the dependencies a Server needs.
type ServerConfig struct {
	ListenAddr   string
	Secret       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer builds a Server wired to agg.
func NewServer(cfg ServerConfig, agg *Aggregator, log *zap.Logger) *Server {
	s := &Server{agg: agg, secret: cfg.Secret, log: log}
	router := mux.NewRouter()
	router.Use(s.recoveryMiddleware, s.authMiddleware)
	router.HandleFunc("/events", s.handleEvent).Methods(http.MethodPost)
	router.HandleFunc("/events/batch", s.handleBatch).Methods(http.MethodPost)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start begins serving; it blocks until the listener errors or is shut down.
func (s *Server) Start() error { return s.srv.ListenAndServe() }

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("analytics: panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces exact-match x-internal-secret auth on every
// route except /health, matching the Job API's auth policy.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if s.secret == "" || r.Header.Get("x-internal-secret") != s.secret {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation"})
		return
	}
	if ev.Timestamp.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation"})
		return
	}
	if err := s.agg.Handle(r.Context(), ev); err != nil {
		s.log.Warn("analytics event failed", zap.String("event_type", ev.EventType), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store-unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleBatch accepts a JSON array of events; per spec.md §4.H, a failed
// row logs and the batch proceeds, so this always answers 200 once
// decoding succeeds.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var events []Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation"})
		return
	}
	s.agg.Batch(r.Context(), events)
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "count": len(events)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
