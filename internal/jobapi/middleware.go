package jobapi

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// recoveryMiddleware turns a panicking handler into a 500 instead of
// crashing the whole plugin process.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("jobapi: panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// auditMiddleware writes one line per request to the audit log, if
// configured; this never blocks the request on its own write failure.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.audit != nil {
			line := fmt.Sprintf("%s %s %s %s %s\n",
				start.UTC().Format(time.RFC3339), r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
			_, _ = s.audit.Write([]byte(line))
		}
	})
}

// authMiddleware enforces exact-match x-internal-secret auth on every
// route except /health and /manifest, which are polled by operators and
// orchestrators without the shared secret.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/manifest" {
			next.ServeHTTP(w, r)
			return
		}
		if s.secret == "" || r.Header.Get("x-internal-secret") != s.secret {
			writeError(w, newError(KindUnauthorized, "unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
