package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ReadinessCheck reports whether a downstream dependency (Redis, Postgres)
// is currently reachable.
type ReadinessCheck func(ctx context.Context) error

// StartHealthServer serves /healthz (liveness, always 200 once the process
// is up) and /readyz (runs every check, 503 if any of them fails).
func StartHealthServer(addr string, checks map[string]ReadinessCheck) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		results := make(map[string]string, len(checks))
		ready := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				ready = false
				results[name] = err.Error()
			} else {
				results[name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(results)
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// DialCheck builds a ReadinessCheck out of a context-taking ping function,
// for use with Redis/Postgres clients whose Ping takes a context.
func DialCheck(ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		return nil
	}
}
