// Package status exposes a small HTTP surface over a running Runner's job
// stats, for a liveness probe and basic operational visibility.
package status

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eslider/mailkit/internal/fetchloop"
)

// Config holds the dependencies the status router reads from.
type Config struct {
	Runner *fetchloop.Runner
}

// NewRouter creates the Chi router serving /healthz and /status.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth())
	r.Get("/status", handleStatus(cfg.Runner))

	return r
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleStatus(runner *fetchloop.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runner == nil {
			writeJSON(w, http.StatusOK, map[string]any{"jobs": map[string]any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": runner.Stats()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
