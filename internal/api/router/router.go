package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/kargo-relay/pkg/logging"
)

// Status is the relay snapshot served on /health and /ready.
type Status struct {
	State        string    `json:"state"`
	SessionReady bool      `json:"session_ready"`
	LastCycle    time.Time `json:"last_cycle,omitempty"`
}

// StatusFunc reports the current relay status.
type StatusFunc func() Status

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	MetricsHandler http.Handler
	Status         StatusFunc
}

// New creates the operational router: liveness, readiness and metrics.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(cfg.Logger))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"relay":  currentStatus(cfg),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		st := currentStatus(cfg)
		code := http.StatusOK
		if !st.SessionReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	return r
}

func currentStatus(cfg *Config) Status {
	if cfg.Status == nil {
		return Status{State: "unknown"}
	}
	return cfg.Status()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
