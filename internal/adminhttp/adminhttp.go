// Package adminhttp exposes the one HTTP surface this core owns: health,
// worker status, and Prometheus metrics. It is not the catalog
// or playback front-end — that lives outside this module's scope.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vinylsync/vinylsync/internal/log"
	"github.com/vinylsync/vinylsync/internal/orchestrator"
)

// HealthReporter is the subset of the Orchestrator this surface needs.
type HealthReporter interface {
	IsHealthy() bool
	GetStatus() []orchestrator.Status
}

// Config parameterizes the admin surface's rate limit.
type Config struct {
	RequestLimit int
	WindowSize   time.Duration
}

// DefaultConfig returns the documented default: 60 requests per minute.
func DefaultConfig() Config {
	return Config{RequestLimit: 60, WindowSize: time.Minute}
}

// NewRouter builds the admin HTTP surface over reporter.
func NewRouter(cfg Config, reporter HealthReporter) http.Handler {
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = DefaultConfig().RequestLimit
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(log.Middleware())
	r.Use(httprate.LimitAll(cfg.RequestLimit, cfg.WindowSize))

	r.Get("/healthz", healthHandler(reporter))
	r.Get("/status", statusHandler(reporter))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func healthHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reporter == nil || !reporter.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type statusResponse struct {
	Healthy bool                  `json:"healthy"`
	Workers []orchestrator.Status `json:"workers"`
}

func statusHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{}
		if reporter != nil {
			resp.Healthy = reporter.IsHealthy()
			resp.Workers = reporter.GetStatus()
		}
		w.Header().Set("Content-Type", "application/json")
		if !resp.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
