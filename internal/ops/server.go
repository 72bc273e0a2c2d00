package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/angelmondragon/fleetpulse-inbound/pkg/config"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCheckTimeout = 5 * time.Second

// Pinger is one dependency the health endpoint verifies.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the worker's ops surface: /healthz and /metrics.
func NewRouter(cfg *config.Config, logg *logger.Logger, gatherer prometheus.Gatherer, checks map[string]Pinger) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", healthz(cfg, logg, checks))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func healthz(cfg *config.Config, logg *logger.Logger, checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"status": "ok", "env": cfg.App.Env}
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				logg.Error(ctx, "health check failed: "+name, err)
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[name] = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
