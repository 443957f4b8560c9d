// Package ops serves the operational HTTP surface: probes and metrics.
package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Proton-105/points-ledger/internal/lifecycle"
	"github.com/Proton-105/points-ledger/internal/middleware"
	"github.com/Proton-105/points-ledger/pkg/logger"
)

const probeTimeout = 3 * time.Second

type probeResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewRouter mounts /healthz, /readyz and /metrics. gatherer defaults to the
// global prometheus registry.
func NewRouter(log *slog.Logger, probes lifecycle.HealthChecker, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(logger.Middleware)
	r.Use(middleware.New(log, "/healthz", "/readyz", "/metrics"))
	r.Use(chimw.Timeout(probeTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeProbe(w, probes.Liveness(req.Context()))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		writeProbe(w, probes.Readiness(req.Context()))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func writeProbe(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	resp := probeResponse{Status: "ok"}
	status := http.StatusOK
	if err != nil {
		resp = probeResponse{Status: "unavailable", Error: err.Error()}
		status = http.StatusServiceUnavailable
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
