// Package server provides HTTP server construction for walletlink.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the part of the connection engine the health endpoint
// reports on.
type Status interface {
	Connected() bool
	Linked() bool
	Destroyed() bool
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Gatherer prometheus.Gatherer
	Status   Status
	Logger   *slog.Logger
}

type healthResponse struct {
	Connected bool `json:"connected"`
	Linked    bool `json:"linked"`
}

// NewMux builds the HTTP mux with the Prometheus scrape endpoint and a
// health endpoint. /healthz answers 503 once the engine is destroyed.
func NewMux(cfg MuxConfig) *http.ServeMux {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", handleHealth(cfg.Status, cfg.Logger))

	return mux
}

func handleHealth(status Status, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		code := http.StatusOK
		if status.Destroyed() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		err := json.NewEncoder(w).Encode(healthResponse{
			Connected: status.Connected(),
			Linked:    status.Linked(),
		})
		if err != nil && logger != nil {
			logger.Debug("writing health response", slog.String("error", err.Error()))
		}
	}
}
