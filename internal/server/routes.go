// Package server wires HTTP handlers into a ServeMux via routing helpers.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func SetupRoutes(gateway http.Handler, broker *Broker, reg *prometheus.Registry, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.Handle("/ws", gateway)
	mux.Handle("/metrics", MetricsHandler(reg))
	mux.HandleFunc("/peers", PeersHandler(broker, logger))
	return mux
}
