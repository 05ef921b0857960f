// Package server exposes the HTTP handlers served next to the WebSocket
// gateway: health and the registered peer list.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "linechat relay is running!")
}

// PeersHandler lists the names currently registered with the broker as JSON.
func PeersHandler(broker *Broker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		names, err := broker.Peers(ctx)
		if err != nil {
			logger.Warn("Peer listing failed", "error", err)
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string][]string{"peers": names}); err != nil {
			logger.Warn("Error writing peers response", "error", err)
		}
	}
}
