package main

import (
	"encoding/json"
	"net/http"

	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/api-gateway/internal/metrics"
)

// setupAdminRouter serves operational endpoints on the admin listener, off
// the authenticated gateway surface.
func setupAdminRouter(collector *metrics.Collector, exporter *metrics.Exporter, breakers *circuitbreaker.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", exporter.Handler())
	mux.HandleFunc("GET /stats", collector.Handler())
	mux.HandleFunc("GET /breakers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(breakers.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	return mux
}
