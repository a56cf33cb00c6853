//go:build ignore

// Backend is a demo upstream for the gateway's reference routes. It answers
// any path under /api/ with a JSON order, and can be switched into failure
// mode to exercise the circuit breaker.
//
// Usage:
//
//	go run backend.go -port 8085 -name orderservice
//	curl -X POST localhost:8085/fail      # start answering 500
//	curl -X POST localhost:8085/recover   # back to 200
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
)

// Order is the payload returned for every successful call.
type Order struct {
	ID        string `json:"id"`
	Service   string `json:"service"`
	Path      string `json:"path"`
	RequestID string `json:"request_id,omitempty"`
}

func main() {
	port := flag.Int("port", 8085, "port to listen on")
	name := flag.String("name", "orderservice", "service name reported in responses")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With(slog.String("service", *name))

	var failing atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", r.Header.Get("X-Request-ID")),
			slog.Bool("authorization_forwarded", r.Header.Get("Authorization") != ""))

		if failing.Load() {
			http.Error(w, "induced failure", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Order{
			ID:        uuid.NewString(),
			Service:   *name,
			Path:      r.URL.Path,
			RequestID: r.Header.Get("X-Request-ID"),
		})
	})

	mux.HandleFunc("POST /fail", func(w http.ResponseWriter, r *http.Request) {
		failing.Store(true)
		log.Warn("failure mode on")
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /recover", func(w http.ResponseWriter, r *http.Request) {
		failing.Store(false)
		log.Info("failure mode off")
		w.WriteHeader(http.StatusNoContent)
	})

	// simple health endpoint used by the gateway health checker
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Info("starting backend", slog.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}
