// Package metrics holds the Prometheus collectors shared by the Sender
// and Receiver, plus the HTTP server that exposes them (and a readiness
// probe) to an operator's scrape/monitor tooling.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outpostnet/bondtun/internal/stats"
)

// Server exposes /metrics (Prometheus) and /healthz (send/recv readiness)
// on a single HTTP listener.
type Server struct {
	addr  string
	path  string
	stats *stats.Stats

	server *http.Server
}

// NewServer builds a server that will scrape metricsPath for Prometheus and
// report st's readiness flags at /healthz. An empty metricsPath defaults to
// "/metrics".
func NewServer(addr, metricsPath string, st *stats.Stats) *Server {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &Server{addr: addr, path: metricsPath, stats: st}
}

// Start launches the HTTP listener in the background. It returns once the
// listener is configured; ListenAndServe errors are logged, not returned,
// since Stop() is the orderly way to end the server's life.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("metrics server starting", "addr", s.addr, "metrics_path", s.path)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped unexpectedly", "error", err)
		}
	}()

	return nil
}

// handleHealthz reports 200 once at least one of the Sender and Receiver
// ready flags is set, and 503 while neither is. With nil Stats it always
// reports 200.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	snap := s.stats.Snapshot()
	body := map[string]bool{
		"send_ready": snap.SendReady,
		"recv_ready": snap.RecvReady,
	}

	w.Header().Set("Content-Type", "application/json")
	if !snap.SendReady && !snap.RecvReady {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(body)
}

// Stop gracefully drains in-flight requests, bounded to 5s, then shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	slog.Info("metrics server stopping")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}

	slog.Info("metrics server stopped")
	return nil
}
