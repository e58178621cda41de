// Package api serves the diagnostics surface over HTTP: a JSON status
// endpoint backed by the engine's combined diagnostics, a health probe, and
// the Prometheus metrics exposition.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"futuresfeed/internal/config"
	"futuresfeed/internal/engine"
	"futuresfeed/internal/metrics"
)

// DiagnosticsProvider yields the engine's point-in-time status view.
type DiagnosticsProvider interface {
	Diagnostics() engine.Diagnostics
}

// Server runs the diagnostics HTTP endpoint.
type Server struct {
	cfg      config.DiagConfig
	provider DiagnosticsProvider
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the diagnostics server. mets may be nil, in which case
// /metrics is not registered.
func NewServer(cfg config.DiagConfig, provider DiagnosticsProvider, mets *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logger.With("component", "diag-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if mets != nil {
		mux.Handle("/metrics", mets.Handler())
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("diagnostics server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	diag := s.provider.Diagnostics()
	if !diag.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, `{"healthy":%t,"status":%q}`, diag.Healthy, diag.Status)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Diagnostics()); err != nil {
		s.logger.Error("encode status", "error", err)
	}
}
