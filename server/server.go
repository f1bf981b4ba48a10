// Package server handles HTTP endpoints and request routing.
package server

import (
	"bungie-webhooks/poll"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poller runs every poller once and reports their combined results.
type Poller interface {
	CheckAll(ctx context.Context, trigger poll.Trigger) *poll.Status
}

// Server handles HTTP requests.
type Server struct {
	poller Poller
	logger *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Poller Poller
	Logger *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller: cfg.Poller,
		logger: cfg.Logger,
	}
}

// Handler returns the service routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/where-twab", s.handleWhereTWAB)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/check-status", s.handleCheckStatus)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenAndServe serves the routes on port until ctx is done, then shuts the
// server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      90 * time.Second,  // A full check can take a while
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeText(w, http.StatusNotFound, "Hello!")
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeText(w, http.StatusOK, "🤔")
}

func (s *Server) handleWhereTWAB(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeText(w, http.StatusOK, "WHERE TWAB")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

// handleCheckStatus runs every poller and returns their results. Upstream
// outages are part of the results, so the response is always 200.
func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Check status endpoint triggered", "method", r.Method)
	s.writeStatus(w, s.poller.CheckAll(r.Context(), poll.FetchTrigger()))
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")
	s.writeStatus(w, s.poller.CheckAll(r.Context(), poll.FetchTrigger()))
}

func (s *Server) writeStatus(w http.ResponseWriter, status *poll.Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if _, err := fmt.Fprint(w, body); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
