// Package server handles the operational HTTP endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"movie-notifier/cinema"
	"movie-notifier/poll"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// CinemaLister lists the known cinemas.
type CinemaLister interface {
	All() []cinema.Cinema
}

// Server handles HTTP requests.
type Server struct {
	poller  Poller
	cinemas CinemaLister
	logger  *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Poller  Poller
	Cinemas CinemaLister
	Logger  *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller:  cfg.Poller,
		cinemas: cfg.Cinemas,
		logger:  cfg.Logger,
	}
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)
	r.Get("/cinemas", s.handleCinemas)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// NewHTTPServer configures an http.Server with timeouts to prevent resource exhaustion.
func NewHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute, // POST /pollz runs a whole cycle
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		if errors.Is(err, poll.ErrCycleRunning) {
			s.logger.Info("Poll rejected, cycle already running")
			http.Error(w, "Cycle already running", http.StatusConflict)
			return
		}
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleCinemas(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cinemas.All())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
