package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"movie-notifier/poll"
)

// Poller runs one watch cycle over all active watchers.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// PollService triggers a watch cycle on every tick.
type PollService struct {
	poller     Poller
	interval   time.Duration
	runOnStart bool
	logger     *slog.Logger
}

// NewPollService creates the periodic cycle driver.
func NewPollService(poller Poller, interval time.Duration, runOnStart bool, logger *slog.Logger) *PollService {
	return &PollService{
		poller:     poller,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     logger,
	}
}

// Serve implements suture.Service.
func (s *PollService) Serve(ctx context.Context) error {
	s.logger.Info("Poll loop started", "interval", s.interval.String())

	if s.runOnStart {
		s.check(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Poll loop stopping")
			return ctx.Err()
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *PollService) check(ctx context.Context) {
	err := s.poller.CheckAll(ctx)
	switch {
	case err == nil:
	case errors.Is(err, poll.ErrCycleRunning):
		s.logger.Info("Skipping tick, previous cycle still running")
	case ctx.Err() != nil:
		// Shutting down
	default:
		s.logger.Error("Watch cycle failed", "error", err)
	}
}

// String implements fmt.Stringer for suture logging.
func (s *PollService) String() string {
	return "poll-loop"
}

// Loader reloads a directory.
type Loader interface {
	Load(ctx context.Context) error
}

// RefreshService loads a directory at start and then on every interval.
// Load failures are logged; the previous contents stay in use.
type RefreshService struct {
	name     string
	loader   Loader
	interval time.Duration
	logger   *slog.Logger
}

// NewRefreshService creates a periodic reloader.
func NewRefreshService(name string, loader Loader, interval time.Duration, logger *slog.Logger) *RefreshService {
	return &RefreshService{name: name, loader: loader, interval: interval, logger: logger}
}

// Serve implements suture.Service.
func (s *RefreshService) Serve(ctx context.Context) error {
	s.load(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.load(ctx)
		}
	}
}

func (s *RefreshService) load(ctx context.Context) {
	if err := s.loader.Load(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("Refresh failed, keeping previous data", "service", s.name, "error", err)
	}
}

// String implements fmt.Stringer for suture logging.
func (s *RefreshService) String() string {
	return s.name
}

// HTTPServer matches the *http.Server lifecycle.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until the context is canceled, then shuts it down gracefully.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The serve context is already canceled
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer for suture logging.
func (h *HTTPService) String() string {
	return "http-server"
}
