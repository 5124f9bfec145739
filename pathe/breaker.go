package pathe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"movie-notifier/metrics"
	"movie-notifier/pkg/notifier"

	gobreaker "github.com/sony/gobreaker/v2"
)

const breakerName = "pathe-api"

// Fetcher retrieves the schedule of one movie.
type Fetcher interface {
	Fetch(ctx context.Context, movieID int) (*notifier.MovieSchedule, error)
}

// BreakerSettings configures the circuit breaker around the Pathé API.
type BreakerSettings struct {
	MinRequests  uint32        // Requests in a window before the failure ratio is considered
	FailureRatio float64       // Ratio at which the circuit opens
	Interval     time.Duration // Closed-state count reset interval
	Timeout      time.Duration // Open-state duration before probing
}

// BreakerFetcher wraps a Fetcher with a circuit breaker. An open circuit
// fails fast with ErrUpstreamUnavailable.
type BreakerFetcher struct {
	next   Fetcher
	cb     *gobreaker.CircuitBreaker[*notifier.MovieSchedule]
	logger *slog.Logger
}

// NewBreakerFetcher creates a circuit-breaking fetcher.
func NewBreakerFetcher(next Fetcher, settings BreakerSettings, logger *slog.Logger) *BreakerFetcher {
	if settings.MinRequests == 0 {
		settings.MinRequests = 10
	}
	if settings.FailureRatio <= 0 {
		settings.FailureRatio = 0.6
	}
	if settings.Interval <= 0 {
		settings.Interval = 10 * time.Minute
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 2 * time.Minute
	}

	metrics.BreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[*notifier.MovieSchedule](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= settings.FailureRatio {
				logger.Warn("Opening Pathé circuit", "failures", counts.TotalFailures, "requests", counts.Requests)
				return true
			}
			return false
		},
		// Malformed payloads mean the API answered; only availability failures trip the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state transition", "breaker", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &BreakerFetcher{next: next, cb: cb, logger: logger}
}

// Fetch implements Fetcher.
func (b *BreakerFetcher) Fetch(ctx context.Context, movieID int) (*notifier.MovieSchedule, error) {
	schedule, err := b.cb.Execute(func() (*notifier.MovieSchedule, error) {
		return b.next.Fetch(ctx, movieID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return schedule, err
}

// State returns the current breaker state.
func (b *BreakerFetcher) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
