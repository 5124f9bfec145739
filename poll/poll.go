// Package poll runs watch cycles: it fetches each watched movie's schedule once,
// diffs it against the cached snapshot and notifies watchers about new matching showings.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"movie-notifier/metrics"
	"movie-notifier/pathe"
	"movie-notifier/pkg/notifier"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers         = 4
	defaultDispatchTimeout = time.Minute
)

// ErrCycleRunning is returned by CheckAll when a cycle is already in progress.
var ErrCycleRunning = errors.New("watch cycle already running")

// Fetcher retrieves the current schedule of one movie.
type Fetcher interface {
	Fetch(ctx context.Context, movieID int) (*notifier.MovieSchedule, error)
}

// Cache persists schedule snapshots. Get returns notifier.ErrSnapshotNotFound when absent.
type Cache interface {
	Get(ctx context.Context, movieID int) (*notifier.ScheduleSnapshot, error)
	Put(ctx context.Context, snap *notifier.ScheduleSnapshot) error
}

// WatcherSource lists the active watchers.
type WatcherSource interface {
	ActiveWatchers(ctx context.Context) ([]*notifier.Watcher, error)
}

// Config holds monitor dependencies.
type Config struct {
	Fetcher   Fetcher
	Cache     Cache
	Watchers  WatcherSource
	Deliverer Deliverer
	Cinemas   CinemaNamer
	Location  *time.Location
	Logger    *slog.Logger
	Workers   int // Concurrent movie groups per cycle

	// DispatchTimeout bounds delivery to one watcher. Default: one minute.
	DispatchTimeout time.Duration
}

// Monitor drives watch cycles.
type Monitor struct {
	fetcher         Fetcher
	cache           Cache
	watchers        WatcherSource
	dispatcher      *Dispatcher
	logger          *slog.Logger
	movieLocks      *keyedMutex
	workers         int
	dispatchTimeout time.Duration
	cycleMu         sync.Mutex
}

// New creates a new poll monitor.
func New(cfg *Config) *Monitor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	dispatchTimeout := cfg.DispatchTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = defaultDispatchTimeout
	}
	return &Monitor{
		fetcher:         cfg.Fetcher,
		cache:           cfg.Cache,
		watchers:        cfg.Watchers,
		dispatcher:      NewDispatcher(cfg.Deliverer, cfg.Cinemas, cfg.Location, cfg.Logger),
		logger:          cfg.Logger,
		movieLocks:      newKeyedMutex(),
		workers:         workers,
		dispatchTimeout: dispatchTimeout,
	}
}

// CheckAll lists the active watchers and runs one cycle over them.
// It fails only when the listing fails or another cycle is running.
func (m *Monitor) CheckAll(ctx context.Context) error {
	if !m.cycleMu.TryLock() {
		return ErrCycleRunning
	}
	defer m.cycleMu.Unlock()

	watchers, err := m.watchers.ActiveWatchers(ctx)
	if err != nil {
		return fmt.Errorf("list watchers: %w", err)
	}
	m.runCycle(ctx, watchers)
	return nil
}

// RunCycle processes every movie group once. It waits for a running cycle to
// finish first and never fails; per-movie errors are logged in place.
func (m *Monitor) RunCycle(ctx context.Context, watchers []*notifier.Watcher) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	m.runCycle(ctx, watchers)
}

func (m *Monitor) runCycle(ctx context.Context, watchers []*notifier.Watcher) {
	start := time.Now()
	logger := m.logger.With("cycle_id", uuid.NewString())

	groups := groupByMovie(watchers)
	movieIDs := make([]int, 0, len(groups))
	for id := range groups {
		movieIDs = append(movieIDs, id)
	}
	slices.Sort(movieIDs)

	logger.Info("Starting watch cycle", "watchers", len(watchers), "movies", len(movieIDs))

	var g errgroup.Group
	g.SetLimit(m.workers)
	skipped := 0
	for _, movieID := range movieIDs {
		if ctx.Err() != nil {
			skipped++
			continue
		}
		group := groups[movieID]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Movie group panicked, skipping", "movie_id", movieID, "panic", r, "stack", string(debug.Stack()))
				}
			}()
			m.checkMovie(ctx, logger, movieID, group)
			return nil
		})
	}
	_ = g.Wait() // checkMovie never returns errors

	if skipped > 0 {
		logger.Info("Context cancelled, skipped remaining movies", "skipped", skipped, "error", ctx.Err())
	}

	duration := time.Since(start)
	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Observe(duration.Seconds())
	logger.Info("Watch cycle completed", "movies", len(movieIDs), "duration_ms", duration.Milliseconds())
}

func (m *Monitor) checkMovie(ctx context.Context, logger *slog.Logger, movieID int, watchers []*notifier.Watcher) {
	unlock := m.movieLocks.Lock(movieID)
	defer unlock()

	logger = logger.With("movie_id", movieID)

	schedule, err := m.fetcher.Fetch(ctx, movieID)
	if err != nil {
		metrics.Fetches.WithLabelValues(fetchResult(err)).Inc()
		logger.Warn("Schedule fetch failed, skipping movie this cycle", "watchers", len(watchers), "error", err)
		return
	}
	metrics.Fetches.WithLabelValues("success").Inc()

	delta, err := Reconcile(ctx, m.cache, schedule)
	if err != nil {
		logger.Warn("Schedule reconcile failed, skipping movie this cycle", "error", err)
		return
	}

	logger.Debug("Schedule reconciled", "showings", len(schedule.Showings), "new", len(delta))
	if len(delta) == 0 {
		return
	}
	logger.Info("New showings detected", "count", len(delta), "watchers", len(watchers))

	for _, w := range watchers {
		matches := Matches(w, delta)
		if len(matches) == 0 {
			continue
		}
		if err := m.dispatch(ctx, w, matches); err != nil {
			logger.Warn("Notification failed", "watcher_id", w.ID, "user_id", w.UserID, "error", err)
		}
	}
}

// dispatch gives each watcher its own deadline so a hanging channel cannot
// starve the rest of the group. The snapshot already records the delta, so
// delivery continues through shutdown.
func (m *Monitor) dispatch(ctx context.Context, w *notifier.Watcher, matches []*notifier.Showing) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.dispatchTimeout)
	defer cancel()
	return m.dispatcher.Dispatch(dctx, w, matches)
}

func groupByMovie(watchers []*notifier.Watcher) map[int][]*notifier.Watcher {
	groups := make(map[int][]*notifier.Watcher)
	for _, w := range watchers {
		if w == nil || w.Disabled {
			continue
		}
		groups[w.MovieID] = append(groups[w.MovieID], w)
	}
	return groups
}

func fetchResult(err error) string {
	switch {
	case errors.Is(err, pathe.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, pathe.ErrMalformedResponse):
		return "malformed"
	default:
		return "error"
	}
}
