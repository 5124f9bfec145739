package poll

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"movie-notifier/metrics"
	"movie-notifier/pkg/notifier"
)

// Reconcile compares a freshly fetched schedule against the cached snapshot and
// returns the showings that were not seen before, sorted by start time then id.
//
// The snapshot is written only when the schedule establishes a first baseline or
// contains ids the snapshot lacks. Empty schedules and schedules whose ids are a
// subset of the snapshot leave the cache untouched.
func Reconcile(ctx context.Context, cache Cache, schedule *notifier.MovieSchedule) ([]*notifier.Showing, error) {
	old, err := cache.Get(ctx, schedule.MovieID)
	if err != nil && !errors.Is(err, notifier.ErrSnapshotNotFound) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	if old == nil {
		if err := cache.Put(ctx, snapshotOf(schedule)); err != nil {
			return nil, fmt.Errorf("store baseline snapshot: %w", err)
		}
		metrics.CacheWrites.WithLabelValues("baseline").Inc()
		return nil, nil
	}

	if len(schedule.Showings) == 0 {
		return nil, nil
	}

	seen := old.IDSet()
	var delta []*notifier.Showing
	for _, s := range schedule.Showings {
		if _, ok := seen[s.ID]; !ok {
			delta = append(delta, s)
		}
	}
	if len(delta) == 0 {
		return nil, nil
	}

	if err := cache.Put(ctx, snapshotOf(schedule)); err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	metrics.CacheWrites.WithLabelValues("update").Inc()
	metrics.DeltaShowings.Add(float64(len(delta)))

	SortShowings(delta)
	return delta, nil
}

// SortShowings orders showings by start time ascending, then by id.
func SortShowings(showings []*notifier.Showing) {
	slices.SortFunc(showings, func(a, b *notifier.Showing) int {
		if c := cmp.Compare(a.StartTime, b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func snapshotOf(schedule *notifier.MovieSchedule) *notifier.ScheduleSnapshot {
	ids := schedule.IDs()
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return &notifier.ScheduleSnapshot{
		MovieID:    schedule.MovieID,
		ShowingIDs: ids,
		UpdatedAt:  time.Now().UTC(),
	}
}
