package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"movie-notifier/pathe"
	"movie-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boolPtr(b bool) *bool { return &b }

// memCache is an in-memory Cache that counts writes.
type memCache struct {
	mu     sync.Mutex
	snaps  map[int]*notifier.ScheduleSnapshot
	puts   int
	getErr error
	putErr error
}

func newMemCache() *memCache {
	return &memCache{snaps: make(map[int]*notifier.ScheduleSnapshot)}
}

func (c *memCache) Get(ctx context.Context, movieID int) (*notifier.ScheduleSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	s, ok := c.snaps[movieID]
	if !ok {
		return nil, notifier.ErrSnapshotNotFound
	}
	cp := *s
	cp.ShowingIDs = slices.Clone(s.ShowingIDs)
	return &cp, nil
}

func (c *memCache) Put(ctx context.Context, snap *notifier.ScheduleSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	c.puts++
	cp := *snap
	cp.ShowingIDs = slices.Clone(snap.ShowingIDs)
	c.snaps[snap.MovieID] = &cp
	return nil
}

func (c *memCache) seed(movieID int, ids ...string) {
	c.snaps[movieID] = &notifier.ScheduleSnapshot{MovieID: movieID, ShowingIDs: ids}
}

func (c *memCache) ids(movieID int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[movieID]
	if !ok {
		return nil
	}
	return slices.Clone(s.ShowingIDs)
}

func (c *memCache) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

// fakeFetcher serves canned schedules per movie and counts calls.
type fakeFetcher struct {
	mu        sync.Mutex
	schedules map[int][]*notifier.Showing
	errs      map[int]error
	calls     map[int]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		schedules: make(map[int][]*notifier.Showing),
		errs:      make(map[int]error),
		calls:     make(map[int]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, movieID int) (*notifier.MovieSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[movieID]++
	if err := f.errs[movieID]; err != nil {
		return nil, err
	}
	return &notifier.MovieSchedule{MovieID: movieID, Showings: slices.Clone(f.schedules[movieID])}, nil
}

func (f *fakeFetcher) set(movieID int, showings ...*notifier.Showing) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[movieID] = showings
}

func (f *fakeFetcher) callCount(movieID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[movieID]
}

type sentMessage struct {
	userID string
	header string
	body   string
}

// recordingDeliverer records sends. It fails, hangs until its deadline,
// or panics for configured users.
type recordingDeliverer struct {
	mu       sync.Mutex
	sent     []sentMessage
	failFor  map[string]bool
	hangFor  map[string]bool
	panicFor map[string]bool
}

func (d *recordingDeliverer) Send(ctx context.Context, userID, header, body string) error {
	if d.hangFor[userID] {
		<-ctx.Done()
		return ctx.Err()
	}
	if d.panicFor[userID] {
		panic("deliverer exploded for " + userID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[userID] {
		return errors.New("channel down")
	}
	d.sent = append(d.sent, sentMessage{userID: userID, header: header, body: body})
	return nil
}

func (d *recordingDeliverer) messages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sent)
}

type staticWatchers struct {
	watchers []*notifier.Watcher
	err      error
}

func (s *staticWatchers) ActiveWatchers(ctx context.Context) ([]*notifier.Watcher, error) {
	return s.watchers, s.err
}

func showing(id string, movieID int, cinemaID string, start int64) *notifier.Showing {
	return &notifier.Showing{ID: id, MovieID: movieID, CinemaID: cinemaID, StartTime: start}
}

func watcher(id, userID string, movieID int, cinemaID string) *notifier.Watcher {
	return &notifier.Watcher{
		ID:      id,
		UserID:  userID,
		MovieID: movieID,
		Name:    "watcher " + id,
		Filters: notifier.FilterSet{
			CinemaID:    cinemaID,
			StartAfter:  0,
			StartBefore: 1 << 62,
		},
	}
}

func schedule(movieID int, showings ...*notifier.Showing) *notifier.MovieSchedule {
	return &notifier.MovieSchedule{MovieID: movieID, Showings: showings}
}

func TestReconcileFirstObservationBaseline(t *testing.T) {
	cache := newMemCache()
	delta, err := Reconcile(context.Background(), cache, schedule(1,
		showing("A", 1, "PATHE1", 100),
		showing("B", 1, "PATHE1", 200)))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("first observation delta = %d showings, want 0", len(delta))
	}
	if got := cache.ids(1); !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("snapshot = %v, want [A B]", got)
	}
}

func TestReconcileFirstObservationEmptySchedule(t *testing.T) {
	cache := newMemCache()
	delta, err := Reconcile(context.Background(), cache, schedule(1))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("delta = %v, want empty", delta)
	}
	if cache.writes() != 1 {
		t.Errorf("baseline writes = %d, want 1", cache.writes())
	}
}

func TestReconcileDelta(t *testing.T) {
	cache := newMemCache()
	cache.seed(1, "A", "B")

	delta, err := Reconcile(context.Background(), cache, schedule(1,
		showing("A", 1, "PATHE1", 100),
		showing("B", 1, "PATHE1", 200),
		showing("C", 1, "PATHE1", 300)))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(delta) != 1 || delta[0].ID != "C" {
		t.Fatalf("delta = %v, want [C]", ids(delta))
	}
	if got := cache.ids(1); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Errorf("snapshot = %v, want [A B C]", got)
	}
}

func TestReconcileEmptyFetchIgnored(t *testing.T) {
	cache := newMemCache()
	cache.seed(1, "A", "B")

	delta, err := Reconcile(context.Background(), cache, schedule(1))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("delta = %v, want empty", ids(delta))
	}
	if cache.writes() != 0 {
		t.Errorf("cache writes = %d, want 0", cache.writes())
	}
	if got := cache.ids(1); !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("snapshot = %v, want [A B]", got)
	}
}

func TestReconcileSubsetDoesNotWrite(t *testing.T) {
	tests := []struct {
		name     string
		showings []*notifier.Showing
	}{
		{"subset", []*notifier.Showing{showing("A", 1, "PATHE1", 100)}},
		{"equal", []*notifier.Showing{showing("B", 1, "PATHE1", 200), showing("A", 1, "PATHE1", 100)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newMemCache()
			cache.seed(1, "A", "B")

			delta, err := Reconcile(context.Background(), cache, schedule(1, tt.showings...))
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if len(delta) != 0 {
				t.Errorf("delta = %v, want empty", ids(delta))
			}
			if cache.writes() != 0 {
				t.Errorf("cache writes = %d, want 0", cache.writes())
			}
		})
	}
}

func TestReconcileDeltaSorted(t *testing.T) {
	cache := newMemCache()
	cache.seed(1, "A")

	delta, err := Reconcile(context.Background(), cache, schedule(1,
		showing("A", 1, "PATHE1", 100),
		showing("Z", 1, "PATHE1", 500),
		showing("D", 1, "PATHE1", 300),
		showing("C", 1, "PATHE1", 300)))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if got := ids(delta); !slices.Equal(got, []string{"C", "D", "Z"}) {
		t.Errorf("delta order = %v, want [C D Z]", got)
	}
}

func TestReconcileCacheErrors(t *testing.T) {
	t.Run("read failure", func(t *testing.T) {
		cache := newMemCache()
		cache.getErr = errors.New("bucket unavailable")
		_, err := Reconcile(context.Background(), cache, schedule(1, showing("A", 1, "PATHE1", 1)))
		if err == nil {
			t.Fatal("expected error")
		}
		if cache.writes() != 0 {
			t.Error("cache must not be written after a read failure")
		}
	})

	t.Run("write failure emits no delta", func(t *testing.T) {
		cache := newMemCache()
		cache.seed(1, "A")
		cache.putErr = errors.New("quota exceeded")
		delta, err := Reconcile(context.Background(), cache, schedule(1,
			showing("A", 1, "PATHE1", 1),
			showing("B", 1, "PATHE1", 2)))
		if err == nil {
			t.Fatal("expected error")
		}
		if delta != nil {
			t.Errorf("delta = %v, want nil", ids(delta))
		}
	})
}

func TestAcceptsFullMatch(t *testing.T) {
	w := &notifier.Watcher{
		ID:      "w",
		MovieID: 42,
		Filters: notifier.FilterSet{
			CinemaID:    "PATHE1",
			StartAfter:  1000,
			StartBefore: 5000,
			D3:          notifier.NoPreference, IMAX: notifier.NoPreference, OV: notifier.NoPreference,
			NL: notifier.NoPreference, HFR: notifier.NoPreference, Atmos: notifier.NoPreference,
			K4: notifier.NoPreference, Laser: notifier.NoPreference, DX4: notifier.NoPreference,
			DolbyCinema: notifier.NoPreference,
		},
	}
	all := func(id string, movieID int, start int64) *notifier.Showing {
		s := showing(id, movieID, "PATHE1", start)
		s.D3, s.IMAX, s.OV, s.NL, s.HFR = boolPtr(true), boolPtr(true), boolPtr(true), boolPtr(true), boolPtr(true)
		s.Atmos, s.K4, s.Laser, s.DX4, s.DolbyCinema = boolPtr(true), boolPtr(true), boolPtr(true), boolPtr(true), boolPtr(true)
		return s
	}

	if !Accepts(w, all("1", 42, 3000)) {
		t.Error("expected showing inside window to be accepted")
	}
	if Accepts(w, all("2", 42, 6000)) {
		t.Error("expected showing outside window to be rejected")
	}
	if Accepts(w, all("3", 43, 3000)) {
		t.Error("expected showing of another movie to be rejected")
	}
}

func TestAccepts(t *testing.T) {
	base := func() *notifier.Watcher {
		w := watcher("w", "u", 7, "PATHE3")
		w.Filters.StartAfter = 1000
		w.Filters.StartBefore = 2000
		return w
	}

	tests := []struct {
		name    string
		watcher func() *notifier.Watcher
		showing *notifier.Showing
		want    bool
	}{
		{"other cinema", base, showing("s", 7, "PATHE4", 1500), false},
		{"start bound inclusive", base, showing("s", 7, "PATHE3", 1000), true},
		{"end bound inclusive", base, showing("s", 7, "PATHE3", 2000), true},
		{"before window", base, showing("s", 7, "PATHE3", 999), false},
		{"unparsed start", base, showing("s", 7, "PATHE3", -1), false},
		{
			"wants IMAX, showing has it",
			func() *notifier.Watcher { w := base(); w.Filters.IMAX = notifier.Yes; return w },
			func() *notifier.Showing { s := showing("s", 7, "PATHE3", 1500); s.IMAX = boolPtr(true); return s }(),
			true,
		},
		{
			"wants IMAX, showing lacks it",
			func() *notifier.Watcher { w := base(); w.Filters.IMAX = notifier.Yes; return w },
			func() *notifier.Showing { s := showing("s", 7, "PATHE3", 1500); s.IMAX = boolPtr(false); return s }(),
			false,
		},
		{
			"wants IMAX, attribute unknown",
			func() *notifier.Watcher { w := base(); w.Filters.IMAX = notifier.Yes; return w },
			showing("s", 7, "PATHE3", 1500),
			true,
		},
		{
			"rejects 3D, showing is 3D",
			func() *notifier.Watcher { w := base(); w.Filters.D3 = notifier.No; return w },
			func() *notifier.Showing { s := showing("s", 7, "PATHE3", 1500); s.D3 = boolPtr(true); return s }(),
			false,
		},
		{
			"last attribute checked",
			func() *notifier.Watcher { w := base(); w.Filters.DolbyCinema = notifier.Yes; return w },
			func() *notifier.Showing { s := showing("s", 7, "PATHE3", 1500); s.DolbyCinema = boolPtr(false); return s }(),
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Accepts(tt.watcher(), tt.showing); got != tt.want {
				t.Errorf("Accepts() = %v, want %v", got, tt.want)
			}
		})
	}
}

type mapNamer map[string]string

func (m mapNamer) Name(id string) string {
	if n, ok := m[id]; ok {
		return n
	}
	return id
}

func TestDispatch(t *testing.T) {
	d := &recordingDeliverer{}
	disp := NewDispatcher(d, mapNamer{"PATHE1": "Pathé Tuschinski"}, time.UTC, testLogger())
	w := watcher("w1", "u1", 42, "PATHE1")
	w.Name = "Dune"

	late := showing("9", 42, "PATHE1", time.Date(2025, 10, 18, 21, 0, 0, 0, time.UTC).UnixMilli())
	early := showing("8", 42, "PATHE1", time.Date(2025, 10, 17, 20, 15, 0, 0, time.UTC).UnixMilli())
	early.IMAX = boolPtr(true)
	early.OV = boolPtr(true)
	early.NL = boolPtr(false)

	if err := disp.Dispatch(context.Background(), w, []*notifier.Showing{late, early}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	msgs := d.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].userID != "u1" {
		t.Errorf("recipient = %q, want u1", msgs[0].userID)
	}
	if msgs[0].header != "Dune\n+2 matches" {
		t.Errorf("header = %q", msgs[0].header)
	}
	wantBody := "Pathé Tuschinski - Fri 17 Oct 20:15 - IMAX, OV\nPathé Tuschinski - Sat 18 Oct 21:00"
	if msgs[0].body != wantBody {
		t.Errorf("body = %q, want %q", msgs[0].body, wantBody)
	}
}

func TestDispatchNoMatchesIsNoop(t *testing.T) {
	d := &recordingDeliverer{}
	disp := NewDispatcher(d, nil, nil, testLogger())
	if err := disp.Dispatch(context.Background(), watcher("w", "u", 1, "PATHE1"), nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(d.messages()) != 0 {
		t.Error("expected no delivery for empty matches")
	}
}

func TestDispatchDeliveryFailure(t *testing.T) {
	d := &recordingDeliverer{failFor: map[string]bool{"u": true}}
	disp := NewDispatcher(d, nil, nil, testLogger())
	err := disp.Dispatch(context.Background(), watcher("w", "u", 1, "PATHE1"), []*notifier.Showing{showing("a", 1, "PATHE1", 1)})
	if err == nil {
		t.Fatal("expected delivery error")
	}
}

func newTestMonitor(f Fetcher, c Cache, d Deliverer, src WatcherSource) *Monitor {
	return New(&Config{
		Fetcher:   f,
		Cache:     c,
		Watchers:  src,
		Deliverer: d,
		Logger:    testLogger(),
		Workers:   3,
	})
}

func TestRunCycleOneFetchPerMovie(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.set(7, showing("A", 7, "PATHE1", 100))
	cache := newMemCache()
	d := &recordingDeliverer{}
	m := newTestMonitor(fetcher, cache, d, nil)

	watchers := []*notifier.Watcher{
		watcher("w1", "u1", 7, "PATHE1"),
		watcher("w2", "u2", 7, "PATHE2"),
		watcher("w3", "u3", 7, "PATHE3"),
	}
	watchers[2].Filters.IMAX = notifier.Yes

	m.RunCycle(context.Background(), watchers)

	if got := fetcher.callCount(7); got != 1 {
		t.Errorf("fetches for movie 7 = %d, want 1", got)
	}
}

func TestRunCycleIsolatedFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.errs[7] = fmt.Errorf("%w: HTTP 503", pathe.ErrUpstreamUnavailable)
	fetcher.set(8, showing("A", 8, "PATHE1", 100), showing("B", 8, "PATHE1", 200))

	cache := newMemCache()
	cache.seed(7, "X")
	cache.seed(8, "A")
	d := &recordingDeliverer{}
	m := newTestMonitor(fetcher, cache, d, nil)

	m.RunCycle(context.Background(), []*notifier.Watcher{
		watcher("w7", "u7", 7, "PATHE1"),
		watcher("w8", "u8", 8, "PATHE1"),
	})

	msgs := d.messages()
	if len(msgs) != 1 || msgs[0].userID != "u8" {
		t.Fatalf("messages = %+v, want one for u8", msgs)
	}
	if !strings.Contains(msgs[0].header, "+1 matches") {
		t.Errorf("header = %q", msgs[0].header)
	}
	if got := cache.ids(7); !slices.Equal(got, []string{"X"}) {
		t.Errorf("failed movie snapshot = %v, want untouched [X]", got)
	}
}

func TestRunCycleDeliveryFailureDoesNotBlockOthers(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.set(1, showing("A", 1, "PATHE1", 100), showing("B", 1, "PATHE1", 200))
	cache := newMemCache()
	cache.seed(1, "A")
	d := &recordingDeliverer{failFor: map[string]bool{"bad": true}}
	m := newTestMonitor(fetcher, cache, d, nil)

	m.RunCycle(context.Background(), []*notifier.Watcher{
		watcher("w1", "bad", 1, "PATHE1"),
		watcher("w2", "good", 1, "PATHE1"),
	})

	msgs := d.messages()
	if len(msgs) != 1 || msgs[0].userID != "good" {
		t.Fatalf("messages = %+v, want one for good", msgs)
	}
	if got := cache.ids(1); !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("snapshot = %v, want [A B]", got)
	}
}

func TestRunCycleHangingDeliveryDoesNotStarveOthers(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.set(1, showing("A", 1, "PATHE1", 100), showing("B", 1, "PATHE1", 200))
	cache := newMemCache()
	cache.seed(1, "A")
	d := &recordingDeliverer{hangFor: map[string]bool{"slow": true}}
	m := New(&Config{
		Fetcher:         fetcher,
		Cache:           cache,
		Deliverer:       d,
		Logger:          testLogger(),
		DispatchTimeout: 50 * time.Millisecond,
	})

	m.RunCycle(context.Background(), []*notifier.Watcher{
		watcher("w1", "slow", 1, "PATHE1"),
		watcher("w2", "fast", 1, "PATHE1"),
		watcher("w3", "slow", 1, "PATHE1"),
		watcher("w4", "late", 1, "PATHE1"),
	})

	var got []string
	for _, msg := range d.messages() {
		got = append(got, msg.userID)
	}
	slices.Sort(got)
	if !slices.Equal(got, []string{"fast", "late"}) {
		t.Fatalf("delivered to %v, want [fast late]", got)
	}
	if snap := cache.ids(1); !slices.Equal(snap, []string{"A", "B"}) {
		t.Errorf("snapshot = %v, want [A B]", snap)
	}
}

func TestRunCycleRecoversFromPanickingGroup(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.set(1, showing("A", 1, "PATHE1", 100), showing("B", 1, "PATHE1", 200))
	fetcher.set(2, showing("C", 2, "PATHE1", 100), showing("D", 2, "PATHE1", 200))
	cache := newMemCache()
	cache.seed(1, "A")
	cache.seed(2, "C")
	d := &recordingDeliverer{panicFor: map[string]bool{"boom": true}}
	m := newTestMonitor(fetcher, cache, d, nil)

	watchers := []*notifier.Watcher{
		watcher("w1", "boom", 1, "PATHE1"),
		watcher("w2", "ok", 2, "PATHE1"),
	}
	m.RunCycle(context.Background(), watchers)

	msgs := d.messages()
	if len(msgs) != 1 || msgs[0].userID != "ok" {
		t.Fatalf("messages = %+v, want one for ok", msgs)
	}

	// Locks held by the panicking group must have been released.
	done := make(chan struct{})
	go func() {
		m.RunCycle(context.Background(), watchers)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second cycle blocked after a panic")
	}
}

func TestRunCycleNoDuplicateNotification(t *testing.T) {
	fetcher := newFakeFetcher()
	cache := newMemCache()
	d := &recordingDeliverer{}
	m := newTestMonitor(fetcher, cache, d, nil)
	watchers := []*notifier.Watcher{watcher("w", "u", 5, "PATHE1")}

	// Cycle 1 establishes the baseline.
	fetcher.set(5, showing("A", 5, "PATHE1", 100))
	m.RunCycle(context.Background(), watchers)
	if n := len(d.messages()); n != 0 {
		t.Fatalf("baseline cycle sent %d messages", n)
	}

	// Cycle 2 sees B for the first time.
	fetcher.set(5, showing("A", 5, "PATHE1", 100), showing("B", 5, "PATHE1", 200))
	m.RunCycle(context.Background(), watchers)

	// Cycle 3 returns the same schedule; B was already announced.
	m.RunCycle(context.Background(), watchers)

	// Cycle 4 temporarily drops A, cycle 5 brings it back under the same id.
	fetcher.set(5, showing("B", 5, "PATHE1", 200))
	m.RunCycle(context.Background(), watchers)
	fetcher.set(5, showing("A", 5, "PATHE1", 100), showing("B", 5, "PATHE1", 200))
	m.RunCycle(context.Background(), watchers)

	msgs := d.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want exactly 1", len(msgs))
	}
	if !strings.HasSuffix(msgs[0].header, "+1 matches") {
		t.Errorf("header = %q", msgs[0].header)
	}
}

func TestRunCycleSkipsDisabledWatchers(t *testing.T) {
	fetcher := newFakeFetcher()
	m := newTestMonitor(fetcher, newMemCache(), &recordingDeliverer{}, nil)
	w := watcher("w", "u", 3, "PATHE1")
	w.Disabled = true

	m.RunCycle(context.Background(), []*notifier.Watcher{w})

	if fetcher.callCount(3) != 0 {
		t.Error("disabled watcher should not cause a fetch")
	}
}

func TestRunCycleCancelledContext(t *testing.T) {
	fetcher := newFakeFetcher()
	m := newTestMonitor(fetcher, newMemCache(), &recordingDeliverer{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.RunCycle(ctx, []*notifier.Watcher{watcher("w", "u", 1, "PATHE1"), watcher("w2", "u", 2, "PATHE1")})

	if fetcher.callCount(1)+fetcher.callCount(2) != 0 {
		t.Error("no movie should start after shutdown")
	}
}

func TestCheckAll(t *testing.T) {
	t.Run("listing failure", func(t *testing.T) {
		m := newTestMonitor(newFakeFetcher(), newMemCache(), &recordingDeliverer{}, &staticWatchers{err: errors.New("db down")})
		if err := m.CheckAll(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("runs cycle over listed watchers", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.set(9, showing("A", 9, "PATHE1", 1))
		src := &staticWatchers{watchers: []*notifier.Watcher{watcher("w", "u", 9, "PATHE1")}}
		m := newTestMonitor(fetcher, newMemCache(), &recordingDeliverer{}, src)
		if err := m.CheckAll(context.Background()); err != nil {
			t.Fatalf("CheckAll() error = %v", err)
		}
		if fetcher.callCount(9) != 1 {
			t.Errorf("fetches = %d, want 1", fetcher.callCount(9))
		}
	})
}

// blockingFetcher signals when a fetch starts and waits for release.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingFetcher) Fetch(ctx context.Context, movieID int) (*notifier.MovieSchedule, error) {
	b.started <- struct{}{}
	<-b.release
	return &notifier.MovieSchedule{MovieID: movieID}, nil
}

func TestCheckAllRejectsOverlappingCycle(t *testing.T) {
	bf := &blockingFetcher{started: make(chan struct{}, 1), release: make(chan struct{})}
	src := &staticWatchers{watchers: []*notifier.Watcher{watcher("w", "u", 1, "PATHE1")}}
	m := newTestMonitor(bf, newMemCache(), &recordingDeliverer{}, src)

	done := make(chan error, 1)
	go func() { done <- m.CheckAll(context.Background()) }()

	<-bf.started
	if err := m.CheckAll(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("second CheckAll() error = %v, want ErrCycleRunning", err)
	}
	close(bf.release)

	if err := <-done; err != nil {
		t.Errorf("first CheckAll() error = %v", err)
	}
}

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(1)
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if len(k.locks) != 0 {
		t.Errorf("lock table not cleaned up: %d entries", len(k.locks))
	}
}

func ids(showings []*notifier.Showing) []string {
	out := make([]string, 0, len(showings))
	for _, s := range showings {
		out = append(out, s.ID)
	}
	return out
}
