package poll

import "movie-notifier/pkg/notifier"

// Accepts reports whether a showing satisfies a watcher's filters.
// Checks run cheapest and most disqualifying first.
func Accepts(w *notifier.Watcher, s *notifier.Showing) bool {
	f := &w.Filters
	if s.CinemaID != f.CinemaID {
		return false
	}
	if s.StartTime > f.StartBefore || s.StartTime < f.StartAfter {
		return false
	}
	if s.MovieID != w.MovieID {
		return false
	}
	for _, a := range notifier.Attributes() {
		if !notifier.MatchesOption(f.Option(a), s.Flag(a)) {
			return false
		}
	}
	return true
}

// Matches returns the showings accepted by w, preserving order.
func Matches(w *notifier.Watcher, showings []*notifier.Showing) []*notifier.Showing {
	var out []*notifier.Showing
	for _, s := range showings {
		if Accepts(w, s) {
			out = append(out, s)
		}
	}
	return out
}
