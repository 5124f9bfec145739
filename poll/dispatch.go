package poll

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"movie-notifier/metrics"
	"movie-notifier/pkg/notifier"
)

const lineTimeLayout = "Mon 2 Jan 15:04"

// Deliverer sends a rendered notification to a user through their channels.
type Deliverer interface {
	Send(ctx context.Context, userID, header, body string) error
}

// CinemaNamer resolves cinema ids to display names.
type CinemaNamer interface {
	Name(cinemaID string) string
}

// Dispatcher renders matched showings and hands them to a Deliverer.
type Dispatcher struct {
	deliverer Deliverer
	cinemas   CinemaNamer
	location  *time.Location
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil cinemas renders raw cinema ids;
// a nil location renders times in UTC.
func NewDispatcher(deliverer Deliverer, cinemas CinemaNamer, location *time.Location, logger *slog.Logger) *Dispatcher {
	if location == nil {
		location = time.UTC
	}
	return &Dispatcher{
		deliverer: deliverer,
		cinemas:   cinemas,
		location:  location,
		logger:    logger,
	}
}

// Dispatch sends one notification listing every match. It is a no-op without matches.
func (d *Dispatcher) Dispatch(ctx context.Context, w *notifier.Watcher, matches []*notifier.Showing) error {
	if len(matches) == 0 {
		return nil
	}

	sorted := slices.Clone(matches)
	SortShowings(sorted)

	lines := make([]string, 0, len(sorted))
	for _, s := range sorted {
		lines = append(lines, d.FormatLine(s))
	}
	header := FormatHeader(w, len(sorted))
	body := strings.Join(lines, "\n")

	d.logger.Info("Notifying user about matches",
		"watcher_id", w.ID,
		"user_id", w.UserID,
		"movie_id", w.MovieID,
		"matches", len(sorted))

	if err := d.deliverer.Send(ctx, w.UserID, header, body); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		return fmt.Errorf("deliver to user %s: %w", w.UserID, err)
	}
	metrics.Notifications.WithLabelValues("sent").Inc()
	return nil
}

// FormatHeader renders the notification header for n matches.
func FormatHeader(w *notifier.Watcher, n int) string {
	return fmt.Sprintf("%s\n+%d matches", w.Name, n)
}

// FormatLine renders one showing as cinema, local start time and the attributes known to be present.
func (d *Dispatcher) FormatLine(s *notifier.Showing) string {
	cinema := s.CinemaID
	if d.cinemas != nil {
		cinema = d.cinemas.Name(s.CinemaID)
	}

	var b strings.Builder
	b.WriteString(cinema)
	b.WriteString(" - ")
	if s.StartTime < 0 {
		b.WriteString("unknown time")
	} else {
		b.WriteString(s.Start().In(d.location).Format(lineTimeLayout))
	}

	var attrs []string
	for _, a := range notifier.Attributes() {
		if v := s.Flag(a); v != nil && *v {
			attrs = append(attrs, a.String())
		}
	}
	if len(attrs) > 0 {
		b.WriteString(" - ")
		b.WriteString(strings.Join(attrs, ", "))
	}
	return b.String()
}
