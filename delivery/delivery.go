// Package delivery routes rendered notifications to the channels each user has enabled.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"movie-notifier/metrics"
	"movie-notifier/pkg/notifier"
)

// ErrDeliveryFailed indicates that a notification could not be handed to a channel.
var ErrDeliveryFailed = errors.New("delivery failed")

// Channel delivers a notification to one user over one medium.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, u *notifier.User, header, body string) error
}

// UserDirectory resolves user ids. Unknown ids yield notifier.ErrUserNotFound.
type UserDirectory interface {
	User(ctx context.Context, id string) (*notifier.User, error)
}

// Router fans a notification out to the user's enabled channels.
type Router struct {
	users    UserDirectory
	channels map[string]Channel
	logger   *slog.Logger
}

// NewRouter creates a router over the given channels, keyed by their names.
func NewRouter(users UserDirectory, logger *slog.Logger, channels ...Channel) *Router {
	m := make(map[string]Channel, len(channels))
	for _, c := range channels {
		m[strings.ToUpper(c.Name())] = c
	}
	return &Router{users: users, channels: m, logger: logger}
}

// Send delivers to every channel the user enabled. It fails with ErrDeliveryFailed
// when the user cannot be resolved or any enabled channel fails.
func (r *Router) Send(ctx context.Context, userID, header, body string) error {
	u, err := r.users.User(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: lookup user %s: %w", ErrDeliveryFailed, userID, err)
	}

	seen := make(map[string]bool, len(u.Notifications))
	var errs []error
	delivered := 0
	for _, id := range u.Notifications {
		name := strings.ToUpper(strings.TrimSpace(id))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		ch, ok := r.channels[name]
		if !ok {
			r.logger.Warn("User enabled unknown notification channel", "user_id", u.ID, "channel", name)
			continue
		}

		if err := ch.Deliver(ctx, u, header, body); err != nil {
			metrics.ChannelDeliveries.WithLabelValues(name, "failed").Inc()
			r.logger.Warn("Channel delivery failed", "user_id", u.ID, "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.ChannelDeliveries.WithLabelValues(name, "sent").Inc()
		delivered++
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, errors.Join(errs...))
	}
	if delivered == 0 {
		r.logger.Info("User has no usable notification channels", "user_id", u.ID)
	}
	return nil
}
