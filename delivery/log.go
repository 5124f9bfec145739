package delivery

import (
	"context"
	"log/slog"

	"movie-notifier/pkg/notifier"
)

// LogChannel writes notifications to the log. Used in development.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Name returns the channel id.
func (c *LogChannel) Name() string { return "LOG" }

// Deliver logs the notification.
func (c *LogChannel) Deliver(ctx context.Context, u *notifier.User, header, body string) error {
	c.logger.Info("NOTIFICATION",
		"user_id", u.ID,
		"name", u.Name,
		"header", header,
		"body", body)
	return nil
}
