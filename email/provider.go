// Package email delivers showing notifications by email via multiple providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"movie-notifier/pkg/notifier"
)

// ChannelName identifies the email channel in a user's notification list.
const ChannelName = "MAIL"

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders notifications as HTML and sends them through a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Name returns the channel id.
func (s *Sender) Name() string { return ChannelName }

// Deliver emails a notification to the user.
func (s *Sender) Deliver(ctx context.Context, u *notifier.User, header, body string) error {
	if u.Email == "" {
		return errors.New("user has no email address")
	}

	subject := subjectFrom(header)
	html := formatNotificationBody(header, body)

	s.logger.Info("Sending notification email",
		"to", u.Email,
		"user_id", u.ID,
		"subject", subject)

	if err := s.provider.Send(ctx, u.Email, subject, html); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
