package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"movie-notifier/pkg/notifier"
)

// PushChannel publishes notifications to an ntfy-compatible server, one topic per user.
type PushChannel struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewPushChannel creates a push channel. token may be empty for open servers.
func NewPushChannel(baseURL, token string, logger *slog.Logger) *PushChannel {
	return &PushChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Name returns the channel id.
func (c *PushChannel) Name() string { return "PUSH" }

// Deliver posts the body to the user's topic with the header's first line as title.
func (c *PushChannel) Deliver(ctx context.Context, u *notifier.User, header, body string) error {
	if u.PushTopic == "" {
		return errors.New("user has no push topic")
	}

	title, summary, _ := strings.Cut(header, "\n")
	message := body
	if summary != "" {
		message = summary + "\n" + body
	}

	headers := http.Header{}
	headers.Set("Content-Type", "text/plain; charset=utf-8")
	headers.Set("Title", mime.QEncoding.Encode("utf-8", title))
	headers.Set("Tags", "movie_camera")
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	target := c.baseURL + "/" + url.PathEscape(u.PushTopic)
	if err := Post(ctx, c.client, c.logger, c.Name(), target, headers, []byte(message)); err != nil {
		return fmt.Errorf("publish push: %w", err)
	}
	c.logger.Info("Push notification sent", "user_id", u.ID, "topic", u.PushTopic)
	return nil
}
