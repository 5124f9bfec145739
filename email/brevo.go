package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"movie-notifier/delivery"

	"github.com/goccy/go-json"
)

// DefaultBrevoEndpoint is the Brevo transactional email API.
const DefaultBrevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails through Brevo's transactional email API.
type BrevoProvider struct {
	apiKey   string
	sender   brevoContact
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewBrevoProvider creates a Brevo email provider. An empty endpoint uses DefaultBrevoEndpoint.
func NewBrevoProvider(apiKey, fromAddr, fromName, endpoint string, logger *slog.Logger) *BrevoProvider {
	if endpoint == "" {
		endpoint = DefaultBrevoEndpoint
	}
	return &BrevoProvider{
		apiKey:   apiKey,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send posts one message. Client errors other than 429 are not retried.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  b.sender,
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	b.logger.Debug("Brevo email request starting", "to", to, "subject", subject)
	if err := delivery.Post(ctx, b.client, b.logger, ChannelName, b.endpoint, delivery.BrevoHeaders(b.apiKey), payload); err != nil {
		return fmt.Errorf("brevo send: %w", err)
	}
	return nil
}
