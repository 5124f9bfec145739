package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"movie-notifier/pkg/notifier"

	"github.com/goccy/go-json"
)

// DefaultSMSEndpoint is the Brevo transactional SMS API.
const DefaultSMSEndpoint = "https://api.brevo.com/v3/transactionalSMS/sms"

// maxSMSLength caps SMS content, in runes.
const maxSMSLength = 320

// SMSChannel sends the notification header as a text message through Brevo.
type SMSChannel struct {
	apiKey   string
	sender   string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewSMSChannel creates an SMS channel. An empty endpoint uses DefaultSMSEndpoint.
func NewSMSChannel(apiKey, sender, endpoint string, logger *slog.Logger) *SMSChannel {
	if endpoint == "" {
		endpoint = DefaultSMSEndpoint
	}
	return &SMSChannel{
		apiKey:   apiKey,
		sender:   sender,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type smsRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Type      string `json:"type"`
}

// Name returns the channel id.
func (c *SMSChannel) Name() string { return "SMS" }

// Deliver texts the header only.
func (c *SMSChannel) Deliver(ctx context.Context, u *notifier.User, header, body string) error {
	if u.PhoneNumber == "" {
		return errors.New("user has no phone number")
	}

	content := header
	if r := []rune(content); len(r) > maxSMSLength {
		content = string(r[:maxSMSLength])
	}

	payload, err := json.Marshal(smsRequest{
		Sender:    c.sender,
		Recipient: u.PhoneNumber,
		Content:   content,
		Type:      "transactional",
	})
	if err != nil {
		return fmt.Errorf("marshal sms request: %w", err)
	}

	if err := Post(ctx, c.client, c.logger, c.Name(), c.endpoint, BrevoHeaders(c.apiKey), payload); err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	c.logger.Info("SMS notification sent", "user_id", u.ID)
	return nil
}
