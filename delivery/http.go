package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// StatusError is returned for non-2xx responses from a delivery endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// BrevoHeaders returns the JSON request headers Brevo's transactional APIs expect.
func BrevoHeaders(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("api-key", apiKey)
	return h
}

// Post sends body to url, retrying transport failures, 429 and 5xx responses.
// Other non-2xx responses fail at once with a *StatusError.
func Post(ctx context.Context, client *http.Client, logger *slog.Logger, channel, url string, headers http.Header, body []byte) error {
	return retry.Do(
		func() error {
			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			for k, vs := range headers {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}

			resp, err := client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				logger.Warn("Delivery request failed, will retry",
					"channel", channel,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
				if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(statusErr)
				}
				logger.Warn("Delivery endpoint returned non-2xx status, will retry",
					"channel", channel,
					"status_code", resp.StatusCode)
				return statusErr
			}

			logger.Debug("Delivery request completed",
				"channel", channel,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying delivery after error", "channel", channel, "attempt", n, "error", err)
		}),
	)
}
