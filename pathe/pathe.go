// Package pathe fetches movie schedules from the Pathé Connect API.
package pathe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"movie-notifier/pkg/notifier"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// CinemaIDPrefix is prepended to Pathé numeric cinema ids.
const CinemaIDPrefix = "PATHE"

// DefaultBaseURL is the production Pathé Connect endpoint.
const DefaultBaseURL = "https://connect.pathe.nl"

const startLayout = "2006-01-02T15:04:05Z07:00"

var (
	// ErrUpstreamUnavailable indicates a transport failure or non-2xx response.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrMalformedResponse indicates a payload that could not be read as a schedule.
	ErrMalformedResponse = errors.New("malformed response")
)

// StatusError carries the HTTP status of a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// Unwrap lets errors.Is match ErrUpstreamUnavailable.
func (e *StatusError) Unwrap() error {
	return ErrUpstreamUnavailable
}

// Client fetches schedules from Pathé.
type Client struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	baseURL string
	apiKey  string
}

// New creates a new Pathé client. A nil limiter disables rate limiting.
func New(client *http.Client, baseURL, apiKey string, limiter *rate.Limiter, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  client,
		limiter: limiter,
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// Flag decodes provider attributes that arrive either as booleans or as 0/1 integers.
type Flag struct {
	Value *bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	s := string(bytes.TrimSpace(data))
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.ToLower(strings.TrimSpace(unquoted))
	}
	var v bool
	switch s {
	case "null", "":
		f.Value = nil
		return nil
	case "true", "1":
		v = true
	case "false", "0":
		v = false
	default:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid flag %s", s)
		}
		v = n != 0
	}
	f.Value = &v
	return nil
}

type scheduleResponse struct {
	Schedules *[]scheduleEntry `json:"schedules"`
}

type scheduleEntry struct {
	ID       json.Number `json:"id"`
	MovieID  int         `json:"movieId"`
	CinemaID int         `json:"cinemaId"`
	Start    string      `json:"start"`
	Is3D     Flag        `json:"is3d"`
	IMAX     Flag        `json:"imax"`
	OV       Flag        `json:"ov"`
	NL       Flag        `json:"nl"`
	HFR      Flag        `json:"hfr"`
	IsAtmos  Flag        `json:"isAtmos"`
	Is4K     Flag        `json:"is4k"`
	IsLaser  Flag        `json:"isLaser"`
	Is4DX    Flag        `json:"is4dx"`
	IsVision Flag        `json:"isVision"`
}

// Fetch retrieves the current schedule for a movie. It never retries.
func (c *Client) Fetch(ctx context.Context, movieID int) (*notifier.MovieSchedule, error) {
	uri := fmt.Sprintf("%s/v1/movies/%d/schedules", c.baseURL, movieID)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", ErrUpstreamUnavailable, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Client-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("Pathé API request starting", "method", "GET", "url", uri, "movie_id", movieID)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Pathé API request completed",
		"url", uri,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: uri, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUpstreamUnavailable, err)
	}

	schedule, err := c.parseSchedule(movieID, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return schedule, nil
}

func (c *Client) parseSchedule(movieID int, body []byte) (*notifier.MovieSchedule, error) {
	var parsed scheduleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode schedules: %w", err)
	}
	if parsed.Schedules == nil {
		return nil, errors.New("response has no schedules field")
	}

	schedule := &notifier.MovieSchedule{MovieID: movieID}
	for i, e := range *parsed.Schedules {
		id := e.ID.String()
		if id == "" {
			return nil, fmt.Errorf("schedule %d has no id", i)
		}
		showingMovie := e.MovieID
		if showingMovie == 0 {
			showingMovie = movieID
		}
		schedule.Showings = append(schedule.Showings, &notifier.Showing{
			ID:          id,
			MovieID:     showingMovie,
			CinemaID:    CinemaIDPrefix + strconv.Itoa(e.CinemaID),
			StartTime:   c.parseStart(e.Start, id),
			D3:          e.Is3D.Value,
			IMAX:        e.IMAX.Value,
			OV:          e.OV.Value,
			NL:          e.NL.Value,
			HFR:         e.HFR.Value,
			Atmos:       e.IsAtmos.Value,
			K4:          e.Is4K.Value,
			Laser:       e.IsLaser.Value,
			DX4:         e.Is4DX.Value,
			DolbyCinema: e.IsVision.Value,
		})
	}
	return schedule, nil
}

// parseStart converts a Pathé timestamp to epoch millis. Unparseable values map to -1.
func (c *Client) parseStart(raw, showingID string) int64 {
	t, err := time.Parse(startLayout, strings.TrimSpace(raw))
	if err != nil {
		c.logger.Warn("Unparseable showing start time", "showing_id", showingID, "start", raw, "error", err)
		return -1
	}
	return t.UnixMilli()
}
