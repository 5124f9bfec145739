// Package cinema resolves Pathé cinema ids to display names by scraping the cinemas page.
package cinema

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"movie-notifier/pathe"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// DefaultPageURL lists all Pathé cinemas.
const DefaultPageURL = "https://www.pathe.nl/bioscopen"

// Cinema is one location.
type Cinema struct {
	ID   string `json:"id"` // PATHE<number>
	Name string `json:"name"`
	City string `json:"city,omitempty"`
}

// HTTPStatusError is a non-200 response from the cinemas page.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// Directory holds the cinema list. Lookups fall back to the raw id until Load succeeds.
type Directory struct {
	client  *http.Client
	logger  *slog.Logger
	pageURL string

	mu      sync.RWMutex
	cinemas map[string]Cinema
}

// New creates an empty directory.
func New(client *http.Client, pageURL string, logger *slog.Logger) *Directory {
	if pageURL == "" {
		pageURL = DefaultPageURL
	}
	return &Directory{
		client:  client,
		logger:  logger,
		pageURL: pageURL,
		cinemas: make(map[string]Cinema),
	}
}

// Name returns the display name for id, or id itself when unknown.
func (d *Directory) Name(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.cinemas[id]; ok && c.Name != "" {
		return c.Name
	}
	return id
}

// All returns the known cinemas ordered by name.
func (d *Directory) All() []Cinema {
	d.mu.RLock()
	out := make([]Cinema, 0, len(d.cinemas))
	for _, c := range d.cinemas {
		out = append(out, c)
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b Cinema) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Load fetches and parses the cinemas page, replacing the directory contents.
// On failure the previous contents are kept.
func (d *Directory) Load(ctx context.Context) error {
	var cinemas []Cinema

	err := retry.Do(
		func() error {
			d.logger.Info("HTTP request starting",
				"method", "GET",
				"url", d.pageURL,
				"purpose", "fetch_cinemas")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "nl-NL,nl;q=0.9,en;q=0.8")

			startTime := time.Now()
			resp, err := d.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				d.logger.Warn("HTTP request failed, will retry",
					"url", d.pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					d.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			d.logger.Info("HTTP request completed",
				"url", d.pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: d.pageURL, StatusCode: resp.StatusCode}
			}

			cinemas, err = parsePage(resp.Body)
			if err != nil {
				d.logger.Error("Failed to parse cinemas page", "error", err)
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying cinemas fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			// Only server errors and transport failures are worth retrying
			var statusErr *HTTPStatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
			}
			return true
		}),
	)
	if err != nil {
		return fmt.Errorf("load cinemas: %w", err)
	}

	m := make(map[string]Cinema, len(cinemas))
	for _, c := range cinemas {
		m[c.ID] = c
	}
	d.mu.Lock()
	d.cinemas = m
	d.mu.Unlock()

	d.logger.Info("Cinema directory loaded", "cinemas", len(m))
	return nil
}

// parsePage extracts cinemas from elements carrying a data-cinema-id attribute.
// The name comes from data-cinema-name, a .cinema-name child, or the element text.
func parsePage(body io.Reader) ([]Cinema, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var cinemas []Cinema
	doc.Find("[data-cinema-id]").Each(func(i int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.AttrOr("data-cinema-id", ""))
		if raw == "" {
			return
		}
		id := raw
		if !strings.HasPrefix(id, pathe.CinemaIDPrefix) {
			id = pathe.CinemaIDPrefix + id
		}
		if seen[id] {
			return
		}

		name := strings.TrimSpace(s.AttrOr("data-cinema-name", ""))
		if name == "" {
			name = strings.TrimSpace(s.Find(".cinema-name").First().Text())
		}
		if name == "" {
			name = strings.Join(strings.Fields(s.Text()), " ")
		}
		if name == "" {
			return
		}

		seen[id] = true
		cinemas = append(cinemas, Cinema{
			ID:   id,
			Name: name,
			City: strings.TrimSpace(s.AttrOr("data-cinema-city", s.Find(".cinema-city").First().Text())),
		})
	})

	if len(cinemas) == 0 {
		return nil, errors.New("no cinemas found")
	}
	return cinemas, nil
}
