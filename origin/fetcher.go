// Package origin fetches and parses the card-trading site's paginated
// wishlist and owners pages.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/telemetry"
)

const (
	// DefaultBaseURL is the origin site.
	DefaultBaseURL = "https://mangabuff.ru"

	// DefaultTimeout is the per-request timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxRetries is how many times a failed request is retried.
	DefaultMaxRetries = 3

	// RetryBaseDelay is the first retry delay; it doubles on each attempt.
	RetryBaseDelay = time.Second

	// MaxRetryDelay caps a single retry delay.
	MaxRetryDelay = 30 * time.Second

	// MaxBodySize caps how much of a page is read.
	MaxBodySize = 8 * 1024 * 1024
)

var (
	// ErrNotFound is returned when the origin responds 404 for a card.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is returned when 429 responses outlast every retry.
	ErrRateLimited = errors.New("rate limited")
)

// Fetcher retrieves raw page markup from the origin site.
type Fetcher struct {
	baseURL    string
	client     *http.Client
	csrfToken  string
	maxRetries int
	sleep      func(context.Context, time.Duration) error
	logger     *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithBaseURL sets the origin base URL.
func WithBaseURL(url string) FetcherOption {
	return func(f *Fetcher) {
		f.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithCSRFToken sets the token sent in the X-CSRF-Token header.
func WithCSRFToken(token string) FetcherOption {
	return func(f *Fetcher) {
		f.csrfToken = token
	}
}

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n int) FetcherOption {
	return func(f *Fetcher) {
		f.maxRetries = n
	}
}

// WithSleep replaces the backoff sleep, for testing.
func WithSleep(sleep func(context.Context, time.Duration) error) FetcherOption {
	return func(f *Fetcher) {
		f.sleep = sleep
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a new origin fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewFetchTransport("origin", nil),
		},
		maxRetries: DefaultMaxRetries,
		sleep:      Sleep,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "origin")
	return f
}

// PageURL returns the URL of a listing page. Page 1 carries no query.
func (f *Fetcher) PageURL(m cardstats.Metric, cardID, page int) string {
	var path string
	switch m {
	case cardstats.MetricWishlist:
		path = "/offers/want"
	default:
		path = "/users"
	}
	u := f.baseURL + "/cards/" + strconv.Itoa(cardID) + path
	if page > 1 {
		u += "?page=" + strconv.Itoa(page)
	}
	return u
}

// FetchPage fetches one listing page. A 404 returns ErrNotFound immediately;
// any other failure is retried with exponential backoff.
func (f *Fetcher) FetchPage(ctx context.Context, m cardstats.Metric, cardID, page int) ([]byte, error) {
	reqURL := f.PageURL(m, cardID, page)

	bo := &backoff.ExponentialBackOff{
		InitialInterval: RetryBaseDelay,
		Multiplier:      2,
		MaxInterval:     MaxRetryDelay,
	}
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			f.logger.Warn("retrying page fetch",
				"url", reqURL, "attempt", attempt, "max_retries", f.maxRetries,
				"delay", delay, "error", lastErr)
			if err := f.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		body, err := f.fetchOnce(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, ErrNotFound) {
			f.logger.Debug("page not found", "url", reqURL)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, fmt.Errorf("fetching %s after %d retries: %w", reqURL, f.maxRetries, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if f.csrfToken != "" {
		req.Header.Set("X-CSRF-Token", f.csrfToken)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("origin returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
