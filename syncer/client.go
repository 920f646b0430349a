// Package syncer reconciles the local count cache with the shared sync server.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/telemetry"
)

const (
	// DefaultClientTimeout bounds a single sync request.
	DefaultClientTimeout = 30 * time.Second

	// DefaultVersion is sent in the version header when none is configured.
	DefaultVersion = "dev"

	maxResponseSize = 32 << 20
)

// HTTPError is returned for non-2xx sync responses.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sync http %d", e.StatusCode)
	}
	return fmt.Sprintf("sync http %d: %s", e.StatusCode, e.Message)
}

// Remote is the sync server as seen by the Gateway.
type Remote interface {
	Push(ctx context.Context, entries []cardstats.RemoteEntry) (cardstats.PushResponse, error)
	Pull(ctx context.Context, cardIDs []int) ([]cardstats.RemoteEntry, error)
	PullAll(ctx context.Context, limit, offset int) (cardstats.PullAllResponse, error)
}

var _ Remote = (*Client)(nil)

// Client speaks the sync HTTP contract.
type Client struct {
	baseURL    string
	token      string
	version    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(cl *Client) {
		cl.token = strings.TrimSpace(token)
	}
}

// WithVersion sets the client version header value.
func WithVersion(v string) ClientOption {
	return func(cl *Client) {
		cl.version = v
	}
}

// NewClient creates a sync client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		version: DefaultVersion,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   DefaultClientTimeout,
			Transport: telemetry.NewFetchTransport("sync", nil),
		}
	}
	return c
}

// Push sends one batch of entries.
func (c *Client) Push(ctx context.Context, entries []cardstats.RemoteEntry) (cardstats.PushResponse, error) {
	var out cardstats.PushResponse
	err := c.doJSON(ctx, http.MethodPost, "/sync/push", cardstats.PushRequest{Entries: entries}, &out)
	return out, err
}

// Pull fetches the entries of both metrics for the given cards.
func (c *Client) Pull(ctx context.Context, cardIDs []int) ([]cardstats.RemoteEntry, error) {
	var out cardstats.PullResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/pull", cardstats.PullRequest{CardIDs: cardIDs}, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// PullAll fetches one page of the full table, newest first.
func (c *Client) PullAll(ctx context.Context, limit, offset int) (cardstats.PullAllResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var out cardstats.PullAllResponse
	err := c.doJSON(ctx, http.MethodGet, "/sync/pull-all?"+q.Encode(), nil, &out)
	return out, err
}

// Health queries the server health endpoint.
func (c *Client) Health(ctx context.Context) (cardstats.HealthResponse, error) {
	var out cardstats.HealthResponse
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Stats queries the server store statistics.
func (c *Client) Stats(ctx context.Context) (cardstats.Stats, error) {
	var out cardstats.StatsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/cache/stats", nil, &out); err != nil {
		return cardstats.Stats{}, err
	}
	return out.Stats, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(cardstats.VersionHeader, c.version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload cardstats.ErrorResponse
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{StatusCode: resp.StatusCode, Message: errPayload.Error}
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
