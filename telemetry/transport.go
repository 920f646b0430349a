package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// Fetch outcomes recorded by FetchTransport.
const (
	OutcomeOK          = "success"
	OutcomeNotFound    = "not_found"
	OutcomeRateLimited = "rate_limited"
	OutcomeClientError = "client_error"
	OutcomeServerError = "server_error"
	OutcomeError       = "error"
	OutcomeCanceled    = "canceled"
)

// FetchOutcome maps a response status to a fetch outcome. 404 (unknown card)
// and 429 (throttled) are kept apart from other client errors.
func FetchOutcome(status int) string {
	switch {
	case status == http.StatusNotFound:
		return OutcomeNotFound
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case status >= 500:
		return OutcomeServerError
	case status >= 400:
		return OutcomeClientError
	default:
		return OutcomeOK
	}
}

// FetchTransport counts and times requests to one outbound target, "origin"
// or "sync". The fetch is recorded once the body is drained or closed.
type FetchTransport struct {
	target string
	next   http.RoundTripper
}

// NewFetchTransport wraps next, or http.DefaultTransport when next is nil.
func NewFetchTransport(target string, next http.RoundTripper) *FetchTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &FetchTransport{target: target, next: next}
}

func (t *FetchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		outcome := OutcomeError
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			outcome = OutcomeCanceled
		}
		RecordUpstreamFetch(ctx, t.target, time.Since(start), 0, outcome)
		return nil, err
	}

	body := &fetchBody{rc: resp.Body}
	body.record = func() {
		RecordUpstreamFetch(ctx, t.target, time.Since(start), body.n, FetchOutcome(resp.StatusCode))
	}
	resp.Body = body
	return resp, nil
}

type fetchBody struct {
	rc     io.ReadCloser
	n      int64
	once   sync.Once
	record func()
}

func (b *fetchBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.n += int64(n)
	if err == io.EOF {
		b.once.Do(b.record)
	}
	return n, err
}

func (b *fetchBody) Close() error {
	b.once.Do(b.record)
	return b.rc.Close()
}
