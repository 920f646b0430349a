package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/remote"
	"github.com/wolfeidau/card-stats/telemetry"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	srv   *Server
	store remote.Store
	url   string
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	st, err := remote.OpenBolt(filepath.Join(t.TempDir(), "remote.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg.Store = st
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg)
	require.NoError(t, err)
	srv.now = func() time.Time { return testNow }

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, store: st, url: ts.URL}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.url+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func ms(d time.Duration) int64 {
	return cardstats.Millis(testNow.Add(-d))
}

func TestPush_TimestampGuardAndIdempotence(t *testing.T) {
	ts := newTestServer(t, Config{})

	entries := []cardstats.RemoteEntry{
		{Key: "owners_1", Count: 12, Timestamp: ms(time.Hour)},
		{Key: "wishlist_1", Count: 3, Timestamp: ms(time.Hour)},
	}

	var resp cardstats.PushResponse
	code := ts.do(t, http.MethodPost, "/sync/push", cardstats.PushRequest{Entries: entries}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, cardstats.PushResponse{Success: true, Processed: 2, Skipped: 0, Total: 2}, resp)

	// Pushing the same batch again changes nothing.
	code = ts.do(t, http.MethodPost, "/sync/push", cardstats.PushRequest{Entries: entries}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, cardstats.PushResponse{Success: true, Processed: 0, Skipped: 2, Total: 2}, resp)
}

func TestPush_DropsInvalidEntries(t *testing.T) {
	ts := newTestServer(t, Config{})

	var resp cardstats.PushResponse
	code := ts.do(t, http.MethodPost, "/sync/push", cardstats.PushRequest{Entries: []cardstats.RemoteEntry{
		{Key: "owners_1", Count: 5, Timestamp: ms(time.Minute)},
		{Key: "nonsense", Count: 5, Timestamp: ms(time.Minute)},
		{Key: "owners_2", Count: -1, Timestamp: ms(time.Minute)},
		{Key: "owners_3", Count: 1},
	}}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 1, resp.Total)
}

func TestPush_BadRequests(t *testing.T) {
	ts := newTestServer(t, Config{MaxBodyBytes: 256})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{"entries":`, http.StatusBadRequest},
		{"missing entries", `{}`, http.StatusBadRequest},
		{"no valid entries", `{"entries":[{"key":"x","count":1,"timestamp":1}]}`, http.StatusBadRequest},
		{"empty entries", `{"entries":[]}`, http.StatusBadRequest},
		{"too large", `{"entries":[` + strings.Repeat(`{"key":"owners_1","count":1,"timestamp":1},`, 20) + `]}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp cardstats.ErrorResponse
			code := ts.do(t, http.MethodPost, "/sync/push", tt.body, &errResp)
			require.Equal(t, tt.code, code)
			require.NotEmpty(t, errResp.Error)
		})
	}
}

func TestPull_ReturnsBothMetrics(t *testing.T) {
	ts := newTestServer(t, Config{})
	_, _, err := ts.store.Upsert(context.Background(), []cardstats.RemoteEntry{
		{Key: "owners_7", Count: 4, Timestamp: ms(time.Hour)},
		{Key: "wishlist_7", Count: 9, Timestamp: ms(time.Hour)},
		{Key: "owners_8", Count: 1, Timestamp: ms(time.Hour)},
		{Key: "owners_9", Count: 2, Timestamp: ms(time.Hour)},
	})
	require.NoError(t, err)

	var resp cardstats.PullResponse
	code := ts.do(t, http.MethodPost, "/sync/pull", cardstats.PullRequest{CardIDs: []int{7, 8, 100}}, &resp)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)

	keys := make([]string, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		keys = append(keys, e.Key)
	}
	assert.ElementsMatch(t, []string{"owners_7", "wishlist_7", "owners_8"}, keys)
}

func TestPull_BadRequests(t *testing.T) {
	ts := newTestServer(t, Config{})

	for _, body := range []string{`{}`, `{"cardIds":[]}`, `{"cardIds":[-1]}`, `{"cardIds":"1,2"}`} {
		t.Run(body, func(t *testing.T) {
			var errResp cardstats.ErrorResponse
			code := ts.do(t, http.MethodPost, "/sync/pull", body, &errResp)
			require.Equal(t, http.StatusBadRequest, code)
			require.NotEmpty(t, errResp.Error)
		})
	}
}

func TestPull_EmptyResultIsArray(t *testing.T) {
	ts := newTestServer(t, Config{})

	var raw map[string]json.RawMessage
	code := ts.do(t, http.MethodPost, "/sync/pull", cardstats.PullRequest{CardIDs: []int{1}}, &raw)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(raw["entries"]))
}

func TestPullAll_PagingWindowAndCache(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()

	var entries []cardstats.RemoteEntry
	for i := 1; i <= 5; i++ {
		entries = append(entries, cardstats.RemoteEntry{
			Key:       cardstats.Key(cardstats.MetricWishlist, i),
			Count:     i,
			Timestamp: ms(time.Duration(i) * time.Hour),
		})
	}
	entries = append(entries, cardstats.RemoteEntry{Key: "owners_99", Count: 1, Timestamp: ms(61 * 24 * time.Hour)})
	_, _, err := ts.store.Upsert(ctx, entries)
	require.NoError(t, err)

	var page cardstats.PullAllResponse
	code := ts.do(t, http.MethodGet, "/sync/pull-all?limit=2", nil, &page)
	require.Equal(t, http.StatusOK, code)
	require.False(t, page.Cached)
	require.Equal(t, 2, page.Count)
	assert.Equal(t, "wishlist_1", page.Entries[0].Key)
	assert.Equal(t, "wishlist_2", page.Entries[1].Key)

	code = ts.do(t, http.MethodGet, "/sync/pull-all?limit=2&offset=4", nil, &page)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, page.Count, "entries older than 60 days are hidden")
	assert.Equal(t, "wishlist_5", page.Entries[0].Key)

	// New data does not show on a cached first page.
	_, _, err = ts.store.Upsert(ctx, []cardstats.RemoteEntry{{Key: "owners_50", Count: 1, Timestamp: ms(time.Minute)}})
	require.NoError(t, err)

	code = ts.do(t, http.MethodGet, "/sync/all?limit=2", nil, &page)
	require.Equal(t, http.StatusOK, code)
	require.True(t, page.Cached)
	assert.Equal(t, "wishlist_1", page.Entries[0].Key)

	// Once the cache expires the first page is reloaded.
	ts.srv.now = func() time.Time { return testNow.Add(DefaultPullAllCacheTTL) }
	code = ts.do(t, http.MethodGet, "/sync/pull-all?limit=2", nil, &page)
	require.Equal(t, http.StatusOK, code)
	require.False(t, page.Cached)
	assert.Equal(t, "owners_50", page.Entries[0].Key)
}

func TestPageParams(t *testing.T) {
	s := &Server{config: Config{PullAllMaxLimit: 10000}}

	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", 10000, 0},
		{"limit=50&offset=100", 50, 100},
		{"limit=20000", 10000, 0},
		{"limit=-5&offset=-1", 10000, 0},
		{"limit=abc&offset=xyz", 10000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/sync/pull-all?"+tt.query, nil)
			limit, offset := s.pageParams(r)
			assert.Equal(t, tt.limit, limit)
			assert.Equal(t, tt.offset, offset)
		})
	}
}

func TestStatsAndHealth(t *testing.T) {
	ts := newTestServer(t, Config{})
	_, _, err := ts.store.Upsert(context.Background(), []cardstats.RemoteEntry{
		{Key: "owners_1", Count: 1, Timestamp: ms(time.Hour)},
		{Key: "owners_2", Count: 1, Timestamp: ms(time.Hour)},
	})
	require.NoError(t, err)

	var stats cardstats.StatsResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/cache/stats", nil, &stats))
	assert.True(t, stats.Success)
	assert.Equal(t, int64(2), stats.Stats.TotalEntries)
	assert.Equal(t, cardstats.Millis(testNow), stats.Stats.Timestamp)

	var health cardstats.HealthResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, cardstats.HealthResponse{Status: "ok", Database: "connected", Timestamp: cardstats.Millis(testNow)}, health)
}

func TestHealth_StoreDown(t *testing.T) {
	ts := newTestServer(t, Config{})
	require.NoError(t, ts.store.Close())

	var health cardstats.HealthResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "warning", health.Status)
	assert.Equal(t, "disconnected", health.Database)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	ts := newTestServer(t, Config{})

	var errResp cardstats.ErrorResponse
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/nope", nil, &errResp))
	assert.Equal(t, "not found", errResp.Error)
}

func TestAuthEnforcedEndToEnd(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "secret"})

	var errResp cardstats.ErrorResponse
	code := ts.do(t, http.MethodPost, "/sync/pull", cardstats.PullRequest{CardIDs: []int{1}}, &errResp)
	require.Equal(t, http.StatusUnauthorized, code)

	var health cardstats.HealthResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, &health))
}

func TestLoggingMiddleware_RequestID(t *testing.T) {
	var buf bytes.Buffer
	s := &Server{logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	handler := s.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetEndpoint(r, "pull_all")
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		telemetry.SetEntries(r, 3)
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sync/pull-all", nil)
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set(cardstats.VersionHeader, "2.4.0")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "4xx", line["status_class"])
	assert.Equal(t, "2.4.0", line["client_version"])
	assert.Equal(t, "pull_all", line["endpoint"])
	assert.Equal(t, "hit", line["cache_result"])
	assert.EqualValues(t, 3, line["entries"])
	assert.Equal(t, fmt.Sprint(http.StatusTeapot), fmt.Sprint(line["status"]))
}

func TestNew_OpensStoreFromDSN(t *testing.T) {
	srv, err := New(Config{
		StoreDSN: "bolt://" + filepath.Join(t.TempDir(), "remote.db"),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.True(t, srv.ownsStore)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
