package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/remote"
	"github.com/wolfeidau/card-stats/server"
	"github.com/wolfeidau/card-stats/store"
	"github.com/wolfeidau/card-stats/store/localdb"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocalStore(t *testing.T) store.Store {
	t.Helper()
	db := localdb.NewBoltDB(localdb.WithNoSync(true), localdb.WithLogger(discardLogger()))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "local.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newSyncServer(t *testing.T) (*Client, remote.Store) {
	t.Helper()
	rs, err := remote.OpenBolt(filepath.Join(t.TempDir(), "remote.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	srv, err := server.New(server.Config{Store: rs, Logger: discardLogger()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return NewClient(ts.URL, WithVersion("test")), rs
}

func newGateway(r Remote, st store.Store, cfg Config) *Gateway {
	cfg.Logger = discardLogger()
	return NewGateway(r, st, cfg, WithNow(func() time.Time { return testNow }))
}

func ago(d time.Duration) int64 {
	return cardstats.Millis(testNow.Add(-d))
}

func putLocal(t *testing.T, st store.Store, key string, count int, ts int64) {
	t.Helper()
	require.NoError(t, st.PutEntry(context.Background(), key, cardstats.Entry{Count: count, Timestamp: ts}))
}

// scriptedRemote records calls and fails the batches listed in failPush.
type scriptedRemote struct {
	mu       sync.Mutex
	pushes   [][]cardstats.RemoteEntry
	pulls    [][]int
	failPush map[int]bool
	failPull map[int]bool
	entries  map[string]cardstats.RemoteEntry
	pages    [][]cardstats.RemoteEntry
	offsets  []int
}

func (s *scriptedRemote) Push(_ context.Context, entries []cardstats.RemoteEntry) (cardstats.PushResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, entries)
	if s.failPush[len(s.pushes)] {
		return cardstats.PushResponse{}, &HTTPError{StatusCode: http.StatusBadGateway, Message: "upstream down"}
	}
	return cardstats.PushResponse{Success: true, Processed: len(entries), Total: len(entries)}, nil
}

func (s *scriptedRemote) Pull(_ context.Context, ids []int) ([]cardstats.RemoteEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls = append(s.pulls, ids)
	if s.failPull[len(s.pulls)] {
		return nil, errors.New("connection reset")
	}
	var out []cardstats.RemoteEntry
	for _, id := range ids {
		for _, m := range cardstats.Metrics {
			if e, ok := s.entries[cardstats.Key(m, id)]; ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (s *scriptedRemote) PullAll(_ context.Context, limit, offset int) (cardstats.PullAllResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets = append(s.offsets, offset)
	if len(s.pages) == 0 {
		return cardstats.PullAllResponse{Success: true}, nil
	}
	page := s.pages[0]
	s.pages = s.pages[1:]
	return cardstats.PullAllResponse{Success: true, Entries: page, Count: len(page)}, nil
}

func TestPush_EndToEndIdempotent(t *testing.T) {
	client, rs := newSyncServer(t)
	st := newLocalStore(t)
	g := newGateway(client, st, Config{})
	ctx := context.Background()

	putLocal(t, st, "owners_1", 12, ago(2*time.Hour))
	putLocal(t, st, "wishlist_1", 3, ago(time.Hour))

	result, err := g.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pending)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, ago(time.Hour), result.Watermark)

	n, err := rs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Nothing new: no request is made.
	result, err = g.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Pending)
	assert.Equal(t, 0, result.Batches)

	// Resetting the watermark re-sends everything; the server skips it all.
	require.NoError(t, st.SetWatermark(ctx, 0))
	result, err = g.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 2, result.Skipped)
}

func TestPush_BatchesInTimestampOrder(t *testing.T) {
	r := &scriptedRemote{}
	st := newLocalStore(t)
	g := newGateway(r, st, Config{PushBatchSize: 2})

	for i := 1; i <= 5; i++ {
		putLocal(t, st, cardstats.Key(cardstats.MetricOwners, i), i, ago(time.Duration(10-i)*time.Minute))
	}
	// Failure counters and the watermark are never pushed.
	require.NoError(t, st.SetFailures(context.Background(), "owners_1", 2))

	result, err := g.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Batches)
	require.Len(t, r.pushes, 3)
	assert.Equal(t, "owners_1", r.pushes[0][0].Key)
	assert.Equal(t, "owners_5", r.pushes[2][0].Key)
	assert.Equal(t, ago(5*time.Minute), result.Watermark)
}

func TestPush_FailedBatchHoldsWatermark(t *testing.T) {
	r := &scriptedRemote{failPush: map[int]bool{2: true}}
	st := newLocalStore(t)
	g := newGateway(r, st, Config{PushBatchSize: 2})
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		putLocal(t, st, cardstats.Key(cardstats.MetricWishlist, i), i, int64(1000*i))
	}

	result, err := g.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Batches, "later batches are still sent")
	assert.Equal(t, 1, result.FailedBatches)
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, int64(2000), result.Watermark)

	// The next push resends the failed batch and everything after it.
	r.failPush = nil
	result, err = g.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Pending)
	assert.Equal(t, int64(6000), result.Watermark)

	wm, err := st.GetWatermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), wm)
}

func TestPush_FailedBatchSplitsEqualTimestamps(t *testing.T) {
	r := &scriptedRemote{failPush: map[int]bool{2: true}}
	st := newLocalStore(t)
	g := newGateway(r, st, Config{PushBatchSize: 2})

	putLocal(t, st, "owners_1", 1, 1000)
	putLocal(t, st, "owners_2", 1, 2000)
	putLocal(t, st, "owners_3", 1, 2000)

	result, err := g.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1999), result.Watermark, "owners_3 shares a timestamp with the last sent entry")
}

func TestPush_FirstBatchFailsKeepsWatermark(t *testing.T) {
	r := &scriptedRemote{failPush: map[int]bool{1: true}}
	st := newLocalStore(t)
	g := newGateway(r, st, Config{})
	ctx := context.Background()

	require.NoError(t, st.SetWatermark(ctx, 500))
	putLocal(t, st, "owners_1", 1, 1000)

	result, err := g.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), result.Watermark)

	wm, err := st.GetWatermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), wm)
}

func TestCheckAutoPush(t *testing.T) {
	r := &scriptedRemote{}
	st := newLocalStore(t)
	g := newGateway(r, st, Config{AutoPushThreshold: 3})
	ctx := context.Background()

	putLocal(t, st, "owners_1", 1, 1000)
	putLocal(t, st, "owners_2", 1, 1000)

	pushed, result, err := g.CheckAutoPush(ctx)
	require.NoError(t, err)
	assert.False(t, pushed)
	assert.Equal(t, 2, result.Pending)
	assert.Empty(t, r.pushes)

	putLocal(t, st, "owners_3", 1, 1000)
	pushed, result, err = g.CheckAutoPush(ctx)
	require.NoError(t, err)
	assert.True(t, pushed)
	assert.Equal(t, 3, result.Processed)
}

func TestPullIDs_AcceptanceRule(t *testing.T) {
	r := &scriptedRemote{entries: map[string]cardstats.RemoteEntry{
		"owners_1":   {Key: "owners_1", Count: 20, Timestamp: ago(time.Hour)},      // newer than local
		"wishlist_1": {Key: "wishlist_1", Count: 1, Timestamp: ago(48 * time.Hour)}, // older than local
		"owners_2":   {Key: "owners_2", Count: 7, Timestamp: ago(31 * 24 * time.Hour)},
		"wishlist_3": {Key: "wishlist_3", Count: 5, Timestamp: ago(time.Minute)}, // absent locally
	}}
	st := newLocalStore(t)
	g := newGateway(r, st, Config{})
	ctx := context.Background()

	putLocal(t, st, "owners_1", 10, ago(2*time.Hour))
	putLocal(t, st, "wishlist_1", 4, ago(24*time.Hour))

	result, err := g.PullIDs(ctx, []int{3, 1, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Requested)
	assert.Equal(t, 2, result.Updated)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.TooOld)
	assert.Equal(t, [][]int{{1, 2, 3}}, r.pulls)

	e, err := st.GetEntry(ctx, "owners_1")
	require.NoError(t, err)
	assert.Equal(t, 20, e.Count)
	assert.Zero(t, e.TTL, "pulled entries fall back to the default TTL")

	e, err = st.GetEntry(ctx, "wishlist_1")
	require.NoError(t, err)
	assert.Equal(t, 4, e.Count)

	_, err = st.GetEntry(ctx, "owners_2")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Pulling again mutates nothing.
	result, err = g.PullIDs(ctx, []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Updated)
}

func TestPullIDs_FailedBatchContinues(t *testing.T) {
	entries := map[string]cardstats.RemoteEntry{}
	for i := 1; i <= 5; i++ {
		k := cardstats.Key(cardstats.MetricOwners, i)
		entries[k] = cardstats.RemoteEntry{Key: k, Count: i, Timestamp: ago(time.Hour)}
	}
	r := &scriptedRemote{entries: entries, failPull: map[int]bool{1: true}}
	st := newLocalStore(t)
	g := newGateway(r, st, Config{PullBatchSize: 2})

	result, err := g.PullIDs(context.Background(), []int{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, 1, result.FailedBatches)
	assert.Equal(t, 3, result.Updated)
}

func TestPullAll_PagesUntilShortPage(t *testing.T) {
	page := func(from, n int) []cardstats.RemoteEntry {
		var out []cardstats.RemoteEntry
		for i := from; i < from+n; i++ {
			out = append(out, cardstats.RemoteEntry{Key: cardstats.Key(cardstats.MetricOwners, i), Count: i, Timestamp: ago(time.Hour)})
		}
		return out
	}
	r := &scriptedRemote{pages: [][]cardstats.RemoteEntry{page(0, 3), page(3, 3), page(6, 1)}}
	st := newLocalStore(t)
	g := newGateway(r, st, Config{PullAllPageSize: 3})

	result, err := g.PullAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 6}, r.offsets)
	assert.Equal(t, 7, result.Updated)
}

func TestPullAll_EndToEnd(t *testing.T) {
	client, rs := newSyncServer(t)
	st := newLocalStore(t)
	g := newGateway(client, st, Config{PullAllPageSize: 2})
	ctx := context.Background()

	var seed []cardstats.RemoteEntry
	for i := 1; i <= 5; i++ {
		seed = append(seed, cardstats.RemoteEntry{Key: cardstats.Key(cardstats.MetricWishlist, i), Count: i, Timestamp: cardstats.Millis(time.Now().Add(-time.Duration(i) * time.Minute))})
	}
	_, _, err := rs.Upsert(ctx, seed)
	require.NoError(t, err)

	g.now = time.Now
	result, err := g.PullAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Updated)

	ids, err := g.LocalIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, ids)
}

func TestPullStale_OnlyStaleCards(t *testing.T) {
	r := &scriptedRemote{}
	st := newLocalStore(t)
	g := newGateway(r, st, Config{StalePullLimit: 2})

	putLocal(t, st, "owners_1", 5, ago(31*24*time.Hour)) // stale, owners TTL 30d
	putLocal(t, st, "owners_2", 5, ago(time.Hour))       // fresh
	putLocal(t, st, "wishlist_3", 0, ago(25*time.Hour))  // stale, zero wishlist TTL 1d
	putLocal(t, st, "wishlist_4", 2, ago(8*24*time.Hour))
	putLocal(t, st, "owners_4", 2, ago(8*24*time.Hour))

	_, err := g.PullStale(context.Background())
	require.NoError(t, err)
	require.Len(t, r.pulls, 1)
	assert.Len(t, r.pulls[0], 2, "capped at StalePullLimit")
	assert.NotContains(t, r.pulls[0], 2)
}

func TestTriggerSync(t *testing.T) {
	client, rs := newSyncServer(t)
	ctx := context.Background()

	// Another client already pushed a newer owners count for card 1.
	_, _, err := rs.Upsert(ctx, []cardstats.RemoteEntry{
		{Key: "owners_1", Count: 30, Timestamp: ago(time.Minute)},
	})
	require.NoError(t, err)

	st := newLocalStore(t)
	g := newGateway(client, st, Config{})
	putLocal(t, st, "owners_1", 25, ago(time.Hour))
	putLocal(t, st, "wishlist_1", 8, ago(time.Hour))

	result, err := g.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Push.Processed)
	assert.Equal(t, 1, result.Push.Skipped)
	assert.Equal(t, 1, result.Pull.Updated)

	e, err := st.GetEntry(ctx, "owners_1")
	require.NoError(t, err)
	assert.Equal(t, 30, e.Count)
}

func TestClient_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1.2.3", r.Header.Get(cardstats.VersionHeader))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"Database not connected"}`)
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL+"/", WithVersion("1.2.3"), WithToken("tok"))
	_, err := c.Push(context.Background(), []cardstats.RemoteEntry{{Key: "owners_1", Count: 1, Timestamp: 1}})

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Equal(t, "Database not connected", httpErr.Message)
	assert.Equal(t, "sync http 503: Database not connected", err.Error())
}

func TestClient_HealthAndStats(t *testing.T) {
	client, rs := newSyncServer(t)
	_, _, err := rs.Upsert(context.Background(), []cardstats.RemoteEntry{{Key: "owners_1", Count: 1, Timestamp: 1}})
	require.NoError(t, err)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	stats, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
}

func TestManager_RunsPushAndPull(t *testing.T) {
	r := &scriptedRemote{}
	st := newLocalStore(t)
	g := newGateway(r, st, Config{})
	putLocal(t, st, "owners_1", 1, ago(40*24*time.Hour))

	m := NewManager(g, ManagerConfig{
		PushInterval: 10 * time.Millisecond,
		PullInterval: 10 * time.Millisecond,
		Logger:       discardLogger(),
	})
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.pushes) > 0 && len(r.pulls) > 0
	}, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}
