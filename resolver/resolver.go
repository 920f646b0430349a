// Package resolver answers "how many users want / own this card" from the
// local cache, falling back to a coalesced, concurrency-limited scrape of the
// origin site. Resolution never fails: every path ends in a count.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/coalesce"
	"github.com/wolfeidau/card-stats/gate"
	"github.com/wolfeidau/card-stats/origin"
	"github.com/wolfeidau/card-stats/refresh"
	"github.com/wolfeidau/card-stats/store"
	"github.com/wolfeidau/card-stats/telemetry"
	"golang.org/x/sync/errgroup"
)

// PageFetcher retrieves one listing page of a card.
// It returns origin.ErrNotFound when the card does not exist.
type PageFetcher interface {
	FetchPage(ctx context.Context, m cardstats.Metric, cardID, page int) ([]byte, error)
}

// ParseFunc extracts the item count and last page number from a page.
type ParseFunc func(body []byte, m cardstats.Metric) (origin.Page, error)

// Result is a resolved count.
type Result struct {
	Count     int   `json:"count"`
	Timestamp int64 `json:"timestamp"`
	IsOld     bool  `json:"isOld"`
}

// Counts holds both metrics for one card.
type Counts struct {
	Wishlist int `json:"wishlist"`
	Owners   int `json:"owners"`
}

// Resolver resolves card counts.
type Resolver struct {
	store     store.Store
	fetcher   PageFetcher
	parse     ParseFunc
	gate      *gate.Gate
	flights   *coalesce.Group[Result]
	scheduler *refresh.Scheduler
	config    Config
	logger    *slog.Logger

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	jitter func(time.Duration) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithGate sets the concurrency gate shared by scrape sequences.
func WithGate(g *gate.Gate) Option {
	return func(r *Resolver) {
		r.gate = g
	}
}

// WithScheduler sets the background refresh scheduler.
func WithScheduler(s *refresh.Scheduler) Option {
	return func(r *Resolver) {
		r.scheduler = s
	}
}

// WithParser replaces the page parser.
func WithParser(parse ParseFunc) Option {
	return func(r *Resolver) {
		r.parse = parse
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithSleep replaces the delay function for testing.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(r *Resolver) {
		r.sleep = sleep
	}
}

// WithJitter replaces the random source; fn returns a value in [0, n).
func WithJitter(fn func(time.Duration) time.Duration) Option {
	return func(r *Resolver) {
		r.jitter = fn
	}
}

// New creates a resolver over a durable store and a page fetcher.
func New(st store.Store, fetcher PageFetcher, config Config, opts ...Option) *Resolver {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Resolver{
		store:   st,
		fetcher: fetcher,
		parse:   origin.ParsePage,
		config:  config,
		logger:  config.Logger.With("component", "resolver"),
		now:     time.Now,
		sleep:   origin.Sleep,
		jitter:  gate.Jitter,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.gate == nil {
		gc := gate.DefaultConfig()
		gc.Logger = config.Logger
		r.gate = gate.New(gc)
	}
	if r.scheduler == nil {
		r.scheduler = refresh.New(ctx, refresh.WithLogger(config.Logger))
	}
	r.flights = coalesce.New[Result](coalesce.WithLogger(r.logger))
	return r
}

// Close stops background refreshes and cancels running scrapes.
func (r *Resolver) Close() {
	r.cancel()
	r.scheduler.Stop()
}

// Gate returns the resolver's concurrency gate.
func (r *Resolver) Gate() *gate.Gate {
	return r.gate
}

// Scheduler returns the resolver's background refresh scheduler.
func (r *Resolver) Scheduler() *refresh.Scheduler {
	return r.scheduler
}

type getOptions struct {
	retries      int
	forceNetwork bool
}

// GetOption adjusts a single Get call.
type GetOption func(*getOptions)

// WithRetries sets how many times a failed sequence restarts.
func WithRetries(n int) GetOption {
	return func(o *getOptions) {
		o.retries = max(n, 0)
	}
}

// WithForceNetwork skips the cache read and always scrapes.
func WithForceNetwork() GetOption {
	return func(o *getOptions) {
		o.forceNetwork = true
	}
}

// Get resolves the count of metric m for a card.
//
// A fresh cached entry is returned without network access. A stale one is
// returned with IsOld set and a background refresh is scheduled. Otherwise a
// scrape runs, shared with any concurrent caller asking for the same key.
func (r *Resolver) Get(ctx context.Context, m cardstats.Metric, cardID int, opts ...GetOption) Result {
	o := getOptions{retries: r.config.Retries}
	for _, opt := range opts {
		opt(&o)
	}
	key := cardstats.Key(m, cardID)

	if !o.forceNetwork {
		e, err := r.store.GetEntry(ctx, key)
		switch {
		case err == nil:
			if e.IsStale(m, r.now()) {
				telemetry.RecordLookup(ctx, string(m), telemetry.LookupStale)
				r.scheduleStaleRefresh(m, cardID)
				return Result{Count: e.Count, Timestamp: e.Timestamp, IsOld: true}
			}
			telemetry.RecordLookup(ctx, string(m), telemetry.LookupFresh)
			return Result{Count: e.Count, Timestamp: e.Timestamp}
		case !errors.Is(err, store.ErrNotFound):
			r.logger.Warn("cache read failed, scraping", "key", key, "error", err)
		}
	}
	telemetry.RecordLookup(ctx, string(m), telemetry.LookupMiss)

	res, shared, err := r.flights.Do(ctx, key, func(fctx context.Context) (Result, error) {
		fctx, cancel := context.WithCancel(fctx)
		defer cancel()
		stop := context.AfterFunc(r.ctx, cancel)
		defer stop()
		return r.resolve(fctx, m, cardID, o.retries), nil
	})
	if err != nil {
		r.logger.Debug("caller gave up waiting", "key", key, "error", err)
		return r.degraded()
	}
	if shared {
		telemetry.RecordLookup(ctx, string(m), telemetry.LookupCoalesced)
	}
	return res
}

// ForceRefresh drops both cached metrics of a card and its anomaly counters,
// then scrapes both. It fails only when the store cannot be updated.
func (r *Resolver) ForceRefresh(ctx context.Context, cardID int) (*Counts, error) {
	keys := make([]string, 0, len(cardstats.Metrics))
	for _, m := range cardstats.Metrics {
		key := cardstats.Key(m, cardID)
		keys = append(keys, key)
		r.scheduler.Cancel(key)
	}
	if err := r.store.DeleteEntries(ctx, keys...); err != nil {
		return nil, err
	}
	if err := r.store.DeleteFailures(ctx, keys...); err != nil {
		return nil, err
	}

	var counts Counts
	var g errgroup.Group
	g.Go(func() error {
		counts.Wishlist = r.Get(ctx, cardstats.MetricWishlist, cardID, WithForceNetwork()).Count
		return nil
	})
	g.Go(func() error {
		counts.Owners = r.Get(ctx, cardstats.MetricOwners, cardID, WithForceNetwork()).Count
		return nil
	})
	_ = g.Wait()

	r.logger.Info("card refreshed", "card_id", cardID, "wishlist", counts.Wishlist, "owners", counts.Owners)
	return &counts, nil
}

// Clear wipes the local cache, anomaly counters, sync watermark and dumps.
func (r *Resolver) Clear(ctx context.Context) error {
	return r.store.Clear(ctx)
}

// DebugDumps returns the pages saved for review under a cache key.
func (r *Resolver) DebugDumps(ctx context.Context, m cardstats.Metric, cardID int) ([]store.DebugDump, error) {
	return r.store.ListDebugDumps(ctx, cardstats.Key(m, cardID))
}

func (r *Resolver) scheduleStaleRefresh(m cardstats.Metric, cardID int) {
	r.scheduler.Schedule(cardstats.Key(m, cardID), r.config.StaleRefreshDelay, func(ctx context.Context) {
		r.Get(ctx, m, cardID, WithForceNetwork(), WithRetries(0))
	})
}

func (r *Resolver) degraded() Result {
	return Result{Timestamp: cardstats.Millis(r.now())}
}
