package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/gate"
	"github.com/wolfeidau/card-stats/origin"
	"github.com/wolfeidau/card-stats/refresh"
	"github.com/wolfeidau/card-stats/resolver"
	"github.com/wolfeidau/card-stats/server"
	"github.com/wolfeidau/card-stats/store/localdb"
	"github.com/wolfeidau/card-stats/syncer"
	"github.com/wolfeidau/card-stats/telemetry"
	"golang.org/x/sync/errgroup"
)

type localFlags struct {
	DB string `help:"Local cache database path." default:"card-stats.db" env:"CARD_STATS_DB" type:"path"`
}

func (f localFlags) open(logger *slog.Logger) (*localdb.BoltDB, error) {
	db := localdb.NewBoltDB(localdb.WithLogger(logger))
	if err := db.Open(f.DB); err != nil {
		return nil, fmt.Errorf("opening local cache: %w", err)
	}
	return db, nil
}

type originFlags struct {
	OriginURL     string `help:"Origin site base URL." default:"${origin_url}" env:"CARD_STATS_ORIGIN_URL"`
	CSRFToken     string `help:"CSRF token sent with origin requests." env:"CARD_STATS_CSRF_TOKEN"`
	MaxConcurrent int    `help:"Scrape sequences allowed at once." default:"5" env:"CARD_STATS_MAX_CONCURRENT"`
}

func (f originFlags) resolver(db *localdb.BoltDB, logger *slog.Logger) *resolver.Resolver {
	fetcher := origin.NewFetcher(
		origin.WithBaseURL(f.OriginURL),
		origin.WithCSRFToken(f.CSRFToken),
		origin.WithLogger(logger),
	)

	gc := gate.DefaultConfig()
	gc.MaxActive = f.MaxConcurrent
	gc.Logger = logger

	cfg := resolver.DefaultConfig()
	cfg.Logger = logger
	return resolver.New(db, fetcher, cfg, resolver.WithGate(gate.New(gc)))
}

type syncFlags struct {
	SyncURL   string `help:"Sync server base URL." required:"" env:"CARD_STATS_SYNC_URL"`
	SyncToken string `help:"Bearer token for the sync server." env:"CARD_STATS_SYNC_TOKEN"`
}

func (f syncFlags) client() *syncer.Client {
	return syncer.NewClient(f.SyncURL,
		syncer.WithToken(f.SyncToken),
		syncer.WithVersion(version),
	)
}

func (f syncFlags) gateway(db *localdb.BoltDB, logger *slog.Logger) *syncer.Gateway {
	cfg := syncer.DefaultConfig()
	cfg.Logger = logger
	return syncer.NewGateway(f.client(), db, cfg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ServeCmd runs the sync server.
type ServeCmd struct {
	Address              string        `help:"Address to listen on." default:":8080" env:"CARD_STATS_ADDRESS"`
	Store                string        `help:"Remote store DSN (bolt://, sqlite://, postgres://). Defaults to ${default_dsn}." env:"CARD_STATS_STORE_DSN"`
	AuthToken            string        `help:"Require this bearer token on sync routes." env:"CARD_STATS_AUTH_TOKEN"`
	MaxBodyBytes         int64         `help:"Maximum request body size." default:"102400" env:"CARD_STATS_MAX_BODY_BYTES"`
	PullAllMaxLimit      int           `help:"Maximum page size of /sync/pull-all." default:"10000" env:"CARD_STATS_PULL_ALL_MAX_LIMIT"`
	PullAllCacheTTL      time.Duration `help:"How long the first pull-all page is cached." default:"5m" env:"CARD_STATS_PULL_ALL_CACHE_TTL"`
	PruneInterval        time.Duration `help:"How often expired entries are pruned." default:"1h" env:"CARD_STATS_PRUNE_INTERVAL"`
	OTLPEndpoint         string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"CARD_STATS_OTLP_ENDPOINT"`
	Prometheus           bool          `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:"" env:"CARD_STATS_PROMETHEUS"`
	MetricsFlushInterval time.Duration `help:"OTLP export interval." default:"10s" env:"CARD_STATS_METRICS_FLUSH_INTERVAL"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	logger := g.logger

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "card-stats",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
		FlushInterval:    c.MetricsFlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:         c.Address,
		StoreDSN:        c.Store,
		AuthToken:       c.AuthToken,
		MaxBodyBytes:    c.MaxBodyBytes,
		PullAllMaxLimit: c.PullAllMaxLimit,
		PullAllCacheTTL: c.PullAllCacheTTL,
		PruneInterval:   c.PruneInterval,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"store", redactDSN(cmp.Or(c.Store, server.DefaultStoreDSN)),
		"auth", c.AuthToken != "",
		"prometheus", c.Prometheus,
		"otlp_endpoint", c.OTLPEndpoint,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, srv.Shutdown(shutdownCtx))
}

// redactDSN hides the password of a DSN for logging.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}

// AgentCmd keeps the local cache in sync until interrupted.
type AgentCmd struct {
	Local localFlags `embed:""`
	Sync  syncFlags  `embed:""`

	PushInterval   time.Duration `help:"How often local changes are pushed." default:"2h" env:"CARD_STATS_PUSH_INTERVAL"`
	PullInterval   time.Duration `help:"How often stale cards are pulled." default:"24h" env:"CARD_STATS_PULL_INTERVAL"`
	AutoPushCheck  time.Duration `help:"How often the pending count is checked against the auto-push threshold. Zero disables." default:"1m" env:"CARD_STATS_AUTO_PUSH_CHECK"`
	PullAllOnStart bool          `help:"Pull every recent entry before starting." env:"CARD_STATS_PULL_ALL_ON_START"`
}

func (c *AgentCmd) Run(ctx context.Context, g *Globals) error {
	logger := g.logger

	db, err := c.Local.open(logger)
	if err != nil {
		return err
	}
	defer db.Close()

	gw := c.Sync.gateway(db, logger)

	if c.PullAllOnStart {
		res, err := gw.PullAll(ctx)
		if err != nil {
			return fmt.Errorf("initial pull: %w", err)
		}
		logger.Info("initial pull complete", "received", res.Received, "updated", res.Updated)
	}

	mgr := syncer.NewManager(gw, syncer.ManagerConfig{
		PushInterval: c.PushInterval,
		PullInterval: c.PullInterval,
		Logger:       logger,
	})
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting sync manager: %w", err)
	}
	defer mgr.Stop()

	var checkC <-chan time.Time
	if c.AutoPushCheck > 0 {
		t := time.NewTicker(c.AutoPushCheck)
		defer t.Stop()
		checkC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("agent stopping")
			return nil
		case <-checkC:
			pushed, res, err := gw.CheckAutoPush(ctx)
			if err != nil {
				logger.Error("auto push failed", "error", err)
				continue
			}
			if pushed {
				logger.Info("auto push", "pending", res.Pending, "processed", res.Processed, "failed_batches", res.FailedBatches)
			}
		}
	}
}

type countOutput struct {
	CardID int              `json:"card_id"`
	Metric cardstats.Metric `json:"metric"`
	resolver.Result
}

// CountCmd resolves counts for one or more cards.
type CountCmd struct {
	Local  localFlags  `embed:""`
	Origin originFlags `embed:""`

	Metric  string        `arg:"" enum:"wishlist,owners" help:"Metric to resolve (wishlist, owners)."`
	CardIDs []int         `arg:"" name:"card-id" help:"Card IDs."`
	Retries int           `help:"Sequence restarts after a failed first page." default:"2"`
	Force   bool          `help:"Skip the cache and scrape."`
	Wait    time.Duration `help:"Wait up to this long for background refreshes before exiting. Zero drops them." default:"30s"`
}

func (c *CountCmd) Run(ctx context.Context, g *Globals, stdout io.Writer) error {
	m, err := cardstats.ParseMetric(c.Metric)
	if err != nil {
		return err
	}

	db, err := c.Local.open(g.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	r := c.Origin.resolver(db, g.logger)
	defer r.Close()

	opts := []resolver.GetOption{resolver.WithRetries(c.Retries)}
	if c.Force {
		opts = append(opts, resolver.WithForceNetwork())
	}

	out := make([]countOutput, len(c.CardIDs))
	var eg errgroup.Group
	for i, id := range c.CardIDs {
		eg.Go(func() error {
			out[i] = countOutput{CardID: id, Metric: m, Result: r.Get(ctx, m, id, opts...)}
			return nil
		})
	}
	_ = eg.Wait()

	waitForRefreshes(ctx, r.Scheduler(), c.Wait, g.logger)
	return writeJSON(stdout, out)
}

// waitForRefreshes gives scheduled stale and anomaly refreshes up to wait to
// finish. Whatever is still pending is dropped when the resolver closes.
func waitForRefreshes(ctx context.Context, s *refresh.Scheduler, wait time.Duration, logger *slog.Logger) {
	if wait <= 0 {
		if n := s.Len(); n > 0 {
			logger.Info("dropping background refreshes", "pending", n)
		}
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if s.Wait(waitCtx) != nil {
		logger.Info("background refreshes did not finish, dropping", "pending", s.Len(), "wait", wait)
	}
}

// RefreshCmd drops and re-scrapes both counts of a card.
type RefreshCmd struct {
	Local  localFlags  `embed:""`
	Origin originFlags `embed:""`

	CardID int `arg:"" name:"card-id" help:"Card ID."`
}

func (c *RefreshCmd) Run(ctx context.Context, g *Globals, stdout io.Writer) error {
	db, err := c.Local.open(g.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	r := c.Origin.resolver(db, g.logger)
	defer r.Close()

	counts, err := r.ForceRefresh(ctx, c.CardID)
	if err != nil {
		return fmt.Errorf("refreshing card %d: %w", c.CardID, err)
	}
	return writeJSON(stdout, struct {
		CardID int `json:"card_id"`
		*resolver.Counts
	}{c.CardID, counts})
}

// SyncCmd runs one sync with the sync server.
type SyncCmd struct {
	Local localFlags `embed:""`
	Sync  syncFlags  `embed:""`

	PushOnly bool `help:"Only push local changes." xor:"mode"`
	PullAll  bool `help:"Pull every recent entry from the server." xor:"mode"`
	Stale    bool `help:"Pull only stale and missing local cards." xor:"mode"`
	Status   bool `help:"Print server health and stats." xor:"mode"`
}

func (c *SyncCmd) Run(ctx context.Context, g *Globals, stdout io.Writer) error {
	if c.Status {
		client := c.Sync.client()
		health, err := client.Health(ctx)
		if err != nil {
			return fmt.Errorf("health: %w", err)
		}
		stats, err := client.Stats(ctx)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		return writeJSON(stdout, struct {
			Health cardstats.HealthResponse `json:"health"`
			Stats  cardstats.Stats          `json:"stats"`
		}{health, stats})
	}

	db, err := c.Local.open(g.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	gw := c.Sync.gateway(db, g.logger)

	var res any
	switch {
	case c.PushOnly:
		res, err = gw.Push(ctx)
	case c.PullAll:
		res, err = gw.PullAll(ctx)
	case c.Stale:
		res, err = gw.PullStale(ctx)
	default:
		res, err = gw.TriggerSync(ctx)
	}
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return writeJSON(stdout, res)
}

// ClearCmd wipes the local cache.
type ClearCmd struct {
	Local localFlags `embed:""`
}

func (c *ClearCmd) Run(ctx context.Context, g *Globals) error {
	db, err := c.Local.open(g.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	r := resolver.New(db, origin.NewFetcher(), resolver.Config{Logger: g.logger})
	defer r.Close()

	if err := r.Clear(ctx); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	g.logger.Info("local cache cleared", "path", c.Local.DB)
	return nil
}

// DumpsCmd prints the pages saved for review under a cache key.
type DumpsCmd struct {
	Local localFlags `embed:""`

	Metric string `arg:"" enum:"wishlist,owners" help:"Metric (wishlist, owners)."`
	CardID int    `arg:"" name:"card-id" help:"Card ID."`
}

func (c *DumpsCmd) Run(ctx context.Context, g *Globals, stdout io.Writer) error {
	m, err := cardstats.ParseMetric(c.Metric)
	if err != nil {
		return err
	}

	db, err := c.Local.open(g.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	r := resolver.New(db, origin.NewFetcher(), resolver.Config{Logger: g.logger})
	defer r.Close()

	dumps, err := r.DebugDumps(ctx, m, c.CardID)
	if err != nil {
		return fmt.Errorf("listing dumps: %w", err)
	}
	return writeJSON(stdout, dumps)
}
