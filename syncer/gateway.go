package syncer

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/store"
	"github.com/wolfeidau/card-stats/telemetry"
)

// Config holds gateway configuration.
type Config struct {
	// PushBatchSize is the number of entries per push request.
	PushBatchSize int

	// PullBatchSize is the number of card IDs per pull request.
	PullBatchSize int

	// PullAllPageSize is the page size of a full pull.
	PullAllPageSize int

	// MaxPullAge rejects pulled entries older than this.
	MaxPullAge time.Duration

	// AutoPushThreshold is the pending entry count that triggers CheckAutoPush.
	AutoPushThreshold int

	// StalePullLimit caps the number of cards pulled by PullStale.
	StalePullLimit int

	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		PushBatchSize:     100,
		PullBatchSize:     500,
		PullAllPageSize:   1000,
		MaxPullAge:        30 * 24 * time.Hour,
		AutoPushThreshold: 50,
		StalePullLimit:    200,
		Logger:            slog.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = d.PushBatchSize
	}
	if c.PullBatchSize <= 0 {
		c.PullBatchSize = d.PullBatchSize
	}
	if c.PullAllPageSize <= 0 {
		c.PullAllPageSize = d.PullAllPageSize
	}
	if c.MaxPullAge <= 0 {
		c.MaxPullAge = d.MaxPullAge
	}
	if c.AutoPushThreshold <= 0 {
		c.AutoPushThreshold = d.AutoPushThreshold
	}
	if c.StalePullLimit <= 0 {
		c.StalePullLimit = d.StalePullLimit
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// PushResult summarises a push run.
type PushResult struct {
	Pending       int   `json:"pending"`
	Batches       int   `json:"batches"`
	FailedBatches int   `json:"failed_batches"`
	Processed     int   `json:"processed"`
	Skipped       int   `json:"skipped"`
	Watermark     int64 `json:"watermark"`
}

// PullResult summarises a pull run.
type PullResult struct {
	Requested     int `json:"requested"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
	Received      int `json:"received"`
	Updated       int `json:"updated"`
	Skipped       int `json:"skipped"`
	TooOld        int `json:"too_old"`
	Invalid       int `json:"invalid"`
}

func (r *PullResult) add(o PullResult) {
	r.Received += o.Received
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.TooOld += o.TooOld
	r.Invalid += o.Invalid
}

// SyncResult is the outcome of TriggerSync.
type SyncResult struct {
	Push PushResult `json:"push"`
	Pull PullResult `json:"pull"`
}

// Gateway moves entries between the local store and the sync server. Entries
// are compared by timestamp on both sides so every operation is idempotent.
type Gateway struct {
	remote Remote
	store  store.Store
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithNow overrides the clock.
func WithNow(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		g.now = now
	}
}

// NewGateway creates a gateway.
func NewGateway(remote Remote, st store.Store, cfg Config, opts ...GatewayOption) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		remote: remote,
		store:  st,
		config: cfg,
		logger: cfg.Logger.With("component", "sync"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// pending returns entries newer than the watermark, oldest first.
func (g *Gateway) pending(ctx context.Context) ([]cardstats.RemoteEntry, int64, error) {
	watermark, err := g.store.GetWatermark(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("reading watermark: %w", err)
	}
	entries, err := g.store.ListEntries(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("listing entries: %w", err)
	}

	var out []cardstats.RemoteEntry
	for _, ke := range entries {
		if !cardstats.IsEntryKey(ke.Key) || ke.Entry.Timestamp <= watermark {
			continue
		}
		out = append(out, ke.Entry.Remote(ke.Key))
	}
	slices.SortFunc(out, func(a, b cardstats.RemoteEntry) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), cmp.Compare(a.Key, b.Key))
	})
	return out, watermark, nil
}

// Pending returns the number of entries a push would send.
func (g *Gateway) Pending(ctx context.Context) (int, error) {
	entries, _, err := g.pending(ctx)
	return len(entries), err
}

// Push sends every entry newer than the watermark in batches. A failed batch
// is logged and the rest are still sent. The watermark only moves past
// entries whose batch and every earlier batch succeeded, so a failed batch
// is retried on the next push.
func (g *Gateway) Push(ctx context.Context) (PushResult, error) {
	entries, watermark, err := g.pending(ctx)
	if err != nil {
		return PushResult{}, err
	}

	result := PushResult{Pending: len(entries), Watermark: watermark}
	if len(entries) == 0 {
		g.logger.Debug("no new entries to push", "watermark", watermark)
		return result, nil
	}

	g.logger.Info("pushing entries", "pending", len(entries), "watermark", watermark)

	next := watermark
	prefixOK := true
	for batch := range slices.Chunk(entries, g.config.PushBatchSize) {
		result.Batches++
		resp, err := g.remote.Push(ctx, batch)
		if err != nil {
			result.FailedBatches++
			telemetry.RecordSyncBatch(ctx, "push", "error", len(batch))
			g.logger.Warn("push batch failed",
				"batch", result.Batches,
				"entries", len(batch),
				"error", err,
			)
			if prefixOK {
				// Entries sharing the first timestamp of this batch may sit in
				// the previous batch; stay strictly below it.
				next = min(next, batch[0].Timestamp-1)
				next = max(next, watermark)
				prefixOK = false
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}

		result.Processed += resp.Processed
		result.Skipped += resp.Skipped
		telemetry.RecordSyncBatch(ctx, "push", "ok", len(batch))
		telemetry.RecordSyncEntries(ctx, "push", "processed", resp.Processed)
		telemetry.RecordSyncEntries(ctx, "push", "skipped", resp.Skipped)
		if prefixOK {
			next = max(next, batch[len(batch)-1].Timestamp)
		}
	}

	if next > watermark {
		if err := g.store.SetWatermark(ctx, next); err != nil {
			return result, fmt.Errorf("storing watermark: %w", err)
		}
		result.Watermark = next
	}

	g.logger.Info("push complete",
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed_batches", result.FailedBatches,
		"watermark", result.Watermark,
	)
	return result, nil
}

// CheckAutoPush pushes when at least AutoPushThreshold entries are pending.
func (g *Gateway) CheckAutoPush(ctx context.Context) (bool, PushResult, error) {
	n, err := g.Pending(ctx)
	if err != nil {
		return false, PushResult{}, err
	}
	if n < g.config.AutoPushThreshold {
		return false, PushResult{Pending: n}, nil
	}
	g.logger.Info("auto push", "pending", n, "threshold", g.config.AutoPushThreshold)
	result, err := g.Push(ctx)
	return true, result, err
}

// PullIDs fetches the entries of the given cards and stores those newer than
// the local copy. A failed batch is logged and skipped.
func (g *Gateway) PullIDs(ctx context.Context, cardIDs []int) (PullResult, error) {
	ids := slices.Clone(cardIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	result := PullResult{Requested: len(ids)}
	if len(ids) == 0 {
		return result, nil
	}

	for batch := range slices.Chunk(ids, g.config.PullBatchSize) {
		result.Batches++
		entries, err := g.remote.Pull(ctx, batch)
		if err != nil {
			result.FailedBatches++
			telemetry.RecordSyncBatch(ctx, "pull", "error", len(batch))
			g.logger.Warn("pull batch failed", "batch", result.Batches, "ids", len(batch), "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		telemetry.RecordSyncBatch(ctx, "pull", "ok", len(batch))

		applied, err := g.apply(ctx, "pull", entries)
		result.add(applied)
		if err != nil {
			return result, err
		}
	}

	g.logPull("pull complete", result)
	return result, nil
}

// PullAll pages through the whole server table until a short page.
func (g *Gateway) PullAll(ctx context.Context) (PullResult, error) {
	var result PullResult
	offset := 0
	for {
		result.Batches++
		page, err := g.remote.PullAll(ctx, g.config.PullAllPageSize, offset)
		if err != nil {
			result.FailedBatches++
			telemetry.RecordSyncBatch(ctx, "pull_all", "error", 0)
			g.logger.Warn("pull all page failed", "offset", offset, "error", err)
			return result, fmt.Errorf("pull all at offset %d: %w", offset, err)
		}
		telemetry.RecordSyncBatch(ctx, "pull_all", "ok", len(page.Entries))

		applied, err := g.apply(ctx, "pull_all", page.Entries)
		result.add(applied)
		if err != nil {
			return result, err
		}

		if len(page.Entries) < g.config.PullAllPageSize {
			break
		}
		offset += len(page.Entries)
	}

	g.logPull("pull all complete", result)
	return result, nil
}

// PullStale pulls the cards whose local entries are past their TTL, at most
// StalePullLimit of them.
func (g *Gateway) PullStale(ctx context.Context) (PullResult, error) {
	entries, err := g.store.ListEntries(ctx)
	if err != nil {
		return PullResult{}, fmt.Errorf("listing entries: %w", err)
	}

	now := g.now()
	seen := make(map[int]struct{})
	var ids []int
	for _, ke := range entries {
		m, id, err := cardstats.ParseKey(ke.Key)
		if err != nil || !ke.Entry.IsStale(m, now) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
		if len(ids) >= g.config.StalePullLimit {
			break
		}
	}

	if len(ids) == 0 {
		g.logger.Debug("no stale cards to pull")
		return PullResult{}, nil
	}
	return g.PullIDs(ctx, ids)
}

// TriggerSync pushes local changes, then pulls every locally known card.
func (g *Gateway) TriggerSync(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	push, err := g.Push(ctx)
	result.Push = push
	if err != nil {
		return result, fmt.Errorf("push: %w", err)
	}

	ids, err := g.LocalIDs(ctx)
	if err != nil {
		return result, err
	}
	pull, err := g.PullIDs(ctx, ids)
	result.Pull = pull
	if err != nil {
		return result, fmt.Errorf("pull: %w", err)
	}
	return result, nil
}

// LocalIDs returns every card ID with a local entry, ascending.
func (g *Gateway) LocalIDs(ctx context.Context) ([]int, error) {
	entries, err := g.store.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	ids := make([]int, 0, len(entries))
	for _, ke := range entries {
		if _, id, err := cardstats.ParseKey(ke.Key); err == nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// apply stores pulled entries that are valid, young enough and newer than
// the local copy. Pulled entries carry no TTL and use the policy default.
func (g *Gateway) apply(ctx context.Context, op string, entries []cardstats.RemoteEntry) (PullResult, error) {
	result := PullResult{Received: len(entries)}
	now := g.now()
	for _, re := range entries {
		if !cardstats.IsEntryKey(re.Key) || re.Count < 0 || re.Timestamp <= 0 {
			result.Invalid++
			continue
		}
		if now.Sub(time.UnixMilli(re.Timestamp)) > g.config.MaxPullAge {
			result.TooOld++
			continue
		}
		written, err := g.store.PutEntryIfNewer(ctx, re.Key, re.Entry())
		if err != nil {
			return result, fmt.Errorf("storing %s: %w", re.Key, err)
		}
		if written {
			result.Updated++
		} else {
			result.Skipped++
		}
	}

	telemetry.RecordSyncEntries(ctx, op, "updated", result.Updated)
	telemetry.RecordSyncEntries(ctx, op, "skipped", result.Skipped)
	telemetry.RecordSyncEntries(ctx, op, "too_old", result.TooOld)
	telemetry.RecordSyncEntries(ctx, op, "invalid", result.Invalid)
	return result, nil
}

func (g *Gateway) logPull(msg string, r PullResult) {
	if r.TooOld > 0 {
		g.logger.Info("rejected old entries", "too_old", r.TooOld)
	}
	g.logger.Info(msg,
		"updated", r.Updated,
		"skipped", r.Skipped,
		"failed_batches", r.FailedBatches,
	)
}
