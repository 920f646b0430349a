package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/origin"
	"github.com/wolfeidau/card-stats/store"
	"github.com/wolfeidau/card-stats/telemetry"
)

// Dump reasons.
const (
	reasonNoResponse    = "no_response_page1"
	reasonShortPage1    = "short_response_page1"
	reasonShortLastPage = "short_response_last_page"
	reasonOwnersZero    = "owners_zero_page1"
	reasonAnomaly       = "owners_zero_detected"
)

// resolve runs scrape sequences until one completes or retries run out,
// then applies the owners anomaly rule and writes the result back.
func (r *Resolver) resolve(ctx context.Context, m cardstats.Metric, cardID, retries int) Result {
	key := cardstats.Key(m, cardID)
	start := time.Now()

	var total int
	for {
		n, err := r.scrape(ctx, m, cardID)
		if err == nil {
			total = n
			break
		}
		if ctx.Err() != nil {
			telemetry.RecordScrape(ctx, string(m), telemetry.ScrapeDegraded, time.Since(start))
			return r.degraded()
		}
		if retries > 0 {
			retries--
			r.logger.Warn("scrape failed, retrying", "key", key, "retries_left", retries, "error", err)
			continue
		}
		r.logger.Error("scrape failed, returning zero", "key", key, "error", err)
		telemetry.RecordScrape(ctx, string(m), telemetry.ScrapeFailed, time.Since(start))
		return r.degraded()
	}

	if m == cardstats.MetricOwners && total == 0 {
		telemetry.RecordScrape(ctx, string(m), telemetry.ScrapeAnomaly, time.Since(start))
		return r.handleAnomaly(ctx, m, cardID)
	}

	now := r.now()
	entry := cardstats.NewEntry(m, total, now)
	if _, err := r.store.PutEntryIfNewer(ctx, key, entry); err != nil {
		r.logger.Error("writing cache entry", "key", key, "error", err)
	}
	if err := r.store.SetFailures(ctx, key, 0); err != nil {
		r.logger.Warn("resetting failure counter", "key", key, "error", err)
	}

	telemetry.RecordScrape(ctx, string(m), telemetry.ScrapeOK, time.Since(start))
	r.logger.Debug("resolved count", "key", key, "count", total)
	return Result{Count: total, Timestamp: entry.Timestamp}
}

// scrape performs one sequence: page 1, then the last page when paginated.
// The returned error is set only when page 1 could not be fetched; a missing
// card counts as zero and a failed last page degrades the total to zero.
func (r *Resolver) scrape(ctx context.Context, m cardstats.Metric, cardID int) (int, error) {
	key := cardstats.Key(m, cardID)

	if err := r.gate.Acquire(ctx); err != nil {
		return 0, err
	}
	defer r.gate.Release()

	warmup := r.config.WarmupMin
	if span := r.config.WarmupMax - r.config.WarmupMin; span > 0 {
		warmup += r.jitter(span)
	}
	if err := r.sleep(ctx, warmup); err != nil {
		return 0, err
	}

	body, err := r.fetcher.FetchPage(ctx, m, cardID, 1)
	if errors.Is(err, origin.ErrNotFound) {
		r.logger.Info("card not found, count is zero", "key", key)
		return 0, nil
	}
	if err != nil {
		r.dump(ctx, key, 1, nil, reasonNoResponse)
		return 0, fmt.Errorf("fetching page 1: %w", err)
	}
	if len(body) < r.config.ShortResponseSize {
		r.dump(ctx, key, 1, body, reasonShortPage1)
	}

	first, err := r.parse(body, m)
	if err != nil {
		return 0, fmt.Errorf("parsing page 1: %w", err)
	}
	if m == cardstats.MetricOwners && first.Items == 0 {
		r.dump(ctx, key, 1, body, reasonOwnersZero)
	}
	if first.LastPage <= 1 {
		return first.Items, nil
	}

	if err := r.sleep(ctx, r.config.PageDelay); err != nil {
		return 0, err
	}

	lastBody, err := r.fetcher.FetchPage(ctx, m, cardID, first.LastPage)
	if err != nil {
		r.logger.Warn("last page fetch failed, total is zero", "key", key, "page", first.LastPage, "error", err)
		return 0, nil
	}
	if len(lastBody) < r.config.ShortResponseSize {
		r.dump(ctx, key, first.LastPage, lastBody, reasonShortLastPage)
	}
	last, err := r.parse(lastBody, m)
	if err != nil {
		r.logger.Warn("last page parse failed, total is zero", "key", key, "page", first.LastPage, "error", err)
		return 0, nil
	}

	total := origin.Total(first.Items, first.LastPage, last.Items)
	if m == cardstats.MetricOwners && total == 0 {
		r.dump(ctx, key, first.LastPage, lastBody, reasonAnomaly)
	}
	return total, nil
}

// handleAnomaly keeps the last known owners count, bumps the failure counter
// and schedules a backoff retry while the counter is within bounds.
func (r *Resolver) handleAnomaly(ctx context.Context, m cardstats.Metric, cardID int) Result {
	key := cardstats.Key(m, cardID)

	fails, err := r.store.GetFailures(ctx, key)
	if err != nil {
		r.logger.Warn("reading failure counter", "key", key, "error", err)
	}
	fails++
	if err := r.store.SetFailures(ctx, key, fails); err != nil {
		r.logger.Warn("writing failure counter", "key", key, "error", err)
	}

	if fails <= r.config.MaxAnomalyRetries {
		delay := AnomalyDelay(fails, r.config.AnomalyBaseDelay, r.config.AnomalyMaxDelay)
		r.logger.Warn("owners count is zero, treating as transient",
			"key", key, "failures", fails, "retry_in", delay)
		scheduled := r.scheduler.Schedule(key, delay, func(ctx context.Context) {
			r.Get(ctx, m, cardID, WithForceNetwork(), WithRetries(0))
		})
		telemetry.RecordAnomalyRetry(ctx, string(m), scheduled)
	} else {
		r.logger.Error("owners count still zero, automatic retries stopped",
			"key", key, "failures", fails)
		telemetry.RecordAnomalyRetry(ctx, string(m), false)
	}

	if e, err := r.store.GetEntry(ctx, key); err == nil {
		return Result{Count: e.Count, Timestamp: e.Timestamp}
	}
	return r.degraded()
}

func (r *Resolver) dump(ctx context.Context, key string, page int, body []byte, reason string) {
	d := store.DebugDump{
		Page:      page,
		Timestamp: cardstats.Millis(r.now()),
		Length:    len(body),
		Reason:    reason,
		Snippet:   string(body),
	}
	if err := r.store.AppendDebugDump(ctx, key, d); err != nil {
		r.logger.Warn("saving debug dump", "key", key, "reason", reason, "error", err)
	}
}
