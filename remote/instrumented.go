package remote

import (
	"context"
	"time"

	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/telemetry"
)

// Instrumented wraps a Store with metrics recording.
type Instrumented struct {
	store Store
	name  string
}

// NewInstrumented creates a new instrumented store wrapper. name labels the
// backend in metrics.
func NewInstrumented(s Store, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

// Backend returns the backend label.
func (is *Instrumented) Backend() string {
	return is.name
}

func (is *Instrumented) Upsert(ctx context.Context, entries []cardstats.RemoteEntry) (int, int, error) {
	start := time.Now()
	processed, skipped, err := is.store.Upsert(ctx, entries)
	telemetry.RecordRemoteOp(ctx, is.name, "upsert", telemetry.Outcome(err), time.Since(start))
	return processed, skipped, err
}

func (is *Instrumented) Get(ctx context.Context, keys []string) ([]cardstats.RemoteEntry, error) {
	start := time.Now()
	entries, err := is.store.Get(ctx, keys)
	telemetry.RecordRemoteOp(ctx, is.name, "get", telemetry.Outcome(err), time.Since(start))
	return entries, err
}

func (is *Instrumented) List(ctx context.Context, since int64, limit, offset int) ([]cardstats.RemoteEntry, error) {
	start := time.Now()
	entries, err := is.store.List(ctx, since, limit, offset)
	telemetry.RecordRemoteOp(ctx, is.name, "list", telemetry.Outcome(err), time.Since(start))
	return entries, err
}

func (is *Instrumented) Count(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := is.store.Count(ctx)
	telemetry.RecordRemoteOp(ctx, is.name, "count", telemetry.Outcome(err), time.Since(start))
	return n, err
}

func (is *Instrumented) Prune(ctx context.Context, before int64) (int64, error) {
	start := time.Now()
	n, err := is.store.Prune(ctx, before)
	elapsed := time.Since(start)
	telemetry.RecordRemoteOp(ctx, is.name, "prune", telemetry.Outcome(err), elapsed)
	if err == nil {
		telemetry.RecordPrune(ctx, is.name, n, elapsed)
	}
	return n, err
}

func (is *Instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := is.store.Ping(ctx)
	telemetry.RecordRemoteOp(ctx, is.name, "ping", telemetry.Outcome(err), time.Since(start))
	return err
}

func (is *Instrumented) Close() error {
	return is.store.Close()
}
