// Package store defines the durable key-value store that backs the card count
// cache. It is the only persistent state of the resolver and sync gateway.
package store

import (
	"context"
	"errors"

	cardstats "github.com/wolfeidau/card-stats"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("store: not found")

const (
	// MaxDebugDumps is the number of debug dumps retained per cache key.
	MaxDebugDumps = 5

	// MaxSnippetSize is the maximum number of bytes of page markup kept in a dump.
	MaxSnippetSize = 5000
)

// KeyedEntry pairs a cache entry with its key.
type KeyedEntry struct {
	Key   string
	Entry cardstats.Entry
}

// DebugDump records a suspicious origin response for later analysis.
type DebugDump struct {
	Page      int              `json:"page"`
	Timestamp int64            `json:"ts"`
	Length    int              `json:"len"`
	Reason    string           `json:"reason"`
	Snippet   string           `json:"snippet"`
	Digest    cardstats.Digest `json:"digest"`
}

// Store is an asynchronous, crash-durable map from cache keys to entries plus
// the bookkeeping values (failure counters, sync watermark, debug dumps).
// Implementations must be safe for concurrent use.
type Store interface {
	// GetEntry returns the entry for key or ErrNotFound.
	GetEntry(ctx context.Context, key string) (cardstats.Entry, error)

	// PutEntry writes an entry unconditionally.
	PutEntry(ctx context.Context, key string, e cardstats.Entry) error

	// PutEntryIfNewer writes e only when no entry exists for key or the stored
	// entry has an older timestamp. It reports whether the write happened.
	PutEntryIfNewer(ctx context.Context, key string, e cardstats.Entry) (bool, error)

	// DeleteEntries removes entries; missing keys are ignored.
	DeleteEntries(ctx context.Context, keys ...string) error

	// ListEntries returns every cache entry in key order.
	ListEntries(ctx context.Context) ([]KeyedEntry, error)

	// GetFailures returns the anomaly failure counter for a cache key, 0 if unset.
	GetFailures(ctx context.Context, cacheKey string) (int, error)

	// SetFailures stores the anomaly failure counter for a cache key.
	SetFailures(ctx context.Context, cacheKey string, n int) error

	// DeleteFailures removes failure counters; missing keys are ignored.
	DeleteFailures(ctx context.Context, cacheKeys ...string) error

	// GetWatermark returns the last successful push watermark, 0 if unset.
	GetWatermark(ctx context.Context) (int64, error)

	// SetWatermark stores the push watermark.
	SetWatermark(ctx context.Context, ts int64) error

	// AppendDebugDump records a dump, keeping the MaxDebugDumps most recent.
	AppendDebugDump(ctx context.Context, cacheKey string, d DebugDump) error

	// ListDebugDumps returns dumps for a cache key, oldest first.
	ListDebugDumps(ctx context.Context, cacheKey string) ([]DebugDump, error)

	// Clear wipes all entries, counters, the watermark and dumps.
	Clear(ctx context.Context) error

	// Close releases resources.
	Close() error
}
