// Package localdb keeps a client's counts, failure records, sync watermark
// and debug dumps in a single bbolt file.
package localdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/card-stats/store"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

var _ store.Store = (*BoltDB)(nil)

// DefaultLockTimeout is how long Open waits for another process (usually a
// running agent) to release the file.
const DefaultLockTimeout = time.Second

// BoltDB is the local cache. Create it with NewBoltDB and call Open.
type BoltDB struct {
	db     *bbolt.DB
	codec  *DumpCodec
	logger *slog.Logger

	lockTimeout time.Duration
	noSync      bool
}

type BoltDBOption func(*BoltDB)

func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) { b.logger = logger }
}

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) BoltDBOption {
	return func(b *BoltDB) { b.lockTimeout = d }
}

// WithNoSync skips fsync on commit. Tests only: a crash can lose writes.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) { b.noSync = noSync }
}

func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{logger: slog.Default(), lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens or creates the cache file at path.
func (b *BoltDB) Open(path string) error {
	codec, err := NewDumpCodec()
	if err != nil {
		return fmt.Errorf("creating dump codec: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: b.lockTimeout, NoSync: b.noSync})
	if errors.Is(err, berrors.ErrTimeout) {
		codec.Close()
		return fmt.Errorf("local cache %s is locked by another process: %w", path, err)
	}
	if err != nil {
		codec.Close()
		return fmt.Errorf("opening local cache: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error { return ensureBuckets(tx, false) }); err != nil {
		codec.Close()
		_ = db.Close()
		return err
	}

	b.db, b.codec = db, codec
	b.logger.Debug("local cache opened", "path", path)
	return nil
}

// ensureBuckets creates any missing bucket, emptying existing ones first when
// reset is set.
func ensureBuckets(tx *bbolt.Tx, reset bool) error {
	for _, name := range allBuckets {
		if reset && tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("dropping bucket %s: %w", name, err)
			}
		}
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("creating bucket %s: %w", name, err)
		}
	}
	return nil
}

// Close is safe to call on a BoltDB that was never opened.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Clear drops every count, failure record, watermark and dump.
func (b *BoltDB) Clear(_ context.Context) error {
	if err := b.db.Update(func(tx *bbolt.Tx) error { return ensureBuckets(tx, true) }); err != nil {
		return err
	}
	b.logger.Info("local cache cleared")
	return nil
}
