package localdb

import (
	"context"
	"encoding/json"
	"fmt"

	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/store"
	"go.etcd.io/bbolt"
)

// GetEntry retrieves a cache entry.
func (b *BoltDB) GetEntry(_ context.Context, key string) (cardstats.Entry, error) {
	var e cardstats.Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return errBucketMissing
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return cardstats.Entry{}, err
	}
	return e, nil
}

// PutEntry stores a cache entry.
func (b *BoltDB) PutEntry(_ context.Context, key string, e cardstats.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return errBucketMissing
		}
		return bucket.Put([]byte(key), data)
	})
}

// PutEntryIfNewer stores e unless an entry with the same or a newer timestamp
// already exists. The read and write happen in one transaction.
func (b *BoltDB) PutEntryIfNewer(_ context.Context, key string, e cardstats.Entry) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshaling entry: %w", err)
	}

	written := false
	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return errBucketMissing
		}
		if existing := bucket.Get([]byte(key)); existing != nil {
			var cur cardstats.Entry
			if err := json.Unmarshal(existing, &cur); err == nil && cur.Timestamp >= e.Timestamp {
				return nil
			}
		}
		written = true
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

// DeleteEntries removes cache entries.
func (b *BoltDB) DeleteEntries(_ context.Context, keys ...string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return errBucketMissing
		}
		for _, key := range keys {
			if err := bucket.Delete([]byte(key)); err != nil {
				return fmt.Errorf("deleting %s: %w", key, err)
			}
		}
		return nil
	})
}

// ListEntries returns all cache entries in key order. Undecodable rows are
// skipped and logged.
func (b *BoltDB) ListEntries(_ context.Context) ([]store.KeyedEntry, error) {
	var entries []store.KeyedEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return errBucketMissing
		}
		return bucket.ForEach(func(k, v []byte) error {
			var e cardstats.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				b.logger.Warn("skipping corrupt entry", "key", string(k), "error", err)
				return nil
			}
			entries = append(entries, store.KeyedEntry{Key: string(k), Entry: e})
			return nil
		})
	})
	return entries, err
}

// GetFailures returns the anomaly failure counter for cacheKey.
func (b *BoltDB) GetFailures(_ context.Context, cacheKey string) (int, error) {
	var n int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFailures)
		if bucket == nil {
			return errBucketMissing
		}
		n = decodeInt(bucket.Get([]byte(cardstats.FailureKey(cacheKey))))
		return nil
	})
	return int(n), err
}

// SetFailures stores the anomaly failure counter for cacheKey.
func (b *BoltDB) SetFailures(_ context.Context, cacheKey string, n int) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFailures)
		if bucket == nil {
			return errBucketMissing
		}
		return bucket.Put([]byte(cardstats.FailureKey(cacheKey)), encodeInt(int64(n)))
	})
}

// DeleteFailures removes anomaly failure counters.
func (b *BoltDB) DeleteFailures(_ context.Context, cacheKeys ...string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFailures)
		if bucket == nil {
			return errBucketMissing
		}
		for _, key := range cacheKeys {
			if err := bucket.Delete([]byte(cardstats.FailureKey(key))); err != nil {
				return fmt.Errorf("deleting failures for %s: %w", key, err)
			}
		}
		return nil
	})
}

// GetWatermark returns the last push watermark in milliseconds.
func (b *BoltDB) GetWatermark(_ context.Context) (int64, error) {
	var ts int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return errBucketMissing
		}
		ts = decodeInt(bucket.Get([]byte(cardstats.WatermarkKey)))
		return nil
	})
	return ts, err
}

// SetWatermark stores the push watermark in milliseconds.
func (b *BoltDB) SetWatermark(_ context.Context, ts int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return errBucketMissing
		}
		return bucket.Put([]byte(cardstats.WatermarkKey), encodeInt(ts))
	})
}
