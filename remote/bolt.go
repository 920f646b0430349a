package remote

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	cardstats "github.com/wolfeidau/card-stats"
	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	bucketEntries = []byte("remote_entries") // cache key -> protowire record, see encodeValue
	bucketByTime  = []byte("remote_by_time") // timestamp(8) | cache key -> empty
)

var errBucketMissing = errors.New("bucket not found")

var _ Store = (*Bolt)(nil)

// Bolt is a single file Store for small deployments.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens or creates a bolt backed store at path.
func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, errors.New("remote: bolt path is required")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening remote database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

// Value field numbers. Unknown fields are skipped on decode so records can
// grow without a migration.
const (
	fieldCount     protowire.Number = 1
	fieldTimestamp protowire.Number = 2
)

func encodeValue(count int, ts int64) []byte {
	buf := make([]byte, 0, 16)
	buf = protowire.AppendTag(buf, fieldCount, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(count)) //nolint:gosec // count is validated non-negative
	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(ts)) //nolint:gosec // timestamp is validated positive
	return buf
}

func decodeValue(b []byte) (count int, ts int64, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, 0, fmt.Errorf("decoding value tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType || (num != fieldCount && num != fieldTimestamp) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, 0, fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return 0, 0, fmt.Errorf("decoding field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldCount {
			count = int(v) //nolint:gosec // round-trips through encodeValue
		} else {
			ts = int64(v) //nolint:gosec // round-trips through encodeValue
		}
	}
	return count, ts, nil
}

func timeIndexKey(ts int64, key string) []byte {
	buf := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(buf[:8], uint64(ts)) //nolint:gosec // timestamp is validated positive
	copy(buf[8:], key)
	return buf
}

func splitTimeIndexKey(k []byte) (int64, string) {
	if len(k) < 8 {
		return 0, ""
	}
	return int64(binary.BigEndian.Uint64(k[:8])), string(k[8:]) //nolint:gosec // round-trips through timeIndexKey
}

// Upsert implements Store.
func (b *Bolt) Upsert(_ context.Context, entries []cardstats.RemoteEntry) (processed, skipped int, err error) {
	err = b.db.Update(func(tx *bbolt.Tx) error {
		values := tx.Bucket(bucketEntries)
		index := tx.Bucket(bucketByTime)
		if values == nil || index == nil {
			return errBucketMissing
		}
		for _, e := range entries {
			if Validate(e) != nil {
				skipped++
				continue
			}
			if cur := values.Get([]byte(e.Key)); cur != nil {
				_, curTS, err := decodeValue(cur)
				if err != nil {
					return fmt.Errorf("entry %s: %w", e.Key, err)
				}
				if curTS >= e.Timestamp {
					skipped++
					continue
				}
				if err := index.Delete(timeIndexKey(curTS, e.Key)); err != nil {
					return err
				}
			}
			if err := values.Put([]byte(e.Key), encodeValue(e.Count, e.Timestamp)); err != nil {
				return err
			}
			if err := index.Put(timeIndexKey(e.Timestamp, e.Key), nil); err != nil {
				return err
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return processed, skipped, nil
}

// Get implements Store.
func (b *Bolt) Get(_ context.Context, keys []string) ([]cardstats.RemoteEntry, error) {
	var out []cardstats.RemoteEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		values := tx.Bucket(bucketEntries)
		if values == nil {
			return errBucketMissing
		}
		for _, key := range keys {
			v := values.Get([]byte(key))
			if v == nil {
				continue
			}
			count, ts, err := decodeValue(v)
			if err != nil {
				return fmt.Errorf("entry %s: %w", key, err)
			}
			out = append(out, cardstats.RemoteEntry{Key: key, Count: count, Timestamp: ts})
		}
		return nil
	})
	return out, err
}

// List implements Store. A limit <= 0 returns every matching entry.
func (b *Bolt) List(_ context.Context, since int64, limit, offset int) ([]cardstats.RemoteEntry, error) {
	var out []cardstats.RemoteEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		values := tx.Bucket(bucketEntries)
		index := tx.Bucket(bucketByTime)
		if values == nil || index == nil {
			return errBucketMissing
		}
		skip := offset
		c := index.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			ts, key := splitTimeIndexKey(k)
			if ts <= since {
				break
			}
			if skip > 0 {
				skip--
				continue
			}
			count, _, err := decodeValue(values.Get([]byte(key)))
			if err != nil {
				return fmt.Errorf("entry %s: %w", key, err)
			}
			out = append(out, cardstats.RemoteEntry{Key: key, Count: count, Timestamp: ts})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Count implements Store.
func (b *Bolt) Count(_ context.Context) (int64, error) {
	var n int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		values := tx.Bucket(bucketEntries)
		if values == nil {
			return errBucketMissing
		}
		n = int64(values.Stats().KeyN)
		return nil
	})
	return n, err
}

// Prune implements Store.
func (b *Bolt) Prune(_ context.Context, before int64) (int64, error) {
	var deleted int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		values := tx.Bucket(bucketEntries)
		index := tx.Bucket(bucketByTime)
		if values == nil || index == nil {
			return errBucketMissing
		}

		// Collect first; deleting under a live cursor skips keys.
		var expired [][]byte
		c := index.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ts, _ := splitTimeIndexKey(k)
			if ts >= before {
				break
			}
			expired = append(expired, bytes.Clone(k))
		}

		for _, k := range expired {
			_, key := splitTimeIndexKey(k)
			if err := index.Delete(k); err != nil {
				return err
			}
			if err := values.Delete([]byte(key)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Ping implements Store.
func (b *Bolt) Ping(_ context.Context) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketEntries) == nil {
			return errBucketMissing
		}
		return nil
	})
}

// Close implements Store.
func (b *Bolt) Close() error {
	return b.db.Close()
}
