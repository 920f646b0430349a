package localdb

import (
	"context"
	"encoding/json"
	"fmt"

	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/store"
	"go.etcd.io/bbolt"
)

// storedDump is the on-disk form of a store.DebugDump.
type storedDump struct {
	Page      int              `json:"page"`
	Timestamp int64            `json:"ts"`
	Length    int              `json:"len"`
	Reason    string           `json:"reason"`
	Encoding  Encoding         `json:"enc"`
	Payload   []byte           `json:"payload"`
	Digest    cardstats.Digest `json:"digest"`
}

// AppendDebugDump records a dump for cacheKey. The snippet is truncated to
// store.MaxSnippetSize and only the store.MaxDebugDumps newest dumps are kept.
// A dump identical to the newest one (same page, reason and snippet) is dropped.
func (b *BoltDB) AppendDebugDump(_ context.Context, cacheKey string, d store.DebugDump) error {
	snippet := d.Snippet
	if len(snippet) > store.MaxSnippetSize {
		snippet = snippet[:store.MaxSnippetSize]
	}
	payload, enc, digest := b.codec.Encode([]byte(snippet))

	rec := storedDump{
		Page:      d.Page,
		Timestamp: d.Timestamp,
		Length:    d.Length,
		Reason:    d.Reason,
		Encoding:  enc,
		Payload:   payload,
		Digest:    digest,
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDumps)
		if bucket == nil {
			return errBucketMissing
		}

		var dumps []storedDump
		if data := bucket.Get([]byte(cacheKey)); data != nil {
			if err := json.Unmarshal(data, &dumps); err != nil {
				b.logger.Warn("discarding corrupt dump list", "key", cacheKey, "error", err)
				dumps = nil
			}
		}

		if n := len(dumps); n > 0 {
			last := dumps[n-1]
			if last.Digest == rec.Digest && last.Reason == rec.Reason && last.Page == rec.Page {
				return nil
			}
		}

		dumps = append(dumps, rec)
		if len(dumps) > store.MaxDebugDumps {
			dumps = dumps[len(dumps)-store.MaxDebugDumps:]
		}

		data, err := json.Marshal(dumps)
		if err != nil {
			return fmt.Errorf("marshaling dumps: %w", err)
		}
		return bucket.Put([]byte(cacheKey), data)
	})
}

// ListDebugDumps returns the dumps recorded for cacheKey, oldest first.
func (b *BoltDB) ListDebugDumps(_ context.Context, cacheKey string) ([]store.DebugDump, error) {
	var stored []storedDump
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDumps)
		if bucket == nil {
			return errBucketMissing
		}
		data := bucket.Get([]byte(cacheKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &stored)
	})
	if err != nil {
		return nil, err
	}

	dumps := make([]store.DebugDump, 0, len(stored))
	for _, s := range stored {
		snippet, err := b.codec.Decode(s.Payload, s.Encoding, s.Digest)
		if err != nil {
			return nil, fmt.Errorf("decoding dump for %s: %w", cacheKey, err)
		}
		dumps = append(dumps, store.DebugDump{
			Page:      s.Page,
			Timestamp: s.Timestamp,
			Length:    s.Length,
			Reason:    s.Reason,
			Snippet:   string(snippet),
			Digest:    s.Digest,
		})
	}
	return dumps, nil
}
