package localdb

import (
	"encoding/binary"
	"errors"
)

// Bucket names for bbolt storage.
var (
	bucketEntries  = []byte("entries")  // cache key -> Entry JSON
	bucketFailures = []byte("failures") // fail_<cache key> -> 8-byte counter
	bucketMeta     = []byte("meta")     // _lastSyncTime -> 8-byte watermark
	bucketDumps    = []byte("dumps")    // cache key -> JSON array of stored dumps

	allBuckets = [][]byte{bucketEntries, bucketFailures, bucketMeta, bucketDumps}
)

var errBucketMissing = errors.New("bucket not found")

func encodeInt(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)) //nolint:gosec // round-trips through decodeInt
	return buf
}

func decodeInt(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8])) //nolint:gosec // round-trips through encodeInt
}
