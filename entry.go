package cardstats

import "time"

// TTL policy for cached counts.
const (
	OwnersTTL       = 30 * 24 * time.Hour
	WishlistTTL     = 7 * 24 * time.Hour
	WishlistZeroTTL = 24 * time.Hour
)

// Entry is a cached count for one (metric, card) pair. Timestamp and TTL are
// epoch milliseconds to stay wire compatible with the sync server.
type Entry struct {
	Count     int   `json:"count"`
	Timestamp int64 `json:"timestamp"`
	// TTL is optional; entries written by older versions and pulled entries
	// carry none and fall back to DefaultTTL.
	TTL int64 `json:"ttl,omitempty"`
}

// RemoteEntry is the wire shape of an entry exchanged with the sync server.
type RemoteEntry struct {
	Key       string `json:"key"`
	Count     int    `json:"count"`
	Timestamp int64  `json:"timestamp"`
}

// DefaultTTL returns the validity window for a freshly established count.
// Owners always get the long TTL; a zero wishlist is rechecked daily.
func DefaultTTL(m Metric, count int) time.Duration {
	if m == MetricOwners {
		return OwnersTTL
	}
	if count == 0 {
		return WishlistZeroTTL
	}
	return WishlistTTL
}

// NewEntry builds an entry stamped at now with the policy TTL.
func NewEntry(m Metric, count int, now time.Time) Entry {
	return Entry{
		Count:     count,
		Timestamp: Millis(now),
		TTL:       DefaultTTL(m, count).Milliseconds(),
	}
}

// EffectiveTTL returns the stored TTL when positive, else the policy default.
func (e Entry) EffectiveTTL(m Metric) time.Duration {
	if e.TTL > 0 {
		return time.Duration(e.TTL) * time.Millisecond
	}
	return DefaultTTL(m, e.Count)
}

// Age returns how long ago the count was established.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Timestamp))
}

// IsStale reports whether the entry has outlived its TTL. An entry without a
// timestamp is always stale.
func (e Entry) IsStale(m Metric, now time.Time) bool {
	if e.Timestamp <= 0 {
		return true
	}
	return Millis(now) >= e.Timestamp+e.EffectiveTTL(m).Milliseconds()
}

// Remote converts the entry to its wire form under key.
func (e Entry) Remote(key string) RemoteEntry {
	return RemoteEntry{Key: key, Count: e.Count, Timestamp: e.Timestamp}
}

// Entry converts a wire entry into a local entry without a TTL.
func (r RemoteEntry) Entry() Entry {
	return Entry{Count: r.Count, Timestamp: r.Timestamp}
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
