// Package cardstats holds the shared data model for card wishlist and ownership
// counts: metrics, cache keys, cached entries and their TTL policy.
package cardstats

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Metric identifies one of the two tracked statistics for a card.
type Metric string

const (
	// MetricWishlist is the number of users wanting a card.
	MetricWishlist Metric = "wishlist"
	// MetricOwners is the number of users owning a card.
	MetricOwners Metric = "owners"
)

// Metrics lists every tracked metric in a stable order.
var Metrics = []Metric{MetricWishlist, MetricOwners}

// WatermarkKey is the store key holding the last successful push time.
const WatermarkKey = "_lastSyncTime"

const failurePrefix = "fail_"

// ErrInvalidKey is returned when a cache key does not match "{metric}_{id}".
var ErrInvalidKey = errors.New("invalid cache key")

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m == MetricWishlist || m == MetricOwners
}

// String implements fmt.Stringer.
func (m Metric) String() string {
	return string(m)
}

// ParseMetric parses a metric name.
func ParseMetric(s string) (Metric, error) {
	m := Metric(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown metric %q", s)
	}
	return m, nil
}

// Key returns the cache key for a metric and card, e.g. "owners_42".
func Key(m Metric, cardID int) string {
	return string(m) + "_" + strconv.Itoa(cardID)
}

// ParseKey splits a cache key into its metric and card ID.
func ParseKey(key string) (Metric, int, error) {
	name, rawID, ok := strings.Cut(key, "_")
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	m := Metric(name)
	if !m.Valid() {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	id, err := strconv.Atoi(rawID)
	if err != nil || id < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return m, id, nil
}

// IsEntryKey reports whether key names a cache entry.
func IsEntryKey(key string) bool {
	_, _, err := ParseKey(key)
	return err == nil
}

// FailureKey returns the key of the anomaly failure counter for a cache key.
func FailureKey(cacheKey string) string {
	return failurePrefix + cacheKey
}
