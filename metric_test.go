package cardstats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	key := Key(MetricOwners, 42)
	require.Equal(t, "owners_42", key)

	m, id, err := ParseKey(key)
	require.NoError(t, err)
	require.Equal(t, MetricOwners, m)
	require.Equal(t, 42, id)
}

func TestParseKeyRejectsInvalid(t *testing.T) {
	tests := []string{
		"",
		"owners",
		"owners_",
		"owners_abc",
		"owners_-1",
		"likes_5",
		"fail_owners_5",
		"_lastSyncTime",
		"wishlist_5_6",
	}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			_, _, err := ParseKey(key)
			require.ErrorIs(t, err, ErrInvalidKey)
			require.False(t, IsEntryKey(key))
		})
	}
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric(" Wishlist ")
	require.NoError(t, err)
	require.Equal(t, MetricWishlist, m)

	_, err = ParseMetric("likes")
	require.Error(t, err)
}

func TestFailureKey(t *testing.T) {
	require.Equal(t, "fail_owners_5", FailureKey(Key(MetricOwners, 5)))
}
