package cardstats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestString(t *testing.T) {
	// BLAKE3 digest of empty input
	d := DigestBytes([]byte{})
	require.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", d.String())
}

func TestDigestShortString(t *testing.T) {
	d := DigestBytes([]byte("hello"))
	short := d.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(d.String(), short))
}

func TestDigestMarshalUnmarshal(t *testing.T) {
	d := DigestBytes([]byte("<html></html>"))
	text, err := d.MarshalText()
	require.NoError(t, err)

	var parsed Digest
	require.NoError(t, parsed.UnmarshalText(text))
	require.Equal(t, d, parsed)

	require.Error(t, parsed.UnmarshalText([]byte("abc")))
	require.True(t, Digest{}.IsZero())
}
