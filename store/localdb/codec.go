package localdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	cardstats "github.com/wolfeidau/card-stats"
)

const (
	// CompressionThreshold is the minimum snippet size before compression is considered.
	CompressionThreshold = 1024

	// MaxDecompressedSize caps decompression to guard against corrupt rows.
	MaxDecompressedSize = 64 * 1024
)

// Encoding names how a stored snippet is encoded.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

var (
	// ErrCorrupted is returned when snippet digest verification fails.
	ErrCorrupted = errors.New("snippet digest mismatch")

	// ErrDecompressionBomb is returned when decompressed size exceeds the limit.
	ErrDecompressionBomb = errors.New("decompressed snippet exceeds maximum size")
)

// DumpCodec compresses debug dump snippets with zstd.
// Encoder and decoder are goroutine-safe and can be reused.
type DumpCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewDumpCodec creates a codec with a shared zstd encoder and decoder.
func NewDumpCodec() (*DumpCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &DumpCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *DumpCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses data when that makes it smaller and returns the digest
// of the original bytes.
func (c *DumpCodec) Encode(data []byte) (payload []byte, encoding Encoding, digest cardstats.Digest) {
	digest = cardstats.DigestBytes(data)

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest
	}
	return compressed, EncodingZstd, digest
}

// Decode reverses Encode and verifies the digest when one is given.
func (c *DumpCodec) Decode(payload []byte, encoding Encoding, expected cardstats.Digest) ([]byte, error) {
	var data []byte
	switch encoding {
	case EncodingIdentity, "":
		data = payload
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing snippet: %w", err)
		}
		if len(out) > MaxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		data = out
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if !expected.IsZero() && cardstats.DigestBytes(data) != expected {
		return nil, ErrCorrupted
	}
	return data, nil
}
