// Package compress stores chunk text compactly and derives the content hash
// that addresses it. Compression degrades from zstd to run-length encoding to
// raw bytes and never fails the caller.
package compress

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/hash/sha256"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
)

// Compressor implements crawler.ContentCodec.
type Compressor struct {
	chain  []Codec
	byID   map[byte]Codec
	hasher *sha256.Hasher
	logger *zap.Logger
}

// New builds a Compressor preferring zstd, then RLE. When the zstd codec
// cannot be constructed the chain starts at RLE.
func New(logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	codecs := make([]Codec, 0, 2)
	zc, err := NewZstdCodec()
	if err != nil {
		logger.Warn("zstd unavailable, falling back to rle", zap.Error(err))
	} else {
		codecs = append(codecs, zc)
	}
	codecs = append(codecs, RLECodec{})
	return NewWithCodecs(logger, codecs...)
}

// NewWithCodecs builds a Compressor that tries codecs in the given order.
func NewWithCodecs(logger *zap.Logger, codecs ...Codec) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Compressor{
		chain:  codecs,
		byID:   make(map[byte]Codec, len(codecs)),
		hasher: sha256.New(),
		logger: logger,
	}
	for _, codec := range codecs {
		c.byID[codec.ID()] = codec
	}
	return c
}

// Compress encodes text with the first codec that succeeds and actually
// shrinks the input, storing raw bytes otherwise.
func (c *Compressor) Compress(text string) []byte {
	out, _ := c.CompressWithCodec(text)
	return out
}

// CompressWithCodec is Compress that also names the codec used.
func (c *Compressor) CompressWithCodec(text string) ([]byte, string) {
	src := []byte(text)
	for _, codec := range c.chain {
		encoded, err := codec.Encode(src)
		if err != nil {
			c.logger.Warn("codec encode failed, trying next",
				zap.String("codec", codec.Name()),
				zap.Error(&crawler.CompressionError{Codec: codec.Name(), Err: err}),
			)
			continue
		}
		if len(encoded) >= len(src) {
			continue
		}
		out := make([]byte, 0, len(encoded)+1)
		out = append(out, codec.ID())
		out = append(out, encoded...)
		metrics.ObserveCompression(codec.Name(), len(src), len(out))
		return out, codec.Name()
	}
	out := make([]byte, 0, len(src)+1)
	out = append(out, IDRaw)
	out = append(out, src...)
	metrics.ObserveCompression("raw", len(src), len(out))
	return out, "raw"
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) (string, error) {
	if len(data) == 0 {
		return "", &crawler.CompressionError{Codec: "unknown", Err: fmt.Errorf("empty payload")}
	}
	id, payload := data[0], data[1:]
	if id == IDRaw {
		return string(payload), nil
	}
	codec, ok := c.byID[id]
	if !ok {
		if id == IDRLE {
			codec = RLECodec{}
		} else {
			return "", &crawler.CompressionError{Codec: fmt.Sprintf("0x%02x", id), Err: fmt.Errorf("codec not available")}
		}
	}
	out, err := codec.Decode(payload)
	if err != nil {
		return "", &crawler.CompressionError{Codec: codec.Name(), Err: err}
	}
	return string(out), nil
}

// Hash returns the hex SHA-256 of Normalize(text).
func (c *Compressor) Hash(text string) (string, error) {
	digest, err := c.hasher.Hash([]byte(Normalize(text)))
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return digest, nil
}

// Normalize lowercases text, trims it, and collapses internal whitespace so
// trivially reformatted copies hash identically.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
