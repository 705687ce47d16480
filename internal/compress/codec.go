package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Codec identifiers written as the first byte of every compressed blob.
const (
	IDRaw  byte = 0x00
	IDRLE  byte = 0x01
	IDZstd byte = 0x02
)

// Codec is a reversible byte transform.
type Codec interface {
	ID() byte
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

const maxDecodedSize = 64 << 20

// ZstdCodec wraps a shared zstd encoder and decoder. EncodeAll and DecodeAll
// are safe for concurrent use.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec builds the zstd codec at the default compression level.
func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

// ID implements Codec.
func (*ZstdCodec) ID() byte { return IDZstd }

// Name implements Codec.
func (*ZstdCodec) Name() string { return "zstd" }

// Encode implements Codec.
func (c *ZstdCodec) Encode(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

// Decode implements Codec.
func (c *ZstdCodec) Decode(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// RLECodec is a PackBits run-length encoding. A control byte n < 128 is
// followed by n+1 literal bytes; n > 128 repeats the next byte 257-n times.
// Worst-case expansion is one byte per 128 input bytes.
type RLECodec struct{}

// ID implements Codec.
func (RLECodec) ID() byte { return IDRLE }

// Name implements Codec.
func (RLECodec) Name() string { return "rle" }

// Encode implements Codec.
func (RLECodec) Encode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src)+len(src)/128+1)
	i := 0
	for i < len(src) {
		run := 1
		for i+run < len(src) && run < 128 && src[i+run] == src[i] {
			run++
		}
		if run >= 3 {
			out = append(out, byte(257-run), src[i])
			i += run
			continue
		}
		start := i
		for i < len(src) && i-start < 128 {
			if i+2 < len(src) && src[i] == src[i+1] && src[i] == src[i+2] {
				break
			}
			i++
		}
		out = append(out, byte(i-start-1))
		out = append(out, src[start:i]...)
	}
	return out, nil
}

var errTruncated = errors.New("truncated rle stream")

// Decode implements Codec.
func (RLECodec) Decode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src)*2)
	i := 0
	for i < len(src) {
		n := int(src[i])
		i++
		switch {
		case n < 128:
			end := i + n + 1
			if end > len(src) {
				return nil, errTruncated
			}
			out = append(out, src[i:end]...)
			i = end
		case n > 128:
			if i >= len(src) {
				return nil, errTruncated
			}
			for k := 0; k < 257-n; k++ {
				out = append(out, src[i])
			}
			i++
		}
		if len(out) > maxDecodedSize {
			return nil, errors.New("rle output exceeds size limit")
		}
	}
	return out, nil
}
