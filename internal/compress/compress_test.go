package compress

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

type failingCodec struct{}

func (failingCodec) ID() byte                      { return IDZstd }
func (failingCodec) Name() string                  { return "broken" }
func (failingCodec) Encode([]byte) ([]byte, error) { return nil, errors.New("boom") }
func (failingCodec) Decode([]byte) ([]byte, error) { return nil, errors.New("boom") }

func sampleTexts(t *testing.T) []string {
	t.Helper()
	random := make([]byte, 300)
	_, err := rand.Read(random)
	require.NoError(t, err)
	return []string{
		"",
		"a",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		strings.Repeat("Our pricing plans include a free tier. ", 40),
		"Unicode survives: naïve café, 東京 🚀",
		base64.StdEncoding.EncodeToString(random),
		strings.Repeat("ab", 200) + strings.Repeat("z", 300),
	}
}

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()
	c := New(zap.NewNop())
	for _, text := range sampleTexts(t) {
		data := c.Compress(text)
		got, err := c.Decompress(data)
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}
}

func TestCompressPrefersZstdForRepetitiveText(t *testing.T) {
	t.Parallel()
	c := New(zap.NewNop())
	text := strings.Repeat("Refunds are processed within five business days. ", 50)
	data, codec := c.CompressWithCodec(text)
	assert.Equal(t, "zstd", codec)
	assert.Equal(t, IDZstd, data[0])
	assert.Less(t, len(data), len(text)/4)
}

func TestCompressFallsBackWhenCodecFails(t *testing.T) {
	t.Parallel()
	c := NewWithCodecs(zap.NewNop(), failingCodec{}, RLECodec{})
	text := strings.Repeat("=", 500) + " header rule"
	data, codec := c.CompressWithCodec(text)
	assert.Equal(t, "rle", codec)
	got, err := c.Decompress(data)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestCompressStoresRawWhenNothingHelps(t *testing.T) {
	t.Parallel()
	c := NewWithCodecs(zap.NewNop(), failingCodec{}, RLECodec{})
	text := "short text without runs"
	data, codec := c.CompressWithCodec(text)
	assert.Equal(t, "raw", codec)
	assert.Equal(t, IDRaw, data[0])
	got, err := c.Decompress(data)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestRLECodecRoundTrip(t *testing.T) {
	t.Parallel()
	codec := RLECodec{}
	for _, text := range sampleTexts(t) {
		enc, err := codec.Encode([]byte(text))
		require.NoError(t, err)
		dec, err := codec.Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, text, string(dec))
	}
	long := []byte(strings.Repeat("x", 1000))
	enc, err := codec.Encode(long)
	require.NoError(t, err)
	assert.Less(t, len(enc), 20)
}

func TestDecompressErrors(t *testing.T) {
	t.Parallel()
	c := New(zap.NewNop())
	var compErr *crawler.CompressionError

	_, err := c.Decompress(nil)
	require.ErrorAs(t, err, &compErr)

	_, err = c.Decompress([]byte{0x7f, 1, 2, 3})
	require.ErrorAs(t, err, &compErr)

	_, err = c.Decompress([]byte{IDZstd, 1, 2, 3})
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, "zstd", compErr.Codec)

	_, err = c.Decompress([]byte{IDRLE, 5, 'a'})
	require.ErrorAs(t, err, &compErr)
}

func TestDecompressRLEWithoutRegisteredCodec(t *testing.T) {
	t.Parallel()
	writer := NewWithCodecs(zap.NewNop(), RLECodec{})
	reader := NewWithCodecs(zap.NewNop())
	text := strings.Repeat("-", 64) + "footer"
	got, err := reader.Decompress(writer.Compress(text))
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestHashDeterministicAndNormalized(t *testing.T) {
	t.Parallel()
	c := New(zap.NewNop())
	base, err := c.Hash("Free shipping on all orders over $50.")
	require.NoError(t, err)
	for _, variant := range []string{
		"Free shipping on all orders over $50.",
		"  free SHIPPING on all orders over $50.  ",
		"Free\tshipping\non   all orders over $50.",
	} {
		got, err := c.Hash(variant)
		require.NoError(t, err)
		assert.Equal(t, base, got, variant)
	}
	other, err := c.Hash("Free shipping on all orders over $60.")
	require.NoError(t, err)
	assert.NotEqual(t, base, other)
	assert.Len(t, base, 64)
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello world", Normalize("  Hello \n\t WORLD "))
	assert.Empty(t, Normalize(" \n "))
}
