package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, fetchesTotal)
	require.NotNil(t, chunksTotal)
	require.NotNil(t, quotaDenialsTotal)
}

func TestObserveHelpers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(chunksTotal.WithLabelValues("reused"))
	ObserveChunk(true)
	assert.Equal(t, before+1, testutil.ToFloat64(chunksTotal.WithLabelValues("reused")))

	beforeIn := testutil.ToFloat64(compressionBytesTotal.WithLabelValues("zstd", "in"))
	ObserveCompression("zstd", 100, 40)
	assert.Equal(t, beforeIn+100, testutil.ToFloat64(compressionBytesTotal.WithLabelValues("zstd", "in")))

	beforeDenials := testutil.ToFloat64(quotaDenialsTotal.WithLabelValues("minute"))
	ObserveQuotaDenial("minute")
	assert.Equal(t, beforeDenials+1, testutil.ToFloat64(quotaDenialsTotal.WithLabelValues("minute")))

	ObserveFetch("https://example.com/a", "ok", 512)
	assert.GreaterOrEqual(t, testutil.ToFloat64(fetchBytesTotal.WithLabelValues("example.com")), 512.0)

	ObserveStage("fetch", 10*time.Millisecond)
	assert.Positive(t, testutil.CollectAndCount(stageDurationSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
