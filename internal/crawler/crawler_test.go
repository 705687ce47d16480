package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "lowercases host and drops fragment", in: "HTTPS://Example.COM/Path?b=2&a=1#top", want: "https://example.com/Path?a=1&b=2"},
		{name: "strips default port", in: "http://example.com:80/x", want: "http://example.com/x"},
		{name: "keeps custom port", in: "https://example.com:8443/", want: "https://example.com:8443/"},
		{name: "rejects scheme", in: "ftp://example.com/file", wantErr: true},
		{name: "rejects relative", in: "/just/a/path", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	require.Error(t, err)

	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PrioritySlow.Rank())
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()
	p := NewRetryPolicy(5, 100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Backoff(attempt)
		ceiling := 100 * time.Millisecond << attempt
		if ceiling > time.Second {
			ceiling = time.Second
		}
		assert.GreaterOrEqual(t, d, ceiling/2, "attempt %d", attempt)
		assert.Less(t, d, ceiling, "attempt %d", attempt)
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()
	p := NewRetryPolicy(2, 0, 0)
	fetchErr := &FetchError{URL: "https://example.com", StatusCode: 503}

	assert.True(t, p.ShouldRetry(fetchErr, 0))
	assert.False(t, p.ShouldRetry(fetchErr, 2))
	assert.False(t, p.ShouldRetry(nil, 0))
	assert.False(t, p.ShouldRetry(context.Canceled, 0))
	assert.False(t, p.ShouldRetry(fmt.Errorf("extract: %w", ErrContentTooShort), 0))
	assert.False(t, p.ShouldRetry(&CompressionError{Codec: "zstd", Err: errors.New("bad frame")}, 0))
}

func TestFetchErrorTimeout(t *testing.T) {
	t.Parallel()
	err := &FetchError{URL: "https://example.com", Err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded)}
	assert.True(t, err.Timeout())
	assert.Contains(t, err.Error(), "https://example.com")

	status := &FetchError{URL: "https://example.com", StatusCode: 404}
	assert.False(t, status.Timeout())
	assert.Contains(t, status.Error(), "404")
}

func TestIsQuotaExceeded(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("enqueue: %w", &QuotaExceededError{CustomerID: "c1", Reason: "concurrent", RetryAfter: 5 * time.Second})
	qe, ok := IsQuotaExceeded(err)
	require.True(t, ok)
	assert.Equal(t, "concurrent", qe.Reason)

	_, ok = IsQuotaExceeded(errors.New("other"))
	assert.False(t, ok)
}

func TestDedupTotalsStats(t *testing.T) {
	t.Parallel()
	stats := DedupTotals{
		UniqueChunks:    2,
		TotalReferences: 5,
		OriginalBytes:   1000,
		CompressedBytes: 400,
		LogicalBytes:    2500,
	}.Stats()
	assert.Equal(t, 2.5, stats.AverageRefCount)
	assert.InDelta(t, 0.4, stats.CompressionRatio, 1e-9)
	assert.Equal(t, int64(2100), stats.SpaceSaved)

	empty := DedupTotals{}.Stats()
	assert.Zero(t, empty.AverageRefCount)
	assert.Zero(t, empty.CompressionRatio)
}
