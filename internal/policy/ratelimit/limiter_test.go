package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterWaitSpacesRequests(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.com/"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHostOverride(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, Hosts: map[string]float64{"FAST.example.com": 0}})
	ctx := context.Background()
	for range 5 {
		require.NoError(t, l.Wait(ctx, "https://fast.example.com/"))
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example.com/"))
}

func TestLimiterPause(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.Pause("https://busy.example.com/x", 80*time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "https://busy.example.com/y"))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Pause("https://busy.example.com/", time.Minute)
	require.ErrorIs(t, l.Wait(ctx, "https://busy.example.com/"), context.Canceled)
}
