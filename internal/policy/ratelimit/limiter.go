// Package ratelimit implements per-host politeness with token buckets so a
// single site is never hammered by concurrent workers.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
)

// Config holds politeness settings. Hosts maps a lowercased host onto its
// own requests-per-second budget.
type Config struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	Hosts        map[string]float64 `mapstructure:"hosts"`
}

type hostState struct {
	limiter     *rate.Limiter
	pausedUntil time.Time
}

// Limiter manages per-host token buckets. It implements crawler.Politeness.
type Limiter struct {
	mu           sync.Mutex
	hosts        map[string]*hostState
	overrides    map[string]rate.Limit
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

// New creates a Limiter. A non-positive rate is unlimited.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.Hosts))
	for host, rps := range cfg.Hosts {
		overrides[strings.ToLower(host)] = toLimit(rps)
	}
	return &Limiter{
		hosts:        make(map[string]*hostState),
		overrides:    overrides,
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: burst,
		now:          time.Now,
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func (l *Limiter) state(host string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.hosts[host]
	if !ok {
		r, ok := l.overrides[host]
		if !ok {
			r = l.defaultRate
		}
		st = &hostState{limiter: rate.NewLimiter(r, l.defaultBurst)}
		l.hosts[host] = st
	}
	return st
}

// Wait blocks until the URL's host may be fetched again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := crawler.HostOf(rawURL)
	if host == "" {
		host = "unknown"
	}
	st := l.state(host)
	start := l.now()

	l.mu.Lock()
	pause := st.pausedUntil.Sub(start)
	l.mu.Unlock()
	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("politeness pause: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if err := st.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := l.now().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Pause holds back every fetch to the URL's host for d, typically after the
// host answered 429 or 503.
func (l *Limiter) Pause(rawURL string, d time.Duration) {
	host := crawler.HostOf(rawURL)
	if host == "" || d <= 0 {
		return
	}
	st := l.state(host)
	until := l.now().Add(d)
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(st.pausedUntil) {
		st.pausedUntil = until
	}
}
