// Package quota gates job admission with per-customer concurrent and
// minute/hour/day window limits. Counter state lives in an injected Store so
// the same rules run in process or against Redis.
package quota

import (
	"context"
	"time"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// Denial reasons, in evaluation order.
const (
	ReasonConcurrent = "concurrent"
	ReasonPerMinute  = "per_minute"
	ReasonPerHour    = "per_hour"
	ReasonPerDay     = "per_day"
)

// Window lengths.
const (
	Minute = time.Minute
	Hour   = time.Hour
	Day    = 24 * time.Hour
)

// Limits is one tier's configuration. A limit <= 0 is unlimited.
type Limits struct {
	Concurrent int `mapstructure:"concurrent" json:"concurrent"`
	PerMinute  int `mapstructure:"per_minute" json:"per_minute"`
	PerHour    int `mapstructure:"per_hour" json:"per_hour"`
	PerDay     int `mapstructure:"per_day" json:"per_day"`
}

// Decision is the outcome of CheckAndReserve.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Err converts a denial into a *crawler.QuotaExceededError; it returns nil
// for an allowed decision.
func (d Decision) Err(customerID string) error {
	if d.Allowed {
		return nil
	}
	return &crawler.QuotaExceededError{CustomerID: customerID, Reason: d.Reason, RetryAfter: d.RetryAfter}
}

// Counter is one fixed window.
type Counter struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Usage is a customer's counter state.
type Usage struct {
	Concurrent int     `json:"concurrent"`
	Minute     Counter `json:"minute"`
	Hour       Counter `json:"hour"`
	Day        Counter `json:"day"`
}

// Store holds counter state. CheckAndReserve must evaluate and increment
// atomically per customer.
type Store interface {
	CheckAndReserve(ctx context.Context, customerID string, limits Limits, units int, now time.Time) (Decision, error)
	Release(ctx context.Context, customerID string) error
	Usage(ctx context.Context, customerID string, now time.Time) (Usage, error)
}

// Normalize zeroes every window whose reset time has passed and starts a new
// one at now.
func Normalize(u Usage, now time.Time) Usage {
	u.Minute = roll(u.Minute, now, Minute)
	u.Hour = roll(u.Hour, now, Hour)
	u.Day = roll(u.Day, now, Day)
	return u
}

func roll(c Counter, now time.Time, length time.Duration) Counter {
	if c.ResetAt.After(now) {
		return c
	}
	return Counter{ResetAt: now.Add(length)}
}

// Evaluate applies the admission rules to u. Limits are checked concurrent,
// minute, hour, then day; the first one that units would push past its limit
// denies. On allow every counter grows by units. The returned Usage is the
// state to persist and is only meaningful when the decision is allowed.
func Evaluate(u Usage, limits Limits, units int, now time.Time) (Usage, Decision) {
	u = Normalize(u, now)
	if exceeds(u.Concurrent, units, limits.Concurrent) {
		return u, Decision{Reason: ReasonConcurrent}
	}
	windows := []struct {
		reason string
		c      Counter
		limit  int
	}{
		{ReasonPerMinute, u.Minute, limits.PerMinute},
		{ReasonPerHour, u.Hour, limits.PerHour},
		{ReasonPerDay, u.Day, limits.PerDay},
	}
	for _, w := range windows {
		if exceeds(w.c.Count, units, w.limit) {
			return u, Decision{Reason: w.reason, RetryAfter: w.c.ResetAt.Sub(now)}
		}
	}
	u.Concurrent += units
	u.Minute.Count += units
	u.Hour.Count += units
	u.Day.Count += units
	return u, Decision{Allowed: true}
}

func exceeds(current, units, limit int) bool {
	return limit > 0 && current+units > limit
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[string]Limits {
	return map[string]Limits{
		"basic":      {Concurrent: 2, PerMinute: 10, PerHour: 50, PerDay: 200},
		"pro":        {Concurrent: 10, PerMinute: 60, PerHour: 1000, PerDay: 10000},
		"enterprise": {Concurrent: 100, PerMinute: 600, PerHour: 20000, PerDay: 200000},
	}
}
