// Package redis keeps quota counters in Redis. Each operation is a single
// Lua script, so evaluation and increment are atomic per customer across
// every process sharing the instance.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-ingest/internal/quota"
)

// Store implements quota.Store on Redis hashes keyed per customer.
type Store struct {
	client redis.Scripter
	prefix string
}

// New builds a Store. Keys are "<prefix>:<customer>"; prefix defaults to
// "ingest:quota".
func New(client redis.Scripter, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "ingest:quota"
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) key(customerID string) string {
	return s.prefix + ":" + customerID
}

// CheckAndReserve runs the reserve script with the caller's clock.
func (s *Store) CheckAndReserve(
	ctx context.Context,
	customerID string,
	limits quota.Limits,
	units int,
	now time.Time,
) (quota.Decision, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(customerID)},
		now.UnixMilli(),
		units,
		limits.Concurrent,
		limits.PerMinute,
		limits.PerHour,
		limits.PerDay,
		quota.Minute.Milliseconds(),
		quota.Hour.Milliseconds(),
		quota.Day.Milliseconds(),
	).Slice()
	if err != nil {
		return quota.Decision{}, fmt.Errorf("run reserve script: %w", err)
	}
	if len(res) != 3 {
		return quota.Decision{}, fmt.Errorf("unexpected reserve reply %v", res)
	}
	allowed, _ := res[0].(int64)
	reason, _ := res[1].(string)
	retryMS, _ := res[2].(int64)
	return quota.Decision{
		Allowed:    allowed == 1,
		Reason:     reason,
		RetryAfter: time.Duration(retryMS) * time.Millisecond,
	}, nil
}

// Release decrements the concurrent counter, floored at zero.
func (s *Store) Release(ctx context.Context, customerID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(customerID)}).Err(); err != nil {
		return fmt.Errorf("run release script: %w", err)
	}
	return nil
}

// Usage reads the customer's hash and zeroes expired windows.
func (s *Store) Usage(ctx context.Context, customerID string, now time.Time) (quota.Usage, error) {
	vals, err := usageScript.Run(ctx, s.client, []string{s.key(customerID)}).Slice()
	if err != nil {
		return quota.Usage{}, fmt.Errorf("run usage script: %w", err)
	}
	n := make([]int64, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return quota.Usage{}, fmt.Errorf("parse usage field %d: %w", i, err)
		}
		n[i] = int64(f)
	}
	if len(n) != 7 {
		return quota.Usage{}, fmt.Errorf("unexpected usage reply %v", vals)
	}
	u := quota.Usage{
		Concurrent: int(n[0]),
		Minute:     counter(n[1], n[2]),
		Hour:       counter(n[3], n[4]),
		Day:        counter(n[5], n[6]),
	}
	return quota.Normalize(u, now), nil
}

func counter(count, resetMS int64) quota.Counter {
	if resetMS == 0 {
		return quota.Counter{}
	}
	return quota.Counter{Count: int(count), ResetAt: time.UnixMilli(resetMS).UTC()}
}

var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local units = tonumber(ARGV[2])
local concurrentLimit = tonumber(ARGV[3])
local limits = {tonumber(ARGV[4]), tonumber(ARGV[5]), tonumber(ARGV[6])}
local lengths = {tonumber(ARGV[7]), tonumber(ARGV[8]), tonumber(ARGV[9])}
local reasons = {'per_minute', 'per_hour', 'per_day'}

local data = redis.call('HMGET', key, 'concurrent', 'm_count', 'm_reset', 'h_count', 'h_reset', 'd_count', 'd_reset')
local concurrent = tonumber(data[1]) or 0
local counts = {}
local resets = {}
for i = 1, 3 do
  local c = tonumber(data[2 * i]) or 0
  local r = tonumber(data[2 * i + 1]) or 0
  if r <= now then
    c = 0
    r = now + lengths[i]
  end
  counts[i] = c
  resets[i] = r
end

if concurrentLimit > 0 and concurrent + units > concurrentLimit then
  return {0, 'concurrent', 0}
end
for i = 1, 3 do
  if limits[i] > 0 and counts[i] + units > limits[i] then
    return {0, reasons[i], resets[i] - now}
  end
end

redis.call('HMSET', key,
  'concurrent', concurrent + units,
  'm_count', counts[1] + units, 'm_reset', resets[1],
  'h_count', counts[2] + units, 'h_reset', resets[2],
  'd_count', counts[3] + units, 'd_reset', resets[3])
return {1, '', 0}
`)

var releaseScript = redis.NewScript(`
local concurrent = tonumber(redis.call('HGET', KEYS[1], 'concurrent')) or 0
if concurrent > 0 then
  concurrent = concurrent - 1
  redis.call('HSET', KEYS[1], 'concurrent', concurrent)
end
return concurrent
`)

var usageScript = redis.NewScript(`
local data = redis.call('HMGET', KEYS[1], 'concurrent', 'm_count', 'm_reset', 'h_count', 'h_reset', 'd_count', 'd_reset')
for i = 1, 7 do
  if not data[i] then data[i] = '0' end
end
return data
`)
