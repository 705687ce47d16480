// Package memory keeps quota counters in process. Customers are spread over
// a fixed set of lock stripes by xxhash, so unrelated customers rarely
// contend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/crawl-ingest/internal/quota"
)

const stripeCount = 64

type stripe struct {
	mu    sync.Mutex
	usage map[string]quota.Usage
}

// Store implements quota.Store.
type Store struct {
	stripes [stripeCount]stripe
}

// New builds an empty Store.
func New() *Store {
	s := &Store{}
	for i := range s.stripes {
		s.stripes[i].usage = make(map[string]quota.Usage)
	}
	return s
}

func (s *Store) stripeFor(customerID string) *stripe {
	return &s.stripes[xxhash.Sum64String(customerID)%stripeCount]
}

// CheckAndReserve evaluates and, on allow, stores the new counters under the
// customer's stripe lock.
func (s *Store) CheckAndReserve(
	_ context.Context,
	customerID string,
	limits quota.Limits,
	units int,
	now time.Time,
) (quota.Decision, error) {
	st := s.stripeFor(customerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	next, dec := quota.Evaluate(st.usage[customerID], limits, units, now)
	if dec.Allowed {
		st.usage[customerID] = next
	}
	return dec, nil
}

// Release decrements the concurrent counter, floored at zero.
func (s *Store) Release(_ context.Context, customerID string) error {
	st := s.stripeFor(customerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.usage[customerID]
	if !ok || u.Concurrent == 0 {
		return nil
	}
	u.Concurrent--
	st.usage[customerID] = u
	return nil
}

// Usage returns the customer's counters with expired windows zeroed.
func (s *Store) Usage(_ context.Context, customerID string, now time.Time) (quota.Usage, error) {
	st := s.stripeFor(customerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return quota.Normalize(st.usage[customerID], now), nil
}
