package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
)

// Config maps customers onto tiers.
type Config struct {
	Tiers       map[string]Limits
	Customers   map[string]string
	DefaultTier string
	// ConcurrentRetryAfter is the hint returned when the concurrent limit
	// denies; no window reset applies there.
	ConcurrentRetryAfter time.Duration
}

// Manager resolves a customer's tier and delegates counting to a Store.
type Manager struct {
	store  Store
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
}

// NewManager validates cfg and builds a Manager.
func NewManager(store Store, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("quota store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = "basic"
	}
	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		return nil, fmt.Errorf("default tier %q is not defined", cfg.DefaultTier)
	}
	for customer, tier := range cfg.Customers {
		if _, ok := cfg.Tiers[tier]; !ok {
			return nil, fmt.Errorf("customer %s references unknown tier %q", customer, tier)
		}
	}
	if cfg.ConcurrentRetryAfter <= 0 {
		cfg.ConcurrentRetryAfter = 5 * time.Second
	}
	return &Manager{store: store, cfg: cfg, clock: clock, logger: logger.Named("quota")}, nil
}

// TierFor returns the tier name configured for a customer.
func (m *Manager) TierFor(customerID string) string {
	if tier, ok := m.cfg.Customers[customerID]; ok {
		return tier
	}
	return m.cfg.DefaultTier
}

// LimitsFor returns the customer's tier limits.
func (m *Manager) LimitsFor(customerID string) Limits {
	return m.cfg.Tiers[m.TierFor(customerID)]
}

// CheckAndReserve reserves units for the customer or reports why not.
func (m *Manager) CheckAndReserve(ctx context.Context, customerID string, units int) (Decision, error) {
	if units <= 0 {
		return Decision{Allowed: true}, nil
	}
	dec, err := m.store.CheckAndReserve(ctx, customerID, m.LimitsFor(customerID), units, m.clock.Now())
	if err != nil {
		return Decision{}, fmt.Errorf("failed to reserve quota: %w", err)
	}
	if !dec.Allowed {
		if dec.Reason == ReasonConcurrent && dec.RetryAfter <= 0 {
			dec.RetryAfter = m.cfg.ConcurrentRetryAfter
		}
		metrics.ObserveQuotaDenial(dec.Reason)
		m.logger.Debug("quota denied",
			zap.String("customer_id", customerID),
			zap.String("tier", m.TierFor(customerID)),
			zap.String("reason", dec.Reason),
			zap.Duration("retry_after", dec.RetryAfter),
		)
	}
	return dec, nil
}

// Release frees one concurrent slot.
func (m *Manager) Release(ctx context.Context, customerID string) error {
	if err := m.store.Release(ctx, customerID); err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// Usage reports the customer's current counters.
func (m *Manager) Usage(ctx context.Context, customerID string) (Usage, error) {
	u, err := m.store.Usage(ctx, customerID, m.clock.Now())
	if err != nil {
		return Usage{}, fmt.Errorf("failed to load quota usage: %w", err)
	}
	return u, nil
}
