// Package dispatcher manages worker fan-out over the job queue and reaps
// jobs abandoned by crashed workers.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner is a long-lived worker loop.
type Runner interface {
	Run(ctx context.Context)
}

// Reaper returns in-progress jobs older than olderThan to the pending state.
type Reaper interface {
	ReapStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config controls the reaper loop. A zero ReapInterval disables it.
type Config struct {
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	workers []Runner
	reaper  Reaper
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher. reaper may be nil.
func New(workers []Runner, reaper Reaper, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		reaper:  reaper,
		cfg:     cfg,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and the reaper, then blocks until the context
// finishes and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.reaper != nil && d.cfg.ReapInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.reapLoop(ctx)
		}()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.reaper.ReapStale(ctx, d.cfg.StaleAfter)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Error("reap stale jobs failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				d.logger.Warn("reaped stale jobs", zap.Int("count", n), zap.Duration("stale_after", d.cfg.StaleAfter))
			}
		}
	}
}
