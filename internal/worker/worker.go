// Package worker claims crawl jobs from the queue and runs each one through
// the ingestion pipeline, routing the outcome back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/extract"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
)

// JobQueue is the subset of the queue a worker drives.
type JobQueue interface {
	ClaimNext(ctx context.Context, workerID string) (crawler.CrawlJob, bool, error)
	Complete(ctx context.Context, jobID string, result crawler.JobResult) (crawler.CrawlJob, error)
	Fail(ctx context.Context, jobID string, message string) (crawler.CrawlJob, error)
	Retry(ctx context.Context, jobID string, message string) (crawler.CrawlJob, error)
}

// JobProcessor runs the pipeline for one job.
type JobProcessor interface {
	Process(ctx context.Context, job crawler.CrawlJob) (crawler.JobResult, error)
}

// Config controls Worker behavior.
type Config struct {
	ID           string        `mapstructure:"id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	// SettleTimeout bounds the final status write after a job finishes.
	SettleTimeout time.Duration `mapstructure:"settle_timeout"`
}

// Worker consumes jobs until its context ends.
type Worker struct {
	queue   JobQueue
	proc    JobProcessor
	wake    <-chan struct{}
	backoff *crawler.ExponentialRetryPolicy
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. wake may be nil, in which case the worker only
// polls.
func New(queue JobQueue, proc JobProcessor, wake <-chan struct{}, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		proc:    proc,
		wake:    wake,
		backoff: crawler.NewRetryPolicy(0, 100*time.Millisecond, 30*time.Second),
		cfg:     cfg,
		logger:  logger.Named("worker").With(zap.String("worker_id", cfg.ID)),
	}
}

// ID returns the worker identifier recorded on claimed jobs.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run blocks, claiming and processing jobs until ctx finishes. Queue errors,
// including failed settle writes, back off exponentially; an empty queue waits for the poll interval or a
// wake-up signal.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	failures := 0
	for ctx.Err() == nil {
		job, ok, err := w.queue.ClaimNext(ctx, w.cfg.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := w.backoff.Backoff(failures)
			failures++
			w.logger.Error("claim job failed", zap.Error(err), zap.Duration("backoff", delay))
			w.sleep(ctx, delay, false)
			continue
		}
		if !ok {
			failures = 0
			w.sleep(ctx, w.cfg.PollInterval, true)
			continue
		}
		if err := w.handle(ctx, job); err != nil {
			delay := w.backoff.Backoff(failures)
			failures++
			w.logger.Error("settle job failed", zap.String("job_id", job.ID), zap.Error(err), zap.Duration("backoff", delay))
			w.sleep(ctx, delay, false)
			continue
		}
		failures = 0
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration, wakeable bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	var wake <-chan struct{}
	if wakeable {
		wake = w.wake
	}
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

// handle processes job and records its outcome. It returns the queue error
// when the outcome could not be written.
func (w *Worker) handle(ctx context.Context, job crawler.CrawlJob) error {
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	logger.Debug("job claimed", zap.Int("retry_count", job.RetryCount))

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	result, err := w.proc.Process(jobCtx, job)
	cancel()

	if ctx.Err() != nil {
		logger.Warn("shutdown during job; leaving it for the reaper")
		return nil
	}

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SettleTimeout)
	defer settleCancel()

	switch {
	case err == nil:
		if _, err := w.queue.Complete(settleCtx, job.ID, result); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		logger.Info("job completed",
			zap.Int("chunks_created", result.ChunksCreated),
			zap.Int("duplicates_found", result.DuplicatesFound),
			zap.Duration("processing_time", result.ProcessingTime),
		)
	case errors.Is(err, extract.ErrNotText):
		if _, ferr := w.queue.Fail(settleCtx, job.ID, err.Error()); ferr != nil {
			return fmt.Errorf("fail job: %w", ferr)
		}
		logger.Warn("job failed permanently", zap.Error(err))
	default:
		updated, rerr := w.queue.Retry(settleCtx, job.ID, err.Error())
		if rerr != nil {
			logger.Warn("job attempt failed", zap.Error(err))
			return fmt.Errorf("retry job: %w", rerr)
		}
		logger.Warn("job attempt failed",
			zap.Error(err),
			zap.String("status", string(updated.Status)),
			zap.Int("retry_count", updated.RetryCount),
		)
	}
	return nil
}
