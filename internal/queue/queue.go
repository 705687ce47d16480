// Package queue is the job queue facade: it admits crawl requests through
// the quota manager, persists jobs through a crawler.JobRepository, applies
// the retry policy, and emits lifecycle events for every transition.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/events"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
	"github.com/JakeFAU/crawl-ingest/internal/quota"
)

// Admission reserves and releases per-customer capacity.
type Admission interface {
	CheckAndReserve(ctx context.Context, customerID string, units int) (quota.Decision, error)
	Release(ctx context.Context, customerID string) error
}

// Config controls job defaults and retry backoff.
type Config struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

// Queue coordinates job admission and status transitions.
type Queue struct {
	jobs      crawler.JobRepository
	admission Admission
	emitter   events.Emitter
	clock     crawler.Clock
	ids       crawler.IDGenerator
	policy    *crawler.ExponentialRetryPolicy
	cfg       Config
	logger    *zap.Logger
}

// New builds a Queue. A nil emitter discards events.
func New(
	jobs crawler.JobRepository,
	admission Admission,
	emitter events.Emitter,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Queue, error) {
	if jobs == nil {
		return nil, errors.New("job repository is required")
	}
	if admission == nil {
		return nil, errors.New("admission is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	return &Queue{
		jobs:      jobs,
		admission: admission,
		emitter:   emitter,
		clock:     clock,
		ids:       ids,
		policy:    crawler.NewRetryPolicy(cfg.MaxRetries+1, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		cfg:       cfg,
		logger:    logger.Named("queue"),
	}, nil
}

// Enqueue admits one pending job per URL. When the customer's quota denies
// the batch, a *crawler.QuotaExceededError is returned and nothing is
// written.
func (q *Queue) Enqueue(
	ctx context.Context,
	sourceID string,
	customerID string,
	urls []string,
	priority crawler.Priority,
) ([]string, error) {
	if strings.TrimSpace(sourceID) == "" {
		return nil, fmt.Errorf("%w: source id is required", crawler.ErrInvalidInput)
	}
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", crawler.ErrInvalidInput)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", crawler.ErrInvalidInput)
	}
	if priority == "" {
		priority = crawler.PriorityNormal
	}
	normalized := make([]string, len(urls))
	for i, raw := range urls {
		u, err := crawler.NormalizeURL(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: url %d: %w", crawler.ErrInvalidInput, i, err)
		}
		normalized[i] = u
	}

	dec, err := q.admission.CheckAndReserve(ctx, customerID, len(normalized))
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return nil, dec.Err(customerID)
	}

	now := q.clock.Now()
	jobs := make([]crawler.CrawlJob, len(normalized))
	for i, u := range normalized {
		id, err := q.ids.NewID()
		if err != nil {
			q.releaseN(ctx, customerID, len(normalized))
			return nil, fmt.Errorf("generate job id: %w", err)
		}
		jobs[i] = crawler.CrawlJob{
			ID:          id,
			SourceID:    sourceID,
			CustomerID:  customerID,
			URL:         u,
			Status:      crawler.JobStatusPending,
			Priority:    priority,
			MaxRetries:  q.cfg.MaxRetries,
			CreatedAt:   now,
			AvailableAt: now,
		}
	}
	if err := q.jobs.InsertJobs(ctx, jobs); err != nil {
		q.releaseN(ctx, customerID, len(normalized))
		return nil, fmt.Errorf("insert jobs: %w", err)
	}

	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
		q.emitter.Emit(events.FromJob(events.TypeJobSpawned, job, now))
	}
	q.logger.Info("jobs enqueued",
		zap.String("source_id", sourceID),
		zap.String("customer_id", customerID),
		zap.Int("count", len(jobs)),
		zap.String("priority", string(priority)),
	)
	return ids, nil
}

// ClaimNext hands the next available job to workerID.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (crawler.CrawlJob, bool, error) {
	now := q.clock.Now()
	job, ok, err := q.jobs.ClaimNext(ctx, workerID, now)
	if err != nil {
		return crawler.CrawlJob{}, false, fmt.Errorf("claim job: %w", err)
	}
	if ok {
		q.emitter.Emit(events.FromJob(events.TypeJobStatus, job, now))
	}
	return job, ok, nil
}

// Complete records a successful job and frees its concurrent slot.
func (q *Queue) Complete(ctx context.Context, jobID string, result crawler.JobResult) (crawler.CrawlJob, error) {
	now := q.clock.Now()
	job, err := q.jobs.Complete(ctx, jobID, result, now)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	q.finish(ctx, job, now)
	return job, nil
}

// Fail marks a job terminally failed without consuming retry budget.
func (q *Queue) Fail(ctx context.Context, jobID string, message string) (crawler.CrawlJob, error) {
	now := q.clock.Now()
	job, err := q.jobs.Fail(ctx, jobID, message, now)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("fail job %s: %w", jobID, err)
	}
	q.finish(ctx, job, now)
	return job, nil
}

// Retry returns a failed attempt to pending after a backoff delay, or fails
// the job terminally once MaxRetries retries have been used.
func (q *Queue) Retry(ctx context.Context, jobID string, message string) (crawler.CrawlJob, error) {
	current, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	now := q.clock.Now()
	delay := q.policy.Backoff(current.RetryCount)
	job, err := q.jobs.Retry(ctx, jobID, message, now, delay)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("retry job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		q.finish(ctx, job, now)
		return job, nil
	}
	q.logger.Debug("job scheduled for retry",
		zap.String("job_id", jobID),
		zap.Int("retry_count", job.RetryCount),
		zap.Time("available_at", job.AvailableAt),
	)
	q.emitter.Emit(events.FromJob(events.TypeJobStatus, job, now))
	return job, nil
}

func (q *Queue) finish(ctx context.Context, job crawler.CrawlJob, now time.Time) {
	if err := q.admission.Release(ctx, job.CustomerID); err != nil {
		q.logger.Warn("release quota failed",
			zap.String("job_id", job.ID),
			zap.String("customer_id", job.CustomerID),
			zap.Error(err),
		)
	}
	metrics.ObserveJob(string(job.Status))
	q.emitter.Emit(events.FromJob(events.TypeJobStatus, job, now))
}

func (q *Queue) releaseN(ctx context.Context, customerID string, n int) {
	for range n {
		if err := q.admission.Release(ctx, customerID); err != nil {
			q.logger.Warn("release quota failed", zap.String("customer_id", customerID), zap.Error(err))
			return
		}
	}
}

// RetryFailed resets a source's failed jobs that still have retry budget.
// Each reset reserves one unit of the customer's quota; jobs the quota
// denies stay failed and can be retried later. It returns the number of
// jobs reset.
func (q *Queue) RetryFailed(ctx context.Context, sourceID string) (int, error) {
	jobs, err := q.jobs.ListRetryable(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("list retryable jobs: %w", err)
	}
	count := 0
	for _, job := range jobs {
		dec, err := q.admission.CheckAndReserve(ctx, job.CustomerID, 1)
		if err != nil {
			return count, err
		}
		if !dec.Allowed {
			q.logger.Info("retry deferred by quota",
				zap.String("job_id", job.ID),
				zap.String("reason", dec.Reason),
			)
			continue
		}
		now := q.clock.Now()
		ok, err := q.jobs.ResetFailed(ctx, job.ID, now)
		if err != nil || !ok {
			q.releaseN(ctx, job.CustomerID, 1)
			if err != nil {
				return count, fmt.Errorf("reset job %s: %w", job.ID, err)
			}
			continue
		}
		job.Status = crawler.JobStatusPending
		job.RetryCount++
		q.emitter.Emit(events.FromJob(events.TypeJobRetried, job, now))
		count++
	}
	return count, nil
}

// ReapStale returns jobs stuck in_progress for longer than olderThan to
// pending. Their concurrent slot stays reserved.
func (q *Queue) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.clock.Now()
	reaped, err := q.jobs.ReapStale(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	for _, job := range reaped {
		q.logger.Warn("reaped stale job", zap.String("job_id", job.ID), zap.String("url", job.URL))
		q.emitter.Emit(events.FromJob(events.TypeJobReaped, job, now))
	}
	return len(reaped), nil
}

// Get loads a job.
func (q *Queue) Get(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	job, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// Metrics aggregates job outcomes for a source.
func (q *Queue) Metrics(ctx context.Context, sourceID string) (crawler.SourceMetrics, error) {
	m, err := q.jobs.SourceMetrics(ctx, sourceID)
	if err != nil {
		return crawler.SourceMetrics{}, fmt.Errorf("source metrics: %w", err)
	}
	return m, nil
}

// ListJobIDs returns every job ID for a source.
func (q *Queue) ListJobIDs(ctx context.Context, sourceID string) ([]string, error) {
	ids, err := q.jobs.ListJobIDs(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	return ids, nil
}
