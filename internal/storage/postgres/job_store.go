package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

const jobColumns = `id, source_id, customer_id, url, status, priority, retry_count, max_retries,
	worker_id, created_at, available_at, started_at, completed_at, error_message,
	processing_time_ms, content_size, compression_ratio, chunks_created, duplicates_found, summary`

// JobStore implements crawler.JobRepository on the crawl_jobs table. Each
// transition is a single UPDATE conditioned on the current status.
type JobStore struct {
	db dbtx
}

// NewJobStore wraps a pool (or pgxmock pool).
func NewJobStore(db dbtx) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{db: db}, nil
}

// Close releases the underlying pool.
func (s *JobStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// InsertJobs writes the batch in one transaction.
func (s *JobStore) InsertJobs(ctx context.Context, jobs []crawler.CrawlJob) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
INSERT INTO crawl_jobs (
	id, source_id, customer_id, url, status, priority, priority_rank,
	retry_count, max_retries, created_at, available_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	for _, job := range jobs {
		_, err := tx.Exec(ctx, query,
			job.ID,
			job.SourceID,
			job.CustomerID,
			job.URL,
			string(job.Status),
			string(job.Priority),
			job.Priority.Rank(),
			job.RetryCount,
			job.MaxRetries,
			job.CreatedAt,
			job.AvailableAt,
		)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ClaimNext locks the best pending row with SKIP LOCKED so concurrent
// workers never receive the same job.
func (s *JobStore) ClaimNext(ctx context.Context, workerID string, now time.Time) (crawler.CrawlJob, bool, error) {
	query := `
UPDATE crawl_jobs
SET status = 'in_progress', worker_id = $1, started_at = $2
WHERE id = (
	SELECT id FROM crawl_jobs
	WHERE status = 'pending' AND available_at <= $2
	ORDER BY priority_rank, created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) AND status = 'pending'
RETURNING ` + jobColumns
	job, err := scanJob(s.db.QueryRow(ctx, query, workerID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, false, nil
	}
	if err != nil {
		return crawler.CrawlJob{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// Complete records the result of an in-progress job.
func (s *JobStore) Complete(
	ctx context.Context,
	jobID string,
	result crawler.JobResult,
	now time.Time,
) (crawler.CrawlJob, error) {
	query := `
UPDATE crawl_jobs
SET status = 'completed', completed_at = $2, error_message = '',
	processing_time_ms = $3, content_size = $4, compression_ratio = $5,
	chunks_created = $6, duplicates_found = $7, summary = $8
WHERE id = $1 AND status = 'in_progress'
RETURNING ` + jobColumns
	row := s.db.QueryRow(ctx, query,
		jobID,
		now,
		result.ProcessingTime.Milliseconds(),
		result.ContentSize,
		result.CompressionRatio,
		result.ChunksCreated,
		result.DuplicatesFound,
		result.Summary,
	)
	return s.transitioned(ctx, jobID, row)
}

// Fail marks an in-progress job terminally failed.
func (s *JobStore) Fail(ctx context.Context, jobID string, message string, now time.Time) (crawler.CrawlJob, error) {
	query := `
UPDATE crawl_jobs
SET status = 'failed', error_message = $2, completed_at = $3
WHERE id = $1 AND status = 'in_progress'
RETURNING ` + jobColumns
	return s.transitioned(ctx, jobID, s.db.QueryRow(ctx, query, jobID, message, now))
}

// Retry requeues an in-progress job after delay while retry budget remains,
// otherwise fails it. All SET expressions read the pre-update row.
func (s *JobStore) Retry(
	ctx context.Context,
	jobID string,
	message string,
	now time.Time,
	delay time.Duration,
) (crawler.CrawlJob, error) {
	query := `
UPDATE crawl_jobs
SET error_message = $2,
	status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
	retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
	available_at = CASE WHEN retry_count < max_retries THEN $4::timestamptz ELSE available_at END,
	worker_id = CASE WHEN retry_count < max_retries THEN '' ELSE worker_id END,
	started_at = CASE WHEN retry_count < max_retries THEN NULL ELSE started_at END,
	completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE $3::timestamptz END
WHERE id = $1 AND status = 'in_progress'
RETURNING ` + jobColumns
	row := s.db.QueryRow(ctx, query, jobID, message, now, now.Add(delay))
	return s.transitioned(ctx, jobID, row)
}

func (s *JobStore) transitioned(ctx context.Context, jobID string, row pgx.Row) (crawler.CrawlJob, error) {
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("load job %s status: %w", jobID, err)
	}
	return crawler.CrawlJob{}, fmt.Errorf("job %s is %s: %w", jobID, status, crawler.ErrInvalidTransition)
}

// ListRetryable returns failed jobs of a source with retry budget left.
func (s *JobStore) ListRetryable(ctx context.Context, sourceID string) ([]crawler.CrawlJob, error) {
	query := `SELECT ` + jobColumns + `
FROM crawl_jobs
WHERE source_id = $1 AND status = 'failed' AND retry_count < max_retries
ORDER BY created_at, id`
	return s.queryJobs(ctx, query, sourceID)
}

// ResetFailed moves a retryable failed job back to pending.
func (s *JobStore) ResetFailed(ctx context.Context, jobID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE crawl_jobs
SET status = 'pending', retry_count = retry_count + 1, available_at = $2,
	worker_id = '', started_at = NULL, completed_at = NULL
WHERE id = $1 AND status = 'failed' AND retry_count < max_retries`, jobID, now)
	if err != nil {
		return false, fmt.Errorf("reset job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

// ReapStale returns abandoned in-progress jobs to pending.
func (s *JobStore) ReapStale(ctx context.Context, startedBefore time.Time, now time.Time) ([]crawler.CrawlJob, error) {
	query := `
UPDATE crawl_jobs
SET status = 'pending', worker_id = '', started_at = NULL, available_at = $2
WHERE status = 'in_progress' AND started_at < $1
RETURNING ` + jobColumns
	return s.queryJobs(ctx, query, startedBefore, now)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobIDs returns the job IDs under a source in creation order.
func (s *JobStore) ListJobIDs(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM crawl_jobs WHERE source_id = $1 ORDER BY created_at, id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return ids, nil
}

// SourceMetrics aggregates job counts and completion metrics in one query.
func (s *JobStore) SourceMetrics(ctx context.Context, sourceID string) (crawler.SourceMetrics, error) {
	const query = `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'in_progress'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COALESCE(AVG(processing_time_ms) FILTER (WHERE status = 'completed'), 0)::float8,
	COALESCE(AVG(compression_ratio) FILTER (WHERE status = 'completed'), 0)::float8,
	COALESCE(SUM(chunks_created) FILTER (WHERE status = 'completed'), 0)::bigint,
	COALESCE(SUM(duplicates_found) FILTER (WHERE status = 'completed'), 0)::bigint
FROM crawl_jobs
WHERE source_id = $1`
	var (
		m       crawler.SourceMetrics
		avgMS   float64
		chunks  int64
		dupes   int64
		total   int64
		pending int64
		running int64
		done    int64
		failed  int64
	)
	err := s.db.QueryRow(ctx, query, sourceID).Scan(
		&total, &pending, &running, &done, &failed,
		&avgMS, &m.AvgCompressionRatio, &chunks, &dupes,
	)
	if err != nil {
		return crawler.SourceMetrics{}, fmt.Errorf("source metrics: %w", err)
	}
	m.Total = int(total)
	m.Pending = int(pending)
	m.InProgress = int(running)
	m.Completed = int(done)
	m.Failed = int(failed)
	m.AvgProcessingTime = time.Duration(avgMS * float64(time.Millisecond))
	m.TotalChunks = int(chunks)
	m.TotalDuplicates = int(dupes)
	return m, nil
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]crawler.CrawlJob, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []crawler.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (crawler.CrawlJob, error) {
	var (
		job          crawler.CrawlJob
		status       string
		priority     string
		processingMS int64
	)
	err := row.Scan(
		&job.ID,
		&job.SourceID,
		&job.CustomerID,
		&job.URL,
		&status,
		&priority,
		&job.RetryCount,
		&job.MaxRetries,
		&job.WorkerID,
		&job.CreatedAt,
		&job.AvailableAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.Error,
		&processingMS,
		&job.Result.ContentSize,
		&job.Result.CompressionRatio,
		&job.Result.ChunksCreated,
		&job.Result.DuplicatesFound,
		&job.Result.Summary,
	)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	job.Status = crawler.JobStatus(status)
	job.Priority = crawler.Priority(priority)
	job.Result.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	return job, nil
}
