// Package memory provides in-process implementations of the job repository,
// the chunk dedup store, and the blob store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// JobStore implements crawler.JobRepository with a mutex-guarded map. Every
// transition happens under the write lock, which makes each conditional
// update atomic.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.CrawlJob
	seq  map[string]int64
	next int64
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]crawler.CrawlJob),
		seq:  make(map[string]int64),
	}
}

// InsertJobs stores new jobs. The batch is rejected as a whole if any ID
// already exists.
func (s *JobStore) InsertJobs(_ context.Context, jobs []crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if _, exists := s.jobs[job.ID]; exists {
			return fmt.Errorf("job %s already exists", job.ID)
		}
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
		s.next++
		s.seq[job.ID] = s.next
	}
	return nil
}

// ClaimNext moves the best pending job to in_progress. Jobs are ordered by
// priority rank, then creation time, then insertion order.
func (s *JobStore) ClaimNext(_ context.Context, workerID string, now time.Time) (crawler.CrawlJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  crawler.CrawlJob
		found bool
	)
	for _, job := range s.jobs {
		if job.Status != crawler.JobStatusPending || job.AvailableAt.After(now) {
			continue
		}
		if !found || s.before(job, best) {
			best, found = job, true
		}
	}
	if !found {
		return crawler.CrawlJob{}, false, nil
	}
	best.Status = crawler.JobStatusInProgress
	best.WorkerID = workerID
	best.StartedAt = pointerTime(now)
	s.jobs[best.ID] = best
	return best, true, nil
}

func (s *JobStore) before(a, b crawler.CrawlJob) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() < b.Priority.Rank()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return s.seq[a.ID] < s.seq[b.ID]
}

// Complete marks an in-progress job completed with its metrics.
func (s *JobStore) Complete(
	_ context.Context,
	jobID string,
	result crawler.JobResult,
	now time.Time,
) (crawler.CrawlJob, error) {
	return s.transition(jobID, func(job *crawler.CrawlJob) {
		job.Status = crawler.JobStatusCompleted
		job.Result = result
		job.Error = ""
		job.CompletedAt = pointerTime(now)
	})
}

// Fail marks an in-progress job terminally failed.
func (s *JobStore) Fail(_ context.Context, jobID string, message string, now time.Time) (crawler.CrawlJob, error) {
	return s.transition(jobID, func(job *crawler.CrawlJob) {
		job.Status = crawler.JobStatusFailed
		job.Error = message
		job.CompletedAt = pointerTime(now)
	})
}

// Retry returns an in-progress job to pending while retry budget remains and
// fails it terminally otherwise.
func (s *JobStore) Retry(
	_ context.Context,
	jobID string,
	message string,
	now time.Time,
	delay time.Duration,
) (crawler.CrawlJob, error) {
	return s.transition(jobID, func(job *crawler.CrawlJob) {
		job.Error = message
		if job.RetryCount < job.MaxRetries {
			job.Status = crawler.JobStatusPending
			job.RetryCount++
			job.AvailableAt = now.Add(delay)
			job.WorkerID = ""
			job.StartedAt = nil
			return
		}
		job.Status = crawler.JobStatusFailed
		job.CompletedAt = pointerTime(now)
	})
}

func (s *JobStore) transition(jobID string, apply func(job *crawler.CrawlJob)) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if job.Status != crawler.JobStatusInProgress {
		return crawler.CrawlJob{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, crawler.ErrInvalidTransition)
	}
	apply(&job)
	s.jobs[jobID] = job
	return job, nil
}

// ListRetryable returns failed jobs of a source that still have retry budget.
func (s *JobStore) ListRetryable(_ context.Context, sourceID string) ([]crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CrawlJob
	for _, job := range s.jobs {
		if job.SourceID == sourceID && job.Status == crawler.JobStatusFailed && job.RetryCount < job.MaxRetries {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

// ResetFailed moves a retryable failed job back to pending. It reports false
// if the job is no longer failed with budget remaining.
func (s *JobStore) ResetFailed(_ context.Context, jobID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if job.Status != crawler.JobStatusFailed || job.RetryCount >= job.MaxRetries {
		return false, nil
	}
	job.Status = crawler.JobStatusPending
	job.RetryCount++
	job.AvailableAt = now
	job.WorkerID = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	s.jobs[jobID] = job
	return true, nil
}

// ReapStale resets jobs stuck in_progress since before startedBefore.
func (s *JobStore) ReapStale(_ context.Context, startedBefore time.Time, now time.Time) ([]crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reaped []crawler.CrawlJob
	for id, job := range s.jobs {
		if job.Status != crawler.JobStatusInProgress || job.StartedAt == nil || !job.StartedAt.Before(startedBefore) {
			continue
		}
		job.Status = crawler.JobStatusPending
		job.WorkerID = ""
		job.StartedAt = nil
		job.AvailableAt = now
		s.jobs[id] = job
		reaped = append(reaped, job)
	}
	return reaped, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return job, nil
}

// ListJobIDs returns the IDs of every job under a source in insertion order.
func (s *JobStore) ListJobIDs(_ context.Context, sourceID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, job := range s.jobs {
		if job.SourceID == sourceID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return s.seq[ids[i]] < s.seq[ids[j]] })
	return ids, nil
}

// SourceMetrics aggregates job counts and completion metrics for a source.
func (s *JobStore) SourceMetrics(_ context.Context, sourceID string) (crawler.SourceMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		m         crawler.SourceMetrics
		totalTime time.Duration
		ratioSum  float64
	)
	for _, job := range s.jobs {
		if job.SourceID != sourceID {
			continue
		}
		m.Total++
		switch job.Status {
		case crawler.JobStatusPending:
			m.Pending++
		case crawler.JobStatusInProgress:
			m.InProgress++
		case crawler.JobStatusFailed:
			m.Failed++
		case crawler.JobStatusCompleted:
			m.Completed++
			totalTime += job.Result.ProcessingTime
			ratioSum += job.Result.CompressionRatio
			m.TotalChunks += job.Result.ChunksCreated
			m.TotalDuplicates += job.Result.DuplicatesFound
		}
	}
	if m.Completed > 0 {
		m.AvgProcessingTime = totalTime / time.Duration(m.Completed)
		m.AvgCompressionRatio = ratioSum / float64(m.Completed)
	}
	return m, nil
}

func pointerTime(t time.Time) *time.Time {
	return &t
}
