// Package ingest is the public surface of the crawl ingestion pipeline. It
// fronts the job queue and the deduplication store for the HTTP API and the
// CLI.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// Jobs is the queue surface the service needs.
type Jobs interface {
	Enqueue(ctx context.Context, sourceID, customerID string, urls []string, priority crawler.Priority) ([]string, error)
	RetryFailed(ctx context.Context, sourceID string) (int, error)
	Get(ctx context.Context, jobID string) (crawler.CrawlJob, error)
	Metrics(ctx context.Context, sourceID string) (crawler.SourceMetrics, error)
	ListJobIDs(ctx context.Context, sourceID string) ([]string, error)
}

// PageContent is the reconstructed text of one crawled page.
type PageContent struct {
	JobID  string   `json:"job_id"`
	URL    string   `json:"url"`
	Status string   `json:"status"`
	Chunks []string `json:"chunks"`
}

// Service implements the ingestion operations.
type Service struct {
	jobs   Jobs
	chunks crawler.ChunkStore
	logger *zap.Logger
}

// NewService wires the queue and chunk store.
func NewService(jobs Jobs, chunks crawler.ChunkStore, logger *zap.Logger) (*Service, error) {
	if jobs == nil {
		return nil, errors.New("job queue is required")
	}
	if chunks == nil {
		return nil, errors.New("chunk store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{jobs: jobs, chunks: chunks, logger: logger.Named("ingest")}, nil
}

// EnqueueCrawl admits one job per URL for the customer's source and returns
// the job IDs. Quota denials surface as *crawler.QuotaExceededError.
func (s *Service) EnqueueCrawl(
	ctx context.Context,
	customerID string,
	sourceID string,
	urls []string,
	priority crawler.Priority,
) ([]string, error) {
	ids, err := s.jobs.Enqueue(ctx, sourceID, customerID, urls, priority)
	if err != nil {
		return nil, fmt.Errorf("enqueue crawl: %w", err)
	}
	return ids, nil
}

// GetJobMetrics aggregates job outcomes for a source.
func (s *Service) GetJobMetrics(ctx context.Context, sourceID string) (crawler.SourceMetrics, error) {
	if err := requireID("source id", sourceID); err != nil {
		return crawler.SourceMetrics{}, err
	}
	m, err := s.jobs.Metrics(ctx, sourceID)
	if err != nil {
		return crawler.SourceMetrics{}, fmt.Errorf("get job metrics: %w", err)
	}
	return m, nil
}

// RetryFailedJobs resets the source's failed jobs that still have retries
// left and returns how many were reset.
func (s *Service) RetryFailedJobs(ctx context.Context, sourceID string) (int, error) {
	if err := requireID("source id", sourceID); err != nil {
		return 0, err
	}
	n, err := s.jobs.RetryFailed(ctx, sourceID)
	if err != nil {
		return n, fmt.Errorf("retry failed jobs: %w", err)
	}
	s.logger.Info("failed jobs reset", zap.String("source_id", sourceID), zap.Int("count", n))
	return n, nil
}

// GetDeduplicationStats reports chunk storage for one customer, or globally
// when customerID is empty.
func (s *Service) GetDeduplicationStats(ctx context.Context, customerID string) (crawler.DedupStats, error) {
	stats, err := s.chunks.Stats(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return crawler.DedupStats{}, fmt.Errorf("get deduplication stats: %w", err)
	}
	return stats, nil
}

// GetJob loads a single job.
func (s *Service) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	if err := requireID("job id", jobID); err != nil {
		return crawler.CrawlJob{}, err
	}
	return s.jobs.Get(ctx, jobID)
}

// ReleaseSource drops the chunk mappings of every page crawled for the
// source, deleting chunks nothing else references.
func (s *Service) ReleaseSource(ctx context.Context, sourceID string) (crawler.ReleaseResult, error) {
	if err := requireID("source id", sourceID); err != nil {
		return crawler.ReleaseResult{}, err
	}
	ids, err := s.jobs.ListJobIDs(ctx, sourceID)
	if err != nil {
		return crawler.ReleaseResult{}, fmt.Errorf("release source: %w", err)
	}
	var total crawler.ReleaseResult
	for _, id := range ids {
		res, err := s.chunks.ReleaseSource(ctx, id)
		if err != nil {
			return total, fmt.Errorf("release job %s: %w", id, err)
		}
		total.Mappings += res.Mappings
		total.ChunksDeleted += res.ChunksDeleted
	}
	s.logger.Info("source released",
		zap.String("source_id", sourceID),
		zap.Int("mappings", total.Mappings),
		zap.Int("chunks_deleted", total.ChunksDeleted),
	)
	return total, nil
}

// SourceContent reconstructs the stored chunks of every page of a source.
// Pages without chunks are included with an empty list.
func (s *Service) SourceContent(ctx context.Context, sourceID string) ([]PageContent, error) {
	if err := requireID("source id", sourceID); err != nil {
		return nil, err
	}
	ids, err := s.jobs.ListJobIDs(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("source content: %w", err)
	}
	pages := make([]PageContent, 0, len(ids))
	for _, id := range ids {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		chunks, err := s.chunks.SourceChunks(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load chunks for job %s: %w", id, err)
		}
		if chunks == nil {
			chunks = []string{}
		}
		pages = append(pages, PageContent{JobID: id, URL: job.URL, Status: string(job.Status), Chunks: chunks})
	}
	return pages, nil
}

func requireID(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", crawler.ErrInvalidInput, name)
	}
	return nil
}
