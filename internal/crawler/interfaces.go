package crawler

import (
	"context"
	"time"
)

// JobRepository persists crawl jobs and performs the conditional status
// transitions the queue relies on. Every transition out of a status is keyed
// on that status so concurrent callers cannot both win.
type JobRepository interface {
	InsertJobs(ctx context.Context, jobs []CrawlJob) error
	ClaimNext(ctx context.Context, workerID string, now time.Time) (CrawlJob, bool, error)
	Complete(ctx context.Context, jobID string, result JobResult, now time.Time) (CrawlJob, error)
	Fail(ctx context.Context, jobID string, message string, now time.Time) (CrawlJob, error)
	Retry(ctx context.Context, jobID string, message string, now time.Time, delay time.Duration) (CrawlJob, error)
	ListRetryable(ctx context.Context, sourceID string) ([]CrawlJob, error)
	ResetFailed(ctx context.Context, jobID string, now time.Time) (bool, error)
	ReapStale(ctx context.Context, startedBefore time.Time, now time.Time) ([]CrawlJob, error)
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	ListJobIDs(ctx context.Context, sourceID string) ([]string, error)
	SourceMetrics(ctx context.Context, sourceID string) (SourceMetrics, error)
}

// ChunkStore is the content-addressed deduplication store.
type ChunkStore interface {
	StoreOrReuse(ctx context.Context, content string, ref SourceRef) (StoreResult, error)
	ReleaseSource(ctx context.Context, sourceID string) (ReleaseResult, error)
	Stats(ctx context.Context, customerID string) (DedupStats, error)
	SourceChunks(ctx context.Context, sourceID string) ([]string, error)
}

// ContentCodec compresses chunk text and derives its content hash.
type ContentCodec interface {
	Compress(text string) []byte
	Decompress(data []byte) (string, error)
	Hash(text string) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Politeness delays fetches so a single host is not hammered.
type Politeness interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// PageRecorder persists fetch log entries.
type PageRecorder interface {
	RecordPage(ctx context.Context, record PageRecord) error
}
