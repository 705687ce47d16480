package crawler

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted by the job queue.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Priority orders pending jobs for claiming.
type Priority string

// Supported priorities, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PrioritySlow   Priority = "slow"
)

// Rank returns the claim order; lower ranks are claimed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PrioritySlow:
		return 2
	default:
		return 1
	}
}

// ParsePriority maps user input onto a Priority, defaulting to normal.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PrioritySlow:
		return PrioritySlow, nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

// CrawlJob is the durable record of a single URL crawl.
type CrawlJob struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	CustomerID  string     `json:"customer_id"`
	URL         string     `json:"url"`
	Status      JobStatus  `json:"status"`
	Priority    Priority   `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	WorkerID    string     `json:"worker_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	AvailableAt time.Time  `json:"available_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error_message,omitempty"`
	Result      JobResult  `json:"result"`
}

// JobResult carries completion metrics recorded by the worker.
type JobResult struct {
	ProcessingTime   time.Duration `json:"processing_time"`
	ContentSize      int           `json:"content_size"`
	CompressionRatio float64       `json:"compression_ratio"`
	ChunksCreated    int           `json:"chunks_created"`
	DuplicatesFound  int           `json:"duplicates_found"`
	Summary          string        `json:"summary,omitempty"`
}

// SourceMetrics aggregates job outcomes for a parent source.
type SourceMetrics struct {
	Total               int           `json:"total"`
	Pending             int           `json:"pending"`
	InProgress          int           `json:"in_progress"`
	Completed           int           `json:"completed"`
	Failed              int           `json:"failed"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
	AvgCompressionRatio float64       `json:"avg_compression_ratio"`
	TotalChunks         int           `json:"total_chunks"`
	TotalDuplicates     int           `json:"total_duplicates"`
}

// Chunk is a content-addressed, compressed span of page text.
type Chunk struct {
	ID             int64     `json:"id"`
	ContentHash    string    `json:"content_hash"`
	Data           []byte    `json:"-"`
	TokenCount     int       `json:"token_count"`
	OriginalSize   int       `json:"original_size"`
	CompressedSize int       `json:"compressed_size"`
	RefCount       int       `json:"ref_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// SourceRef locates a chunk occurrence within a crawled page.
type SourceRef struct {
	SourceID   string
	CustomerID string
	Index      int
	TokenCount int
}

// StoreResult reports the outcome of StoreOrReuse.
type StoreResult struct {
	ChunkID        int64
	Reused         bool
	OriginalSize   int
	CompressedSize int
}

// ReleaseResult reports the outcome of ReleaseSource.
type ReleaseResult struct {
	Mappings      int `json:"mappings"`
	ChunksDeleted int `json:"chunks_deleted"`
}

// DedupStats summarises chunk storage globally or for one customer.
type DedupStats struct {
	UniqueChunks     int     `json:"unique_chunks"`
	TotalReferences  int     `json:"total_references"`
	AverageRefCount  float64 `json:"average_ref_count"`
	CompressionRatio float64 `json:"compression_ratio"`
	SpaceSaved       int64   `json:"space_saved"`
}

// DedupTotals holds the raw sums a store aggregates; Stats derives ratios.
type DedupTotals struct {
	UniqueChunks    int
	TotalReferences int
	OriginalBytes   int64
	CompressedBytes int64
	LogicalBytes    int64
}

// Stats converts raw sums into the reported ratios.
func (t DedupTotals) Stats() DedupStats {
	stats := DedupStats{
		UniqueChunks:    t.UniqueChunks,
		TotalReferences: t.TotalReferences,
		SpaceSaved:      t.LogicalBytes - t.CompressedBytes,
	}
	if t.UniqueChunks > 0 {
		stats.AverageRefCount = float64(t.TotalReferences) / float64(t.UniqueChunks)
	}
	if t.OriginalBytes > 0 {
		stats.CompressionRatio = float64(t.CompressedBytes) / float64(t.OriginalBytes)
	}
	return stats
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse represents the output of a fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// PageRecord is the fetch log entry written for every page a worker
// retrieves, whether or not it produced chunks.
type PageRecord struct {
	JobID        string      `json:"job_id"`
	SourceID     string      `json:"source_id"`
	URL          string      `json:"url"`
	StatusCode   int         `json:"status_code"`
	ContentType  string      `json:"content_type"`
	ContentHash  string      `json:"content_hash"`
	BlobURI      string      `json:"blob_uri,omitempty"`
	Headers      http.Header `json:"headers,omitempty"`
	UsedHeadless bool        `json:"used_headless"`
	FetchedAt    time.Time   `json:"fetched_at"`
}
