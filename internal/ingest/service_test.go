package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/compress"
	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/queue"
	"github.com/JakeFAU/crawl-ingest/internal/quota"
	quotamemory "github.com/JakeFAU/crawl-ingest/internal/quota/memory"
	"github.com/JakeFAU/crawl-ingest/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type harness struct {
	svc    *Service
	queue  *queue.Queue
	chunks *memory.ChunkStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := fixedClock{now: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
	mgr, err := quota.NewManager(quotamemory.New(), quota.Config{
		Customers: map[string]string{"acme": "pro"},
	}, clock, nil)
	require.NoError(t, err)
	q, err := queue.New(memory.NewJobStore(), mgr, nil, clock, &seqIDs{}, queue.Config{MaxRetries: 1}, nil)
	require.NoError(t, err)
	chunks := memory.NewChunkStore(compress.New(zap.NewNop()))
	svc, err := NewService(q, chunks, nil)
	require.NoError(t, err)
	return &harness{svc: svc, queue: q, chunks: chunks}
}

func (h *harness) store(t *testing.T, jobID, customer string, texts ...string) {
	t.Helper()
	for i, text := range texts {
		_, err := h.chunks.StoreOrReuse(context.Background(), text, crawler.SourceRef{
			SourceID: jobID, CustomerID: customer, Index: i, TokenCount: 10,
		})
		require.NoError(t, err)
	}
}

func TestEnqueueCrawlAndMetrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	ids, err := h.svc.EnqueueCrawl(ctx, "acme", "src-1",
		[]string{"https://example.com/a", "https://example.com/b"}, crawler.PriorityHigh)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	m, err := h.svc.GetJobMetrics(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Total)
	assert.Equal(t, 2, m.Pending)

	job, err := h.svc.GetJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "acme", job.CustomerID)
	assert.Equal(t, crawler.PriorityHigh, job.Priority)
}

func TestEnqueueCrawlSurfacesQuotaDenial(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.svc.EnqueueCrawl(context.Background(), "basic-co", "src-1",
		[]string{"https://a.example", "https://b.example", "https://c.example"}, crawler.PriorityNormal)
	qe, ok := crawler.IsQuotaExceeded(err)
	require.True(t, ok)
	assert.Equal(t, quota.ReasonConcurrent, qe.Reason)
	assert.Positive(t, qe.RetryAfter)
}

func TestGetJobMissing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.svc.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = h.svc.GetJob(context.Background(), " ")
	require.ErrorIs(t, err, crawler.ErrInvalidInput)
}

func TestRetryFailedJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	ids, err := h.svc.EnqueueCrawl(ctx, "acme", "src-1", []string{"https://example.com"}, crawler.PriorityNormal)
	require.NoError(t, err)
	_, ok, err := h.queue.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.queue.Fail(ctx, ids[0], "boom")
	require.NoError(t, err)

	n, err := h.svc.RetryFailedJobs(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := h.svc.GetJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusPending, job.Status)
}

func TestDeduplicationStatsAndRelease(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	ids, err := h.svc.EnqueueCrawl(ctx, "acme", "src-1",
		[]string{"https://example.com/a", "https://example.com/b"}, crawler.PriorityNormal)
	require.NoError(t, err)
	h.store(t, ids[0], "acme", "Shared pricing paragraph for every plan.", "Only on page a.")
	h.store(t, ids[1], "acme", "Shared pricing paragraph for every plan.")
	h.store(t, "other-job", "globex", "Globex specific support hours.")

	stats, err := h.svc.GetDeduplicationStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.UniqueChunks)
	assert.Equal(t, 3, stats.TotalReferences)

	global, err := h.svc.GetDeduplicationStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, global.UniqueChunks)

	content, err := h.svc.SourceContent(ctx, "src-1")
	require.NoError(t, err)
	require.Len(t, content, 2)
	byJob := map[string]PageContent{}
	for _, p := range content {
		byJob[p.JobID] = p
	}
	assert.Equal(t, []string{"Shared pricing paragraph for every plan.", "Only on page a."}, byJob[ids[0]].Chunks)
	assert.Equal(t, "https://example.com/b", byJob[ids[1]].URL)

	res, err := h.svc.ReleaseSource(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Mappings)
	assert.Equal(t, 2, res.ChunksDeleted)

	global, err = h.svc.GetDeduplicationStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, global.UniqueChunks)
	assert.Equal(t, 1, global.TotalReferences)
}

func TestNewServiceValidates(t *testing.T) {
	t.Parallel()

	_, err := NewService(nil, nil, nil)
	require.Error(t, err)
}
