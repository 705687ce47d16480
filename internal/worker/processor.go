package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/chunker"
	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/extract"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
	"github.com/JakeFAU/crawl-ingest/internal/prune"
)

// ProcessorConfig tunes the per-job pipeline.
type ProcessorConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	// MaxChunks is the number of chunks kept per page after pruning.
	MaxChunks    int    `mapstructure:"max_chunks"`
	SummaryChars int    `mapstructure:"summary_chars"`
	ArchivePath  string `mapstructure:"archive_prefix"`
	// HostPause holds a host back after it answers 429 or 503.
	HostPause time.Duration `mapstructure:"host_pause"`
}

// Deps are the collaborators a Processor drives. Fetcher, Chunks, Hasher,
// and Clock are required; the rest are optional.
type Deps struct {
	Fetcher    crawler.Fetcher
	Headless   crawler.Fetcher
	Detector   crawler.HeadlessDetector
	Politeness crawler.Politeness
	Chunks     crawler.ChunkStore
	Archive    crawler.BlobStore
	Pages      crawler.PageRecorder
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	Chunker    *chunker.Chunker
	Pruner     *prune.Pruner
}

// pauser is implemented by politeness policies that can back off a host.
type pauser interface {
	Pause(rawURL string, d time.Duration)
}

// Processor runs fetch → extract → chunk → prune → dedup for one job.
type Processor struct {
	deps   Deps
	cfg    ProcessorConfig
	logger *zap.Logger
}

// NewProcessor validates deps and builds a Processor.
func NewProcessor(deps Deps, cfg ProcessorConfig, logger *zap.Logger) (*Processor, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.Chunks == nil {
		return nil, errors.New("chunk store is required")
	}
	if deps.Hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Chunker == nil {
		deps.Chunker = chunker.New(chunker.DefaultConfig(), nil)
	}
	if deps.Pruner == nil {
		opts := prune.DefaultOptions()
		opts.Counter = deps.Chunker.Counter()
		deps.Pruner = prune.New(opts)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 5
	}
	if cfg.SummaryChars <= 0 {
		cfg.SummaryChars = 300
	}
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = "raw"
	}
	if cfg.HostPause <= 0 {
		cfg.HostPause = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{deps: deps, cfg: cfg, logger: logger}, nil
}

// Process crawls job.URL and stores its chunks under the job's ID. Pages
// with too little text complete with zero chunks. Errors wrap
// *crawler.FetchError, extract.ErrNotText, or a store failure.
func (p *Processor) Process(ctx context.Context, job crawler.CrawlJob) (crawler.JobResult, error) {
	start := p.deps.Clock.Now()
	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))

	resp, err := p.fetch(ctx, job, logger)
	if err != nil {
		return crawler.JobResult{}, err
	}

	contentType := resp.Headers.Get("Content-Type")
	text, err := timed("extract", func() (string, error) {
		return extract.Extract(resp.Body, contentType)
	})
	if err != nil {
		return crawler.JobResult{}, fmt.Errorf("extract %s: %w", job.URL, err)
	}

	result := crawler.JobResult{ContentSize: len(text)}
	selected, err := p.selectChunks(text)
	if errors.Is(err, crawler.ErrContentTooShort) {
		logger.Info("page has no chunkable content", zap.Int("chars", len(text)))
		if err := p.release(ctx, job.ID); err != nil {
			return crawler.JobResult{}, err
		}
		result.ProcessingTime = p.deps.Clock.Now().Sub(start)
		return result, nil
	}

	if err := p.release(ctx, job.ID); err != nil {
		return crawler.JobResult{}, err
	}
	var original, compressed int
	storeStart := time.Now()
	for i, chunk := range selected {
		res, err := p.deps.Chunks.StoreOrReuse(ctx, chunk.Text, crawler.SourceRef{
			SourceID:   job.ID,
			CustomerID: job.CustomerID,
			Index:      i,
			TokenCount: chunk.Tokens,
		})
		if err != nil {
			// A partial page must not pin chunks if this was the last attempt.
			if relErr := p.release(context.WithoutCancel(ctx), job.ID); relErr != nil {
				logger.Warn("release partial page failed", zap.Error(relErr))
			}
			return crawler.JobResult{}, fmt.Errorf("store chunk %d: %w", i, err)
		}
		metrics.ObserveChunk(res.Reused)
		if res.Reused {
			result.DuplicatesFound++
		} else {
			result.ChunksCreated++
		}
		original += res.OriginalSize
		compressed += res.CompressedSize
	}
	metrics.ObserveStage("store", time.Since(storeStart))

	if original > 0 {
		result.CompressionRatio = float64(compressed) / float64(original)
	}
	result.Summary = prune.Summarize(text, p.cfg.SummaryChars)
	result.ProcessingTime = p.deps.Clock.Now().Sub(start)
	logger.Debug("page processed",
		zap.Int("chunks_created", result.ChunksCreated),
		zap.Int("duplicates_found", result.DuplicatesFound),
		zap.Float64("compression_ratio", result.CompressionRatio),
	)
	return result, nil
}

func (p *Processor) fetch(ctx context.Context, job crawler.CrawlJob, logger *zap.Logger) (crawler.FetchResponse, error) {
	if p.deps.Politeness != nil {
		waitStart := time.Now()
		if err := p.deps.Politeness.Wait(ctx, job.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("politeness wait: %w", err)
		}
		metrics.ObserveStage("politeness", time.Since(waitStart))
	}

	req := crawler.FetchRequest{JobID: job.ID, URL: job.URL, Timeout: p.cfg.FetchTimeout}
	resp, err := timed("fetch", func() (crawler.FetchResponse, error) {
		return p.deps.Fetcher.Fetch(ctx, req)
	})
	if err != nil {
		p.observeFetchError(job.URL, err)
		return crawler.FetchResponse{}, err
	}
	metrics.ObserveFetch(job.URL, "success", len(resp.Body))

	if p.deps.Headless != nil && p.deps.Detector != nil && p.deps.Detector.ShouldPromote(resp) {
		rendered, err := timed("headless", func() (crawler.FetchResponse, error) {
			return p.deps.Headless.Fetch(ctx, req)
		})
		switch {
		case err == nil:
			logger.Info("headless promotion applied")
			resp = rendered
		case ctx.Err() != nil:
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch: %w", ctx.Err())
		default:
			logger.Warn("headless promotion failed; using static response", zap.Error(err))
		}
	}

	p.recordPage(ctx, job, resp, logger)
	return resp, nil
}

func (p *Processor) observeFetchError(rawURL string, err error) {
	var fe *crawler.FetchError
	if !errors.As(err, &fe) {
		return
	}
	outcome := "error"
	switch {
	case fe.Timeout():
		outcome = "timeout"
	case fe.StatusCode != 0:
		outcome = fmt.Sprintf("%dxx", fe.StatusCode/100)
	}
	metrics.ObserveFetch(rawURL, outcome, 0)
	if fe.StatusCode == 429 || fe.StatusCode == 503 {
		if pz, ok := p.deps.Politeness.(pauser); ok {
			pz.Pause(rawURL, p.cfg.HostPause)
		}
	}
}

// recordPage archives the raw body and writes the fetch log entry. Both are
// best effort; failures are logged and the pipeline continues.
func (p *Processor) recordPage(ctx context.Context, job crawler.CrawlJob, resp crawler.FetchResponse, logger *zap.Logger) {
	hash, err := p.deps.Hasher.Hash(resp.Body)
	if err != nil {
		logger.Warn("hash page body failed", zap.Error(err))
		return
	}
	contentType := resp.Headers.Get("Content-Type")

	var uri string
	if p.deps.Archive != nil {
		objectPath := path.Join(strings.Trim(p.cfg.ArchivePath, "/"), job.SourceID, job.ID, hash+".html")
		uri, err = p.deps.Archive.PutObject(ctx, objectPath, contentType, resp.Body)
		if err != nil {
			logger.Warn("archive raw page failed", zap.Error(err))
			uri = ""
		}
	}

	if p.deps.Pages == nil {
		return
	}
	record := crawler.PageRecord{
		JobID:        job.ID,
		SourceID:     job.SourceID,
		URL:          resp.URL,
		StatusCode:   resp.StatusCode,
		ContentType:  contentType,
		ContentHash:  hash,
		BlobURI:      uri,
		Headers:      resp.Headers,
		UsedHeadless: resp.UsedHeadless,
		FetchedAt:    p.deps.Clock.Now(),
	}
	if record.URL == "" {
		record.URL = job.URL
	}
	if err := p.deps.Pages.RecordPage(ctx, record); err != nil {
		logger.Warn("record page failed", zap.Error(err))
	}
}

// selectChunks splits text and keeps the pruned chunks in extraction order.
func (p *Processor) selectChunks(text string) ([]prune.Scored, error) {
	start := time.Now()
	defer func() { metrics.ObserveStage("chunk", time.Since(start)) }()

	chunks := p.deps.Chunker.Split(text)
	if len(chunks) == 0 {
		return nil, crawler.ErrContentTooShort
	}
	candidates := make([]prune.Candidate, len(chunks))
	for i, c := range chunks {
		candidates[i] = prune.Candidate{Index: c.Index, Text: c.Text, Tokens: c.Tokens}
	}
	selected := p.deps.Pruner.Prune(candidates, p.cfg.MaxChunks)
	if len(selected) == 0 {
		return nil, crawler.ErrContentTooShort
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Index < selected[j].Index })
	return selected, nil
}

// release drops mappings left by an earlier attempt at the same job.
func (p *Processor) release(ctx context.Context, jobID string) error {
	if _, err := p.deps.Chunks.ReleaseSource(ctx, jobID); err != nil {
		return fmt.Errorf("release previous chunks: %w", err)
	}
	return nil
}

func timed[T any](stage string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	metrics.ObserveStage(stage, time.Since(start))
	return v, err
}
