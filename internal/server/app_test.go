package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/crawl-ingest/internal/config"
	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

const articleHTML = `<html><head><title>Plans</title></head><body>
<nav>Home | Pricing | Contact</nav>
<main>
<p>The Pro plan costs $49 per month and includes priority support for every team.</p>
<p>Enterprise customers receive a dedicated account manager and custom contract terms.</p>
<p>All plans include unlimited projects, daily backups, and single sign-on integration.</p>
</main>
<footer>Copyright 2026</footer>
</body></html>`

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Worker.Concurrency = 2
	cfg.Worker.PollInterval = 20 * time.Millisecond
	cfg.RateLimit.Enabled = false
	cfg.Archive.Backend = "memory"
	cfg.Quota.DefaultTier = "pro"
	return cfg
}

func TestBuildMemoryBackends(t *testing.T) {
	cfg := memoryConfig(t)
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	assert.Nil(t, app.pool)
	assert.Nil(t, app.redis)
	assert.NotNil(t, app.Queue)
	assert.NotNil(t, app.Service)

	rec := httptest.NewRecorder()
	app.NewAPI().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRejectsUnknownTokenizer(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Chunking.Tokenizer = "no-such-encoding"
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	_, err = app.NewProcessor(context.Background())
	require.Error(t, err)
}

func TestWorkersCrawlEnqueuedURLs(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	t.Cleanup(site.Close)

	cfg := memoryConfig(t)
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunWorkers(ctx) }()

	ids, err := app.Service.EnqueueCrawl(ctx, "cust-1", "src-1",
		[]string{site.URL + "/pricing", site.URL + "/plans"}, crawler.PriorityNormal)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.Eventually(t, func() bool {
		m, err := app.Service.GetJobMetrics(ctx, "src-1")
		return err == nil && m.Completed == 2
	}, 5*time.Second, 20*time.Millisecond)

	job, err := app.Service.GetJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusCompleted, job.Status)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}
