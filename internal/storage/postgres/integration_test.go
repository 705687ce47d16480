package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/compress"
	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// startPostgres runs a throwaway container. Set INGEST_DOCKERTEST=1 to enable.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("INGEST_DOCKERTEST") != "1" {
		t.Skip("set INGEST_DOCKERTEST=1 to run Postgres integration tests")
	}

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)
	pool.MaxWait = 2 * time.Minute

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_USER=ingest",
			"POSTGRES_DB=ingest",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("postgres://ingest:secret@%s/ingest?sslmode=disable", resource.GetHostPort("5432/tcp"))
	var db *pgxpool.Pool
	err = pool.Retry(func() error {
		var openErr error
		db, openErr = Open(context.Background(), Config{DSN: dsn, MaxConns: 20})
		return openErr
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func TestIntegrationConcurrentDedup(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	store, err := NewChunkStore(db, compress.New(zap.NewNop()))
	require.NoError(t, err)

	const sources = 16
	var wg sync.WaitGroup
	for i := 0; i < sources; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ref := crawler.SourceRef{SourceID: fmt.Sprintf("page-%d", n), CustomerID: "acme", Index: 0}
			_, err := store.StoreOrReuse(ctx, "The same paragraph appears on every page.", ref)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := store.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UniqueChunks)
	assert.Equal(t, sources, stats.TotalReferences)

	for i := 0; i < sources; i++ {
		_, err := store.ReleaseSource(ctx, fmt.Sprintf("page-%d", i))
		require.NoError(t, err)
	}
	stats, err = store.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.UniqueChunks)
}

func TestIntegrationClaimIsExclusive(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	store, err := NewJobStore(db)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	jobs := make([]crawler.CrawlJob, 0, 40)
	for i := 0; i < 40; i++ {
		jobs = append(jobs, crawler.CrawlJob{
			ID:          fmt.Sprintf("job-%02d", i),
			SourceID:    "src",
			CustomerID:  "acme",
			URL:         fmt.Sprintf("https://example.com/%d", i),
			Status:      crawler.JobStatusPending,
			Priority:    crawler.PriorityNormal,
			MaxRetries:  3,
			CreatedAt:   now,
			AvailableAt: now,
		})
	}
	require.NoError(t, store.InsertJobs(ctx, jobs))

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, ok, err := store.ClaimNext(ctx, worker, now)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	require.Len(t, claimed, len(jobs))
	for id, n := range claimed {
		assert.Equal(t, 1, n, id)
	}
}
