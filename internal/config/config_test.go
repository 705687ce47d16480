package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-ingest/internal/quota"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Quota.Backend)
	assert.Equal(t, "basic", cfg.Quota.DefaultTier)
	assert.Equal(t, 5*time.Second, cfg.Quota.ConcurrentRetryAfter)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Worker.JobTimeout)
	assert.Equal(t, 5, cfg.Worker.MaxChunks)
	assert.True(t, cfg.Chunking.Advanced)
	assert.Equal(t, 150, cfg.Chunking.MaxTokens)
	assert.Equal(t, "estimate", cfg.Chunking.Tokenizer)
	assert.Equal(t, 200*time.Millisecond, cfg.Events.MaxBatchWait)
	assert.Equal(t, "none", cfg.Archive.Backend)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 15s
database:
  dsn: postgres://ingest@localhost/ingest
  max_conns: 20
quota:
  backend: redis
  default_tier: pro
  redis:
    addr: redis:6379
  tiers:
    pro:
      concurrent: 10
      per_minute: 60
      per_hour: 1000
      per_day: 10000
  customers:
    acme: pro
worker:
  concurrency: 8
  job_timeout: 90s
rate_limit:
  hosts:
    - host: example.com
      rps: 0.5
archive:
  backend: s3
  bucket: raw-pages
  region: us-east-1
chunking:
  tokenizer: cl100k_base
  keywords: ["pricing", "sla"]
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "postgres://ingest@localhost/ingest", cfg.Database.DSN)
	assert.Equal(t, int32(20), cfg.Database.MaxConns)
	assert.Equal(t, "redis", cfg.Quota.Backend)
	assert.Equal(t, "redis:6379", cfg.Quota.Redis.Addr)
	assert.Equal(t, quota.Limits{Concurrent: 10, PerMinute: 60, PerHour: 1000, PerDay: 10000}, cfg.Quota.Tiers["pro"])
	assert.Equal(t, "pro", cfg.Quota.Customers["acme"])
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Worker.JobTimeout)
	assert.InDelta(t, 0.5, cfg.RateLimit.HostRates()["example.com"], 1e-9)
	assert.Equal(t, "s3", cfg.Archive.Backend)
	assert.Equal(t, []string{"pricing", "sla"}, cfg.Chunking.Keywords)

	qs := cfg.QuotaSettings()
	assert.Equal(t, "pro", qs.DefaultTier)
	assert.Equal(t, 5*time.Second, qs.ConcurrentRetryAfter)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INGEST_WORKER_CONCURRENCY", "12")
	t.Setenv("INGEST_DATABASE_DSN", "postgres://env/db")
	t.Setenv("INGEST_QUEUE_RETRY_BASE_DELAY", "750ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Worker.Concurrency)
	assert.Equal(t, "postgres://env/db", cfg.Database.DSN)
	assert.Equal(t, 750*time.Millisecond, cfg.Queue.RetryBaseDelay)
}

func TestLoadPortFallback(t *testing.T) {
	t.Setenv("PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)

	t.Setenv("INGEST_SERVER_PORT", "6060")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("INGEST_WORKER_CONCURRENCY=3\n"), 0o600))
	t.Setenv("INGEST_WORKER_CONCURRENCY", "")
	require.NoError(t, os.Unsetenv("INGEST_WORKER_CONCURRENCY"))

	require.NoError(t, LoadEnvFile(path))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Worker.Concurrency)

	require.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server:    ServerConfig{Port: 8080},
			Worker:    WorkerConfig{Concurrency: 1, JobTimeout: time.Minute},
			Fetcher:   FetcherConfig{Timeout: time.Second},
			Quota:     QuotaConfig{Backend: "memory"},
			RateLimit: RateLimitConfig{Enabled: true, DefaultRPS: 1},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"port":        {func(c *Config) { c.Server.Port = 0 }, "server.port must be > 0"},
		"concurrency": {func(c *Config) { c.Worker.Concurrency = 0 }, "worker.concurrency must be > 0"},
		"retries":     {func(c *Config) { c.Queue.MaxRetries = -1 }, "queue.max_retries must be >= 0"},
		"quota":       {func(c *Config) { c.Quota.Backend = "etcd" }, "quota.backend must be memory or redis"},
		"redis addr":  {func(c *Config) { c.Quota.Backend = "redis" }, "quota.redis.addr must be set"},
		"headless": {func(c *Config) {
			c.Headless.Enabled = true
		}, "headless.max_parallel must be > 0"},
		"archive":   {func(c *Config) { c.Archive.Backend = "gcs" }, "archive.bucket must be set"},
		"unknown":   {func(c *Config) { c.Archive.Backend = "ftp" }, "archive.backend must be one of"},
		"pubsub":    {func(c *Config) { c.PubSub.ProjectID = "proj" }, "pubsub.project_id and pubsub.topic_name"},
		"rps":       {func(c *Config) { c.RateLimit.DefaultRPS = 0 }, "rate_limit.default_rps must be > 0"},
		"host rate": {func(c *Config) { c.RateLimit.Hosts = []HostRate{{Host: "a.example"}} }, "rate_limit.hosts[0]"},
		"negative":  {func(c *Config) { c.Quota.Tiers = map[string]quota.Limits{"x": {PerDay: -1}} }, "quota.tiers.x"},
	}
	for name, tc := range cases {
		cfg := valid()
		tc.mutate(&cfg)
		err := cfg.Validate()
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), tc.want, name)
	}
}
