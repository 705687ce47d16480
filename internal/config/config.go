// Package config loads and validates ingestion service configuration via
// Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-ingest/internal/quota"
)

// EnvPrefix is prepended to every environment override, e.g.
// INGEST_SERVER_PORT.
const EnvPrefix = "INGEST"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects Postgres persistence. An empty DSN keeps jobs and
// chunks in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
	PagesTable      string        `mapstructure:"pages_table"`
}

// QuotaConfig holds tier limits and the counter backend.
type QuotaConfig struct {
	// Backend is "memory" or "redis".
	Backend              string                  `mapstructure:"backend"`
	DefaultTier          string                  `mapstructure:"default_tier"`
	Tiers                map[string]quota.Limits `mapstructure:"tiers"`
	Customers            map[string]string       `mapstructure:"customers"`
	ConcurrentRetryAfter time.Duration           `mapstructure:"concurrent_retry_after"`
	Redis                RedisConfig             `mapstructure:"redis"`
}

// RedisConfig locates the Redis instance holding quota counters.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// QueueConfig governs retries and stale-job reaping.
type QueueConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

// WorkerConfig sizes the worker pool and the per-job pipeline.
type WorkerConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	SettleTimeout time.Duration `mapstructure:"settle_timeout"`
	MaxChunks     int           `mapstructure:"max_chunks"`
	SummaryChars  int           `mapstructure:"summary_chars"`
	HostPause     time.Duration `mapstructure:"host_pause"`
}

// FetcherConfig configures the static HTTP fetcher.
type FetcherConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ExecPath          string        `mapstructure:"exec_path"`
	MinTextChars      int           `mapstructure:"min_text_chars"`
}

// RateLimitConfig is the per-host politeness budget.
type RateLimitConfig struct {
	Enabled      bool       `mapstructure:"enabled"`
	DefaultRPS   float64    `mapstructure:"default_rps"`
	DefaultBurst int        `mapstructure:"default_burst"`
	Hosts        []HostRate `mapstructure:"hosts"`
}

// HostRate overrides the request rate for one host. It is a list entry
// rather than a map key because hostnames contain Viper's key delimiter.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HostRates returns the overrides keyed by host.
func (c RateLimitConfig) HostRates() map[string]float64 {
	if len(c.Hosts) == 0 {
		return nil
	}
	out := make(map[string]float64, len(c.Hosts))
	for _, h := range c.Hosts {
		out[h.Host] = h.RPS
	}
	return out
}

// ChunkingConfig bounds chunk construction and pruning.
type ChunkingConfig struct {
	MaxTokens        int `mapstructure:"max_tokens"`
	MinSentenceChars int `mapstructure:"min_sentence_chars"`
	MinChunkChars    int `mapstructure:"min_chunk_chars"`
	// Tokenizer is "estimate" or a tiktoken encoding such as cl100k_base.
	Tokenizer           string   `mapstructure:"tokenizer"`
	Advanced            bool     `mapstructure:"advanced"`
	SimilarityThreshold float64  `mapstructure:"similarity_threshold"`
	CoverageThreshold   float64  `mapstructure:"coverage_threshold"`
	MinTokens           int      `mapstructure:"min_tokens"`
	Keywords            []string `mapstructure:"keywords"`
}

// ArchiveConfig selects where raw pages are archived.
type ArchiveConfig struct {
	// Backend is "none", "memory", "local", "gcs", or "s3".
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	Bucket    string `mapstructure:"bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
}

// LoadEnvFile reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an
// error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// Cloud Run injects PORT; the prefixed variable still wins.
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("database.pages_table", "crawl_pages")
	v.SetDefault("quota.backend", "memory")
	v.SetDefault("quota.default_tier", "basic")
	v.SetDefault("quota.concurrent_retry_after", "5s")
	v.SetDefault("quota.redis.addr", "localhost:6379")
	v.SetDefault("quota.redis.password", "")
	v.SetDefault("quota.redis.db", 0)
	v.SetDefault("quota.redis.key_prefix", "ingest:quota")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_base_delay", "2s")
	v.SetDefault("queue.retry_max_delay", "5m")
	v.SetDefault("queue.reap_interval", "1m")
	v.SetDefault("queue.stale_after", "10m")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.job_timeout", "2m")
	v.SetDefault("worker.settle_timeout", "10s")
	v.SetDefault("worker.max_chunks", 5)
	v.SetDefault("worker.summary_chars", 300)
	v.SetDefault("worker.host_pause", "30s")
	v.SetDefault("fetcher.user_agent", "crawl-ingest/0.1 (+https://github.com/JakeFAU/crawl-ingest)")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.timeout", "30s")
	v.SetDefault("fetcher.max_body_bytes", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.settle_delay", "500ms")
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.min_text_chars", 200)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("chunking.max_tokens", 150)
	v.SetDefault("chunking.min_sentence_chars", 15)
	v.SetDefault("chunking.min_chunk_chars", 25)
	v.SetDefault("chunking.tokenizer", "estimate")
	v.SetDefault("chunking.advanced", true)
	v.SetDefault("chunking.similarity_threshold", 0.85)
	v.SetDefault("chunking.coverage_threshold", 0.3)
	v.SetDefault("chunking.min_tokens", 20)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.local_dir", "data/raw")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.path_style", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 500)
	v.SetDefault("events.max_batch_wait", "200ms")
	v.SetDefault("events.sink_timeout", "10s")
	v.SetDefault("events.log_enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be > 0")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		return fmt.Errorf("rate_limit.default_rps must be > 0 when rate limiting is enabled")
	}
	switch c.Quota.Backend {
	case "memory":
	case "redis":
		if c.Quota.Redis.Addr == "" {
			return fmt.Errorf("quota.redis.addr must be set when quota.backend is redis")
		}
	default:
		return fmt.Errorf("quota.backend must be memory or redis, got %q", c.Quota.Backend)
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set when archive.backend is local")
		}
	case "gcs", "s3":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.backend is %s", c.Archive.Backend)
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, memory, local, gcs, s3, got %q", c.Archive.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	for i, h := range c.RateLimit.Hosts {
		if h.Host == "" || h.RPS <= 0 {
			return fmt.Errorf("rate_limit.hosts[%d] must name a host with rps > 0", i)
		}
	}
	for name, limits := range c.Quota.Tiers {
		if limits.Concurrent < 0 || limits.PerMinute < 0 || limits.PerHour < 0 || limits.PerDay < 0 {
			return fmt.Errorf("quota.tiers.%s limits must be >= 0", name)
		}
	}
	return nil
}

// QuotaSettings converts the quota section into quota.Config. Empty tiers
// select quota.DefaultTiers.
func (c Config) QuotaSettings() quota.Config {
	return quota.Config{
		Tiers:                c.Quota.Tiers,
		Customers:            c.Quota.Customers,
		DefaultTier:          c.Quota.DefaultTier,
		ConcurrentRetryAfter: c.Quota.ConcurrentRetryAfter,
	}
}
