// Package server builds the application's dependency graph from config and
// runs the HTTP API and the worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/api"
	"github.com/JakeFAU/crawl-ingest/internal/chunker"
	"github.com/JakeFAU/crawl-ingest/internal/clock/system"
	"github.com/JakeFAU/crawl-ingest/internal/compress"
	"github.com/JakeFAU/crawl-ingest/internal/config"
	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/dispatcher"
	"github.com/JakeFAU/crawl-ingest/internal/events"
	"github.com/JakeFAU/crawl-ingest/internal/events/sinks"
	collyfetcher "github.com/JakeFAU/crawl-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawl-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-ingest/internal/hash/sha256"
	"github.com/JakeFAU/crawl-ingest/internal/headless/detector"
	"github.com/JakeFAU/crawl-ingest/internal/id/uuid"
	"github.com/JakeFAU/crawl-ingest/internal/ingest"
	"github.com/JakeFAU/crawl-ingest/internal/metrics"
	"github.com/JakeFAU/crawl-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-ingest/internal/prune"
	gcppublisher "github.com/JakeFAU/crawl-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-ingest/internal/queue"
	"github.com/JakeFAU/crawl-ingest/internal/quota"
	quotamemory "github.com/JakeFAU/crawl-ingest/internal/quota/memory"
	quotaredis "github.com/JakeFAU/crawl-ingest/internal/quota/redis"
	gcsstorage "github.com/JakeFAU/crawl-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-ingest/internal/storage/postgres"
	s3storage "github.com/JakeFAU/crawl-ingest/internal/storage/s3"
	"github.com/JakeFAU/crawl-ingest/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *pgxpool.Pool
	redis        *redis.Client
	gcs          *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	headless     *headlessfetcher.Fetcher
	hub          *events.Hub
	wake         *sinks.WakeSink

	jobs   crawler.JobRepository
	chunks crawler.ChunkStore
	pages  crawler.PageRecorder

	// Quota gates admission; exposed for the CLI's stats command.
	Quota *quota.Manager
	// Queue is the job queue facade.
	Queue *queue.Queue
	// Service is the ingestion surface shared by the API and the CLI.
	Service *ingest.Service
}

// Build wires every dependency named by cfg. The caller owns the returned
// App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.String("quota_backend", cfg.Quota.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
	)

	ok := false
	defer func() {
		if !ok {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			app.Close(closeCtx)
		}
	}()

	if err := app.setupStores(ctx); err != nil {
		return nil, err
	}
	manager, err := app.setupQuota(ctx)
	if err != nil {
		return nil, err
	}
	app.Quota = manager
	if err := app.setupEvents(ctx); err != nil {
		return nil, err
	}

	app.Queue, err = queue.New(app.jobs, manager, app.hub, system.New(), uuid.NewUUIDGenerator(), queue.Config{
		MaxRetries:     cfg.Queue.MaxRetries,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:  cfg.Queue.RetryMaxDelay,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("queue init failed: %w", err)
	}
	app.Service, err = ingest.NewService(app.Queue, app.chunks, logger)
	if err != nil {
		return nil, fmt.Errorf("service init failed: %w", err)
	}
	ok = true
	return app, nil
}

func (a *App) setupStores(ctx context.Context) error {
	codec := compress.New(a.logger)
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured; jobs and chunks are kept in memory")
		a.jobs = memorystorage.NewJobStore()
		a.chunks = memorystorage.NewChunkStore(codec)
		a.pages = memorystorage.NewPageStore()
		return nil
	}
	var err error
	a.pool, err = pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if a.cfg.Database.MigrateOnStart {
		if err := pgstore.Migrate(ctx, a.pool); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres migrations applied")
	}
	if a.jobs, err = pgstore.NewJobStore(a.pool); err != nil {
		return fmt.Errorf("job store init failed: %w", err)
	}
	if a.chunks, err = pgstore.NewChunkStore(a.pool, codec); err != nil {
		return fmt.Errorf("chunk store init failed: %w", err)
	}
	if a.pages, err = pgstore.NewPageStore(a.pool, a.cfg.Database.PagesTable); err != nil {
		return fmt.Errorf("page store init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized", zap.String("pages_table", a.cfg.Database.PagesTable))
	return nil
}

func (a *App) setupQuota(ctx context.Context) (*quota.Manager, error) {
	var store quota.Store
	switch a.cfg.Quota.Backend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Quota.Redis.Addr,
			Password: a.cfg.Quota.Redis.Password,
			DB:       a.cfg.Quota.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		rs, err := quotaredis.New(a.redis, a.cfg.Quota.Redis.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("redis quota store init failed: %w", err)
		}
		store = rs
		a.logger.Info("using redis quota store", zap.String("addr", a.cfg.Quota.Redis.Addr))
	default:
		store = quotamemory.New()
		a.logger.Info("using in-memory quota store")
	}
	manager, err := quota.NewManager(store, a.cfg.QuotaSettings(), system.New(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("quota manager init failed: %w", err)
	}
	return manager, nil
}

func (a *App) setupEvents(ctx context.Context) error {
	a.wake = sinks.NewWakeSink()
	sinkList := []events.Sink{a.wake}

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	switch {
	case err == nil:
		sinkList = append(sinkList, promSink)
	case isAlreadyRegistered(err):
		a.logger.Debug("event collectors already registered")
	default:
		return fmt.Errorf("prometheus event sink init failed: %w", err)
	}

	if a.cfg.Events.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events")))
	}

	if a.cfg.PubSub.ProjectID != "" {
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.publisher, err = gcppublisher.New(a.pubsubClient)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		pubSink, err := sinks.NewPublisherSink(a.publisher, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("publisher sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	a.hub = events.NewHub(events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		SinkTimeout:    a.cfg.Events.SinkTimeout,
	}, a.logger, sinkList...)
	a.logger.Info("event hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		var err error
		a.gcs, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(a.gcs, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw pages to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		return store, nil
	case "s3":
		s3Cfg := s3storage.Config{
			Bucket:    a.cfg.Archive.Bucket,
			Region:    a.cfg.Archive.Region,
			Endpoint:  a.cfg.Archive.Endpoint,
			PathStyle: a.cfg.Archive.PathStyle,
		}
		client, err := s3storage.NewClient(ctx, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		store, err := s3storage.New(client, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw pages to S3", zap.String("bucket", a.cfg.Archive.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw pages locally", zap.String("path", a.cfg.Archive.LocalDir))
		return store, nil
	case "memory":
		a.logger.Info("archiving raw pages in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("raw page archive disabled")
		return nil, nil
	}
}

// NewProcessor builds the fetch → extract → chunk → prune → dedup pipeline.
func (a *App) NewProcessor(ctx context.Context) (*worker.Processor, error) {
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	counter, err := chunker.NewCounter(a.cfg.Chunking.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("token counter init failed: %w", err)
	}
	chunks := chunker.New(chunker.Config{
		MaxTokens:        a.cfg.Chunking.MaxTokens,
		MinSentenceChars: a.cfg.Chunking.MinSentenceChars,
		MinChunkChars:    a.cfg.Chunking.MinChunkChars,
	}, counter)
	pruner := prune.New(prune.Options{
		Advanced:            a.cfg.Chunking.Advanced,
		SimilarityThreshold: a.cfg.Chunking.SimilarityThreshold,
		CoverageThreshold:   a.cfg.Chunking.CoverageThreshold,
		MinTokens:           a.cfg.Chunking.MinTokens,
		Keywords:            a.cfg.Chunking.Keywords,
		Counter:             counter,
	})

	deps := worker.Deps{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Fetcher.UserAgent,
			RespectRobots: a.cfg.Fetcher.RespectRobots,
			Timeout:       a.cfg.Fetcher.Timeout,
			MaxBodyBytes:  a.cfg.Fetcher.MaxBodyBytes,
		}),
		Chunks:  a.chunks,
		Pages:   a.pages,
		Hasher:  sha256.New(),
		Clock:   system.New(),
		Chunker: chunks,
		Pruner:  pruner,
	}
	if archive != nil {
		deps.Archive = archive
	}
	if a.cfg.RateLimit.Enabled {
		deps.Politeness = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
			DefaultBurst: a.cfg.RateLimit.DefaultBurst,
			Hosts:        a.cfg.RateLimit.HostRates(),
		})
		a.logger.Info("per-host rate limiter enabled", zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS))
	}
	if a.cfg.Headless.Enabled {
		a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetcher.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
			SettleDelay:       a.cfg.Headless.SettleDelay,
			ExecPath:          a.cfg.Headless.ExecPath,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed; continuing without promotion", zap.Error(err))
		} else {
			deps.Headless = a.headless
			deps.Detector = detector.NewHeuristic(a.cfg.Headless.MinTextChars)
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	proc, err := worker.NewProcessor(deps, worker.ProcessorConfig{
		FetchTimeout: a.cfg.Fetcher.Timeout,
		MaxChunks:    a.cfg.Worker.MaxChunks,
		SummaryChars: a.cfg.Worker.SummaryChars,
		ArchivePath:  a.cfg.Archive.Prefix,
		HostPause:    a.cfg.Worker.HostPause,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("processor init failed: %w", err)
	}
	return proc, nil
}

// NewDispatcher builds the worker pool and the stale-job reaper.
func (a *App) NewDispatcher(ctx context.Context) (*dispatcher.Dispatcher, error) {
	proc, err := a.NewProcessor(ctx)
	if err != nil {
		return nil, err
	}
	runners := make([]dispatcher.Runner, 0, a.cfg.Worker.Concurrency)
	for i := range a.cfg.Worker.Concurrency {
		runners = append(runners, worker.New(a.Queue, proc, a.wake.C(), worker.Config{
			ID:            "worker-" + strconv.Itoa(i),
			PollInterval:  a.cfg.Worker.PollInterval,
			JobTimeout:    a.cfg.Worker.JobTimeout,
			SettleTimeout: a.cfg.Worker.SettleTimeout,
		}, a.logger))
	}
	return dispatcher.New(runners, a.Queue, dispatcher.Config{
		ReapInterval: a.cfg.Queue.ReapInterval,
		StaleAfter:   a.cfg.Queue.StaleAfter,
	}, a.logger), nil
}

// NewAPI builds the HTTP API with readiness checks for the configured
// backends.
func (a *App) NewAPI() *api.Server {
	checks := map[string]api.ReadinessCheck{}
	if a.pool != nil {
		checks["postgres"] = a.pool.Ping
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return api.NewServer(a.Service, api.Options{
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Readiness:      checks,
	}, a.logger)
}

// Serve runs the HTTP API and, when withWorkers is set, the worker pool
// until ctx is canceled.
func (a *App) Serve(ctx context.Context, withWorkers bool) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	if withWorkers {
		dispatch, err := a.NewDispatcher(ctx)
		if err != nil {
			return err
		}
		go func() {
			defer close(done)
			dispatch.Run(ctx)
		}()
	} else {
		close(done)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.NewAPI().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-done

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// RunWorkers runs only the worker pool until ctx is canceled.
func (a *App) RunWorkers(ctx context.Context) error {
	dispatch, err := a.NewDispatcher(ctx)
	if err != nil {
		return err
	}
	dispatch.Run(ctx)
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// Close flushes pending events and releases every client the App opened.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}
