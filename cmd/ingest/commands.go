package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/config"
	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/logging"
	"github.com/JakeFAU/crawl-ingest/internal/server"
	pgstore "github.com/JakeFAU/crawl-ingest/internal/storage/postgres"
)

func loadConfig(cmd *cli.Command) (config.Config, *zap.Logger, error) {
	if err := config.LoadEnvFile(cmd.String("env-file")); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config failed: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     "crawl-ingest",
	})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

func buildApp(ctx context.Context, cmd *cli.Command) (*server.App, func(), error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		app.Close(closeCtx)
	}
	return app, closeFn, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	app, closeFn, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	return app.Serve(ctx, !cmd.Bool("no-workers"))
}

func workerAction(ctx context.Context, cmd *cli.Command) error {
	app, closeFn, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	return app.RunWorkers(ctx)
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required to migrate")
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	pool, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.Database.DSN})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	defer pool.Close()
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("postgres migrate failed: %w", err)
	}
	logger.Info("postgres migrations applied")
	return nil
}

func enqueueAction(ctx context.Context, cmd *cli.Command) error {
	urls := cmd.Args().Slice()
	if len(urls) == 0 {
		return errors.New("at least one URL is required")
	}
	priority, err := crawler.ParsePriority(cmd.String("priority"))
	if err != nil {
		return err
	}
	app, closeFn, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	ids, err := app.Service.EnqueueCrawl(ctx, cmd.String("customer"), cmd.String("source"), urls, priority)
	if qe, ok := crawler.IsQuotaExceeded(err); ok {
		return fmt.Errorf("%s limit reached; retry in %s", qe.Reason, qe.RetryAfter.Round(time.Second))
	}
	if err != nil {
		return err
	}
	return writeJSON(cmd, map[string]any{"job_ids": ids})
}

func statsAction(ctx context.Context, cmd *cli.Command) error {
	app, closeFn, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if source := cmd.String("source"); source != "" {
		metrics, err := app.Service.GetJobMetrics(ctx, source)
		if err != nil {
			return err
		}
		return writeJSON(cmd, metrics)
	}
	stats, err := app.Service.GetDeduplicationStats(ctx, cmd.String("customer"))
	if err != nil {
		return err
	}
	return writeJSON(cmd, stats)
}

func writeJSON(cmd *cli.Command, v any) error {
	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
