package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ingest: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "crawl web pages into a deduplicated chunk store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("INGEST_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before the config",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API and the worker pool",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "no-workers",
						Usage: "serve the API without processing jobs",
					},
				},
				Action: serveAction,
			},
			{
				Name:   "worker",
				Usage:  "run the worker pool without the HTTP API",
				Action: workerAction,
			},
			{
				Name:   "migrate",
				Usage:  "apply the Postgres schema",
				Action: migrateAction,
			},
			{
				Name:      "enqueue",
				Usage:     "admit crawl jobs for a source",
				ArgsUsage: "URL [URL...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "customer",
						Usage:    "customer ID charged for the jobs",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "source",
						Usage:    "parent source ID",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "priority",
						Usage: "high, normal, or slow",
						Value: "normal",
					},
				},
				Action: enqueueAction,
			},
			{
				Name:  "stats",
				Usage: "print dedup stats, or job metrics when --source is set",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "customer",
						Usage: "limit dedup stats to one customer",
					},
					&cli.StringFlag{
						Name:  "source",
						Usage: "print job metrics for a source",
					},
				},
				Action: statsAction,
			},
		},
	}
}
