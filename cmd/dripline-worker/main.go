// Package main provides the Dripline worker daemon: it polls the job
// queue and executes due runs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/dripline/dripline/pkg/cmd"
	"github.com/dripline/dripline/pkg/log"
	"github.com/dripline/dripline/pkg/otelhelper"
	"github.com/dripline/dripline/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "dripline-worker",
		Usage:                 "Execute automation runs from the durable job queue",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or a directory path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for shared rate limit counters (in-memory when empty)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often to poll for due jobs",
				Value:   scheduler.DefaultPollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Maximum jobs claimed per poll cycle",
				Value:   scheduler.DefaultBatchSize,
				Sources: cli.EnvVars("BATCH_SIZE"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Jobs executed in parallel",
				Value:   scheduler.DefaultConcurrency,
				Sources: cli.EnvVars("CONCURRENCY"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("worker")
			logger.InfoContext(ctx, "Initializing Dripline worker")

			engine, err := cmd.NewEngine(ctx, logger, cmd.EngineConfig{
				DatabaseURL:      command.String("database-url"),
				EventBusProvider: command.String("event-bus"),
				RedisURL:         command.String("redis-url"),
				ServiceName:      "dripline-worker",
			})
			if err != nil {
				return err
			}

			defer engine.Close(ctx, logger)

			opts := []scheduler.Option{
				scheduler.WithPollInterval(command.Duration("poll-interval")),
				scheduler.WithBatchSize(command.Int("batch-size")),
				scheduler.WithConcurrency(command.Int("concurrency")),
			}

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "dripline-worker")
				if err != nil {
					return err
				}

				opts = append(opts, scheduler.WithTracer(tracer))
			}

			pool := scheduler.NewWorkerPool(
				engine.Persistence.JobRepository(),
				engine.Persistence.RunRepository(),
				engine.Persistence.SettingsRepository(),
				engine.Executor,
				engine.Coordinator,
				engine.EventBus,
				logger,
				opts...,
			)

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := pool.Start(runCtx); err != nil && runCtx.Err() == nil {
				return err
			}

			// Give in-flight jobs a moment to land their persistence writes.
			time.Sleep(time.Second)

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
