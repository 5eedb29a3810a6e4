package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/dripline/dripline/pkg/cmd"
	"github.com/dripline/dripline/pkg/log"
	"github.com/dripline/dripline/pkg/scheduler"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "dripline-api",
		Usage:                 "Accept automation events and expose runs over HTTP",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
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
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Dripline API")

			engine, err := cmd.NewEngine(ctx, logger, cmd.EngineConfig{
				DatabaseURL:      command.String("database-url"),
				EventBusProvider: command.String("event-bus"),
				RedisURL:         command.String("redis-url"),
				ServiceName:      "dripline-api",
			})
			if err != nil {
				return err
			}

			defer engine.Close(ctx, logger)

			// The poll endpoint drives execution for deployments without a
			// resident worker.
			pool := scheduler.NewWorkerPool(
				engine.Persistence.JobRepository(),
				engine.Persistence.RunRepository(),
				engine.Persistence.SettingsRepository(),
				engine.Executor,
				engine.Coordinator,
				engine.EventBus,
				logger,
			)

			api := NewAPI(logger, engine, pool)

			if err := api.Start(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
