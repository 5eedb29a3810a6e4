// Package main provides the Dripline scheduler: it runs the trigger
// sources that feed the engine, recurring cron schedules and the
// inbound webhook listener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/dripline/dripline/pkg/cmd"
	"github.com/dripline/dripline/pkg/log"
	"github.com/dripline/dripline/pkg/sources/schedule"
	"github.com/dripline/dripline/pkg/sources/webhook"
)

func main() {
	logger := log.WithModule("scheduler")

	command := &cli.Command{
		Name:                  "dripline-scheduler",
		Usage:                 "Run trigger sources: cron schedules and inbound webhooks",
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
				Name:     "schedules",
				Usage:    "Path to a JSON file with schedule entries",
				Required: true,
				Sources:  cli.EnvVars("SCHEDULES_FILE"),
			},
			&cli.StringFlag{
				Name:    "webhook-port",
				Usage:   "Port for the inbound webhook listener (disabled when empty)",
				Sources: cli.EnvVars("WEBHOOK_PORT"),
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Usage:   "Shared secret required on inbound webhook deliveries",
				Sources: cli.EnvVars("WEBHOOK_SECRET"),
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

			logger.InfoContext(ctx, "Initializing Dripline scheduler")

			entries, err := loadEntries(command.String("schedules"))
			if err != nil {
				return err
			}

			engine, err := cmd.NewEngine(ctx, logger, cmd.EngineConfig{
				DatabaseURL:      command.String("database-url"),
				EventBusProvider: command.String("event-bus"),
				ServiceName:      "dripline-scheduler",
			})
			if err != nil {
				return err
			}

			defer engine.Close(ctx, logger)

			source, err := schedule.NewSource(entries, engine.Intake, logger)
			if err != nil {
				return err
			}

			if err := source.Start(ctx); err != nil {
				return err
			}

			var hooks *webhook.Source

			if port := command.String("webhook-port"); port != "" {
				hooks = webhook.NewSource(engine.Intake, command.String("webhook-secret"), logger)

				go func() {
					if err := hooks.Start(port); err != nil {
						logger.ErrorContext(ctx, "Webhook listener stopped", "error", err)
					}
				}()
			}

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			<-runCtx.Done()

			if hooks != nil {
				if err := hooks.Stop(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to stop webhook listener", "error", err)
				}
			}

			return source.Stop(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func loadEntries(path string) ([]schedule.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules file: %w", err)
	}

	var entries []schedule.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse schedules file: %w", err)
	}

	return entries, nil
}
