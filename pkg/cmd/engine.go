package cmd

import (
	"context"
	"log/slog"

	"github.com/dripline/dripline/pkg/compiler"
	"github.com/dripline/dripline/pkg/dedup"
	"github.com/dripline/dripline/pkg/dispatch"
	"github.com/dripline/dripline/pkg/eventbus"
	"github.com/dripline/dripline/pkg/executor"
	"github.com/dripline/dripline/pkg/guardrail"
	"github.com/dripline/dripline/pkg/matcher"
	"github.com/dripline/dripline/pkg/persistence"
	"github.com/dripline/dripline/pkg/run"
	"github.com/dripline/dripline/pkg/services"
)

// EngineConfig selects the engine's backing infrastructure.
type EngineConfig struct {
	DatabaseURL      string
	EventBusProvider string
	RedisURL         string
	ServiceName      string

	// Directory is optional; nil disables suppression and goal checks
	// against contact state.
	Directory matcher.ContactDirectory
}

// Engine bundles the wired engine components a binary needs.
type Engine struct {
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Registry    *dispatch.Registry
	Compiler    *compiler.Compiler
	Cache       *compiler.Cache
	Coordinator *run.Coordinator
	Counter     guardrail.MessageCounter
	Matcher     *matcher.Matcher
	Executor    *executor.Executor
	Intake      *services.Intake
	Runs        *services.Runs
}

// NewEngine wires the full engine stack over the configured backends.
func NewEngine(ctx context.Context, logger *slog.Logger, config EngineConfig) (*Engine, error) {
	store, err := NewPersistence(ctx, logger, config.DatabaseURL)
	if err != nil {
		return nil, err
	}

	bus, err := NewEventBus(config.EventBusProvider, config.ServiceName, logger)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(logger)
	workflowCompiler := compiler.New(registry)
	cache := compiler.NewCache(workflowCompiler, store.WorkflowRepository())

	var counter guardrail.MessageCounter
	if config.RedisURL != "" {
		counter, err = guardrail.NewRedisCounterFromURL(config.RedisURL)
		if err != nil {
			return nil, err
		}
	} else {
		counter = guardrail.NewMemoryCounter()
	}

	coordinator := run.NewCoordinator(store.RunRepository(), store.LogRepository(), bus, logger)

	workflowMatcher := matcher.NewMatcher(
		store.WorkflowRepository(),
		store.RunRepository(),
		store.JobRepository(),
		store.EnrollmentRepository(),
		config.Directory,
		cache,
		bus,
		logger,
	)

	gate := dedup.NewGate(store.EventRepository(), logger)

	exec := executor.NewExecutor(
		coordinator,
		store.RunRepository(),
		store.JobRepository(),
		store.SettingsRepository(),
		cache,
		registry,
		counter,
		logger,
	)

	if config.Directory != nil {
		exec = exec.WithContactDirectory(config.Directory)
	}

	intake := services.NewIntake(
		store.EventRepository(),
		store.SettingsRepository(),
		gate,
		workflowMatcher,
		bus,
		logger,
	)

	runsService := services.NewRuns(
		store.RunRepository(),
		store.JobRepository(),
		store.LogRepository(),
		coordinator,
		logger,
	)

	return &Engine{
		Persistence: store,
		EventBus:    bus,
		Registry:    registry,
		Compiler:    workflowCompiler,
		Cache:       cache,
		Coordinator: coordinator,
		Counter:     counter,
		Matcher:     workflowMatcher,
		Executor:    exec,
		Intake:      intake,
		Runs:        runsService,
	}, nil
}

// Close releases the engine's infrastructure.
func (e *Engine) Close(ctx context.Context, logger *slog.Logger) {
	if err := e.EventBus.Close(); err != nil {
		logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}

	if err := e.Persistence.Close(ctx); err != nil {
		logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}
