// Package main provides the Dripline API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/dripline/dripline/pkg/cmd"
	"github.com/dripline/dripline/pkg/web"
)

type API struct {
	logger   *slog.Logger
	engine   *cmd.Engine
	poller   web.JobPoller
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, engine *cmd.Engine, poller web.JobPoller) *API {
	return &API{
		logger:   logger,
		engine:   engine,
		poller:   poller,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		a.engine.Intake,
		a.engine.Runs,
		a.engine.Persistence.WorkflowRepository(),
		a.engine.Compiler,
		a.poller,
		a.engine.Persistence,
		a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Dripline API")
	})

	app.Post("/events", handlers.SubmitEvent)

	r := app.Group("/runs")
	r.Get("/:id", handlers.GetRun)
	r.Get("/:id/logs", handlers.GetRunLogs)
	r.Post("/:id/cancel", handlers.CancelRun)

	w := app.Group("/workflows")
	w.Post("/", handlers.SaveWorkflow)
	w.Get("/:id", handlers.GetWorkflow)

	app.Post("/jobs/poll", handlers.PollJobs)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
