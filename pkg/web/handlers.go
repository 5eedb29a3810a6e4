package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/dripline/dripline/pkg/compiler"
	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
	"github.com/dripline/dripline/pkg/services"
)

// JobPoller drains due jobs on demand. Implemented by the scheduler's
// worker pool; exposed over HTTP so a serverless cron can drive
// execution without a resident worker process.
type JobPoller interface {
	PollOnce(ctx context.Context) (int, error)
	WorkerID() string
}

type APIHandlers struct {
	intake      *services.Intake
	runs        *services.Runs
	workflows   persistence.WorkflowRepository
	compiler    *compiler.Compiler
	poller      JobPoller
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	intake *services.Intake,
	runs *services.Runs,
	workflows persistence.WorkflowRepository,
	workflowCompiler *compiler.Compiler,
	poller JobPoller,
	store persistence.Persistence,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		intake:      intake,
		runs:        runs,
		workflows:   workflows,
		compiler:    workflowCompiler,
		poller:      poller,
		persistence: store,
		validator:   validate,
	}
}

// SubmitEvent accepts an inbound business event. Enrollment happens
// synchronously; execution rides the job queue.
func (h *APIHandlers) SubmitEvent(c fiber.Ctx) error {
	var req SubmitEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, "Validation failed: "+err.Error())
	}

	result, err := h.intake.SubmitEvent(c.Context(), services.SubmitEventRequest{
		BusinessID: req.BusinessID,
		Intent:     req.Intent,
		Payload:    req.Payload,
		DedupeKey:  req.DedupeKey,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	runs := make([]RunResponse, 0, len(result.Runs))
	for _, run := range result.Runs {
		runs = append(runs, TransformRunResponse(run))
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"event_id":  result.Event.ID,
		"duplicate": result.Duplicate,
		"runs":      runs,
	})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.runs.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformRunResponse(run))
}

func (h *APIHandlers) GetRunLogs(c fiber.Ctx) error {
	logs, err := h.runs.RunLogs(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"logs": logs})
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	var req CancelRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	run, err := h.runs.CancelRun(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformRunResponse(run))
}

// SaveWorkflow upserts a workflow definition. The definition must
// compile; broken graphs are rejected here, not at enrollment time.
func (h *APIHandlers) SaveWorkflow(c fiber.Ctx) error {
	var workflow models.Workflow
	if err := c.Bind().JSON(&workflow); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(workflow); err != nil {
		return badRequest(c, "Validation failed: "+err.Error())
	}

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if _, err := h.compiler.Compile(&workflow); err != nil {
		return badRequest(c, "Workflow does not compile: "+err.Error())
	}

	if err := h.workflows.SaveWorkflow(c.Context(), &workflow); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflows.WorkflowByID(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return notFound(c, "workflow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(workflow)
}

// PollJobs runs one claim-and-execute cycle. External schedulers hit
// this instead of running a worker daemon.
func (h *APIHandlers) PollJobs(c fiber.Ctx) error {
	claimed, err := h.poller.PollOnce(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(PollJobsResponse{Claimed: claimed, WorkerID: h.poller.WorkerID()})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	repositoryCheck := "ok"
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
		repositoryCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
