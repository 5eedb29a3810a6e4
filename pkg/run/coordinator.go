// Package run owns the automation run state machine. Every status
// change flows through the Coordinator, which enforces the one-way
// lifecycle with conditional persistence updates and emits the matching
// lifecycle events and audit log entries.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dripline/dripline/pkg/eventbus"
	"github.com/dripline/dripline/pkg/events"
	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
)

// Terminal failure reasons recorded on runs and surfaced in the audit
// trail.
const (
	ReasonLoopPrevention = "loop_prevention"
	ReasonTimeout        = "timeout"
	ReasonDispatchFailed = "dispatch_failed"
	ReasonNodeTraversal  = "node_traversal"
)

// Coordinator drives run status transitions.
type Coordinator struct {
	runs      persistence.RunRepository
	logs      persistence.LogRepository
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

func NewCoordinator(runs persistence.RunRepository, logs persistence.LogRepository, publisher eventbus.EventPublisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		runs:      runs,
		logs:      logs,
		publisher: publisher,
		logger:    logger.With("module", "run_coordinator"),
	}
}

// NewRun builds a pending run for an enrollment, positioned at the
// workflow's trigger node.
func NewRun(workflow *models.Workflow, event *models.AutomationEvent, contactID string, now time.Time) *models.AutomationRun {
	trigger := workflow.TriggerNode()

	triggerID := ""
	if trigger != nil {
		triggerID = trigger.ID
	}

	return &models.AutomationRun{
		ID:             uuid.New().String(),
		WorkflowID:     workflow.ID,
		EventID:        event.ID,
		BusinessID:     workflow.BusinessID,
		ContactID:      contactID,
		Status:         models.RunStatusPending,
		CurrentNodeID:  triggerID,
		Context:        map[string]any{"event": event.Payload, "intent": event.Intent},
		StepsCompleted: 0,
		MaxSteps:       models.DefaultMaxSteps,
		IdempotencyKey: models.RunIdempotencyKey(workflow.ID, contactID, event.ID),
		StartedAt:      now,
		Deadline:       now.Add(models.DefaultMaxRuntime),
		UpdatedAt:      now,
	}
}

// Start moves a pending run to running. Returns false when the run was
// not pending (already picked up, or terminal).
func (c *Coordinator) Start(ctx context.Context, run *models.AutomationRun) (bool, error) {
	ok, err := c.runs.TransitionStatus(ctx, run.ID, []models.RunStatus{models.RunStatusPending}, models.RunStatusRunning, "")
	if err != nil || !ok {
		return ok, err
	}

	run.Status = models.RunStatusRunning

	c.publish(ctx, run.ID, events.RunStarted{
		BaseEvent:  events.RunBase(uuid.New().String(), events.RunStartedEvent, run),
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
	})

	return true, nil
}

// Resume moves a waiting run back to running when a worker claims its
// wake-up job.
func (c *Coordinator) Resume(ctx context.Context, run *models.AutomationRun, jobID string) (bool, error) {
	ok, err := c.runs.TransitionStatus(ctx, run.ID, []models.RunStatus{models.RunStatusWaiting}, models.RunStatusRunning, "")
	if err != nil || !ok {
		return ok, err
	}

	run.Status = models.RunStatusRunning

	c.publish(ctx, run.ID, events.RunResumed{
		BaseEvent: events.RunBase(uuid.New().String(), events.RunResumedEvent, run),
		RunID:     run.ID,
		NodeID:    run.CurrentNodeID,
		JobID:     jobID,
	})

	return true, nil
}

// Suspend moves a running run to waiting with a wake-up job already
// persisted. guardrail marks deferrals as opposed to wait nodes.
func (c *Coordinator) Suspend(ctx context.Context, run *models.AutomationRun, nodeID string, resumeAt time.Time, reason, jobID string, guardrail bool) error {
	ok, err := c.runs.TransitionStatus(ctx, run.ID, []models.RunStatus{models.RunStatusRunning}, models.RunStatusWaiting, "")
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("run %s could not suspend: not running", run.ID)
	}

	run.Status = models.RunStatusWaiting

	c.Audit(ctx, run, nodeID, "info", "run suspended", map[string]any{
		"resume_at": resumeAt,
		"reason":    reason,
	})

	c.publish(ctx, run.ID, events.RunWaiting{
		BaseEvent: events.RunBase(uuid.New().String(), events.RunWaitingEvent, run),
		RunID:     run.ID,
		NodeID:    nodeID,
		ResumeAt:  resumeAt,
		Reason:    reason,
		JobID:     jobID,
		Guardrail: guardrail,
	})

	return nil
}

// Complete terminates a run successfully.
func (c *Coordinator) Complete(ctx context.Context, run *models.AutomationRun, goalSatisfied bool) error {
	ok, err := c.runs.TransitionStatus(ctx, run.ID, []models.RunStatus{models.RunStatusRunning}, models.RunStatusCompleted, "")
	if err != nil {
		return err
	}

	if !ok {
		// Already terminal; completion is idempotent.
		return nil
	}

	run.Status = models.RunStatusCompleted

	c.Audit(ctx, run, run.CurrentNodeID, "info", "run completed", map[string]any{
		"steps_completed": run.StepsCompleted,
		"goal_satisfied":  goalSatisfied,
	})

	c.publish(ctx, run.ID, events.RunCompleted{
		BaseEvent:      events.RunBase(uuid.New().String(), events.RunCompletedEvent, run),
		RunID:          run.ID,
		WorkflowID:     run.WorkflowID,
		StepsCompleted: run.StepsCompleted,
		GoalSatisfied:  goalSatisfied,
	})

	return nil
}

// Fail terminates a run with a failure reason. Safe to call from any
// non-terminal state.
func (c *Coordinator) Fail(ctx context.Context, run *models.AutomationRun, nodeID, reason string) error {
	from := []models.RunStatus{models.RunStatusPending, models.RunStatusRunning, models.RunStatusWaiting}

	ok, err := c.runs.TransitionStatus(ctx, run.ID, from, models.RunStatusFailed, reason)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	run.Status = models.RunStatusFailed
	run.FailureReason = reason

	c.logger.WarnContext(ctx, "Run failed",
		"run_id", run.ID,
		"workflow_id", run.WorkflowID,
		"node_id", nodeID,
		"reason", reason)

	c.Audit(ctx, run, nodeID, "warning", "run failed", map[string]any{"reason": reason})

	c.publish(ctx, run.ID, events.RunFailed{
		BaseEvent:  events.RunBase(uuid.New().String(), events.RunFailedEvent, run),
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Reason:     reason,
		NodeID:     nodeID,
	})

	return nil
}

// Cancel terminates a run on external request (e.g. contact
// unsubscribed). Returns false when the run was already terminal.
func (c *Coordinator) Cancel(ctx context.Context, runID, reason string) (bool, error) {
	run, err := c.runs.RunByID(ctx, runID)
	if err != nil {
		return false, err
	}

	from := []models.RunStatus{models.RunStatusPending, models.RunStatusRunning, models.RunStatusWaiting}

	ok, err := c.runs.TransitionStatus(ctx, runID, from, models.RunStatusCancelled, reason)
	if err != nil || !ok {
		return ok, err
	}

	run.Status = models.RunStatusCancelled

	c.Audit(ctx, run, run.CurrentNodeID, "info", "run cancelled", map[string]any{"reason": reason})

	c.publish(ctx, runID, events.RunCancelled{
		BaseEvent: events.RunBase(uuid.New().String(), events.RunCancelledEvent, run),
		RunID:     runID,
		Reason:    reason,
	})

	return true, nil
}

// Audit appends an entry to the run's durable audit trail. Audit
// failures are logged, never escalated: losing a log line must not fail
// a run.
func (c *Coordinator) Audit(ctx context.Context, run *models.AutomationRun, nodeID, level, message string, data map[string]any) {
	entry := &models.AutomationLog{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		NodeID:    nodeID,
		Level:     level,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	if err := c.logs.AppendLog(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "Failed to append audit log", "run_id", run.ID, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, key string, event eventbus.Event) {
	if c.publisher == nil {
		return
	}

	if err := c.publisher.Publish(ctx, key, event); err != nil {
		c.logger.ErrorContext(ctx, "Failed to publish lifecycle event",
			"event_type", event.GetType(), "error", err)
	}
}
