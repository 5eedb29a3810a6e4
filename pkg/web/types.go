// Package web provides the HTTP surface of the automation engine: event
// intake, run inspection and cancellation, workflow authoring, and the
// job poll endpoint.
package web

import (
	"time"

	"github.com/dripline/dripline/pkg/models"
)

// SubmitEventRequest is the body of POST /events.
type SubmitEventRequest struct {
	BusinessID string         `json:"business_id" validate:"required"`
	Intent     string         `json:"intent"      validate:"required"`
	Payload    map[string]any `json:"payload,omitempty"`
	DedupeKey  string         `json:"dedupe_key,omitempty"`
}

// CancelRunRequest is the body of POST /runs/:id/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// RunResponse is the external view of a run. The internal idempotency
// key stays internal.
type RunResponse struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	EventID        string            `json:"event_id"`
	BusinessID     string            `json:"business_id"`
	ContactID      string            `json:"contact_id"`
	Status         models.RunStatus  `json:"status"`
	CurrentNodeID  string            `json:"current_node_id"`
	Context        map[string]any    `json:"context,omitempty"`
	StepsCompleted int               `json:"steps_completed"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// TransformRunResponse converts a run model into its API shape.
func TransformRunResponse(run *models.AutomationRun) RunResponse {
	return RunResponse{
		ID:             run.ID,
		WorkflowID:     run.WorkflowID,
		EventID:        run.EventID,
		BusinessID:     run.BusinessID,
		ContactID:      run.ContactID,
		Status:         run.Status,
		CurrentNodeID:  run.CurrentNodeID,
		Context:        run.Context,
		StepsCompleted: run.StepsCompleted,
		FailureReason:  run.FailureReason,
		StartedAt:      run.StartedAt,
		UpdatedAt:      run.UpdatedAt,
	}
}

// PollJobsResponse reports how many due jobs a poll cycle claimed.
type PollJobsResponse struct {
	Claimed  int    `json:"claimed"`
	WorkerID string `json:"worker_id"`
}
