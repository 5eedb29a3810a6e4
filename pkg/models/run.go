package models

import "time"

// RunStatus is the lifecycle state of an automation run. Transitions are
// one-way: once a run reaches a terminal state it never leaves it.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Run execution limits. A run that walks more than MaxSteps nodes is
// assumed to be looping; a run older than MaxRuntime is timed out.
const (
	DefaultMaxSteps   = 100
	DefaultMaxRuntime = 30 * time.Minute
)

// AutomationRun is one enrollment of a contact into a workflow for a
// specific event. The engine exclusively owns its lifecycle.
type AutomationRun struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	EventID        string         `json:"event_id"`
	BusinessID     string         `json:"business_id"`
	ContactID      string         `json:"contact_id"`
	Status         RunStatus      `json:"status"`
	CurrentNodeID  string         `json:"current_node_id"`
	Context        map[string]any `json:"context,omitempty"` // accumulated action results
	StepsCompleted int            `json:"steps_completed"`
	MaxSteps       int            `json:"max_steps"`
	IdempotencyKey string         `json:"idempotency_key"` // unique per workflow+contact+event
	FailureReason  string         `json:"failure_reason,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	Deadline       time.Time      `json:"deadline"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RunIdempotencyKey builds the unique enrollment key for a
// workflow+contact+event triple.
func RunIdempotencyKey(workflowID, contactID, eventID string) string {
	return workflowID + ":" + contactID + ":" + eventID
}

// MergeContext folds action context updates into the run context.
func (r *AutomationRun) MergeContext(updates map[string]any) {
	if len(updates) == 0 {
		return
	}

	if r.Context == nil {
		r.Context = make(map[string]any, len(updates))
	}

	for k, v := range updates {
		r.Context[k] = v
	}
}
