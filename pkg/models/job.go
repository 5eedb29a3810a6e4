package models

import "time"

// JobStatus is the lifecycle state of a durable work item.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// AutomationJob is a durable "wake me up at ExecuteAt to resume run
// RunID at node NodeID". Jobs are the only mechanism that carries a run
// across a suspension point, so they must survive process restarts.
type AutomationJob struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	ExecuteAt time.Time `json:"execute_at"`
	Attempts  int       `json:"attempts"`
	Status    JobStatus `json:"status"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
