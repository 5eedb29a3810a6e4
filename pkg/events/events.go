// Package events defines the lifecycle notifications the engine publishes
// for downstream observers (dashboards, analytics, audit consumers).
package events

import (
	"time"

	"github.com/dripline/dripline/pkg/models"
)

type EventType string

// Kafka topic for engine lifecycle events.
const Topic = "dripline.engine.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Intake events.
	EventReceivedEvent  EventType = "event.received"
	EventDuplicateEvent EventType = "event.duplicate"

	// Run lifecycle events.
	RunEnrolledEvent  EventType = "run.enrolled"
	RunStartedEvent   EventType = "run.started"
	RunWaitingEvent   EventType = "run.waiting"
	RunResumedEvent   EventType = "run.resumed"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"

	// Job events.
	JobRetriedEvent EventType = "job.retried"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	BusinessID string         `json:"business_id,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EventReceived is published after an inbound event clears the dedup gate.
type EventReceived struct {
	BaseEvent

	EventID string `json:"event_id"`
	Intent  string `json:"intent"`
}

func (e EventReceived) GetType() EventType {
	return EventReceivedEvent
}

// EventDuplicate is published when the dedup gate drops an event.
type EventDuplicate struct {
	BaseEvent

	EventID    string `json:"event_id"`
	DedupeKey  string `json:"dedupe_key"`
	OriginalID string `json:"original_id"`
}

func (e EventDuplicate) GetType() EventType {
	return EventDuplicateEvent
}

// RunEnrolled is published for each run the matcher creates.
type RunEnrolled struct {
	BaseEvent

	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	ContactID  string `json:"contact_id"`
	EventID    string `json:"event_id"`
}

func (e RunEnrolled) GetType() EventType {
	return RunEnrolledEvent
}

// RunStarted is published on the Pending -> Running transition.
type RunStarted struct {
	BaseEvent

	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

// RunWaiting is published when a run suspends on a wait node or a
// guardrail deferral.
type RunWaiting struct {
	BaseEvent

	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	ResumeAt  time.Time `json:"resume_at"`
	Reason    string    `json:"reason"`
	JobID     string    `json:"job_id"`
	Guardrail bool      `json:"guardrail"`
}

func (e RunWaiting) GetType() EventType {
	return RunWaitingEvent
}

// RunResumed is published when a worker picks a waiting run back up.
type RunResumed struct {
	BaseEvent

	RunID  string `json:"run_id"`
	NodeID string `json:"node_id"`
	JobID  string `json:"job_id"`
}

func (e RunResumed) GetType() EventType {
	return RunResumedEvent
}

// RunCompleted is published when a run reaches its end or satisfies a goal.
type RunCompleted struct {
	BaseEvent

	RunID          string `json:"run_id"`
	WorkflowID     string `json:"workflow_id"`
	StepsCompleted int    `json:"steps_completed"`
	GoalSatisfied  bool   `json:"goal_satisfied"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

// RunFailed is published on any terminal failure.
type RunFailed struct {
	BaseEvent

	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason"`
	NodeID     string `json:"node_id,omitempty"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

// RunCancelled is published when an external cancel lands.
type RunCancelled struct {
	BaseEvent

	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

// JobRetried is published when a transient dispatch failure re-queues a job.
type JobRetried struct {
	BaseEvent

	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id"`
	Attempts  int       `json:"attempts"`
	NextRunAt time.Time `json:"next_run_at"`
}

func (e JobRetried) GetType() EventType {
	return JobRetriedEvent
}

// NewBase builds the common envelope for a lifecycle event.
func NewBase(id string, eventType EventType, businessID string) BaseEvent {
	return BaseEvent{
		ID:         id,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		BusinessID: businessID,
	}
}

// RunBase builds the envelope from a run.
func RunBase(id string, eventType EventType, run *models.AutomationRun) BaseEvent {
	return NewBase(id, eventType, run.BusinessID)
}
