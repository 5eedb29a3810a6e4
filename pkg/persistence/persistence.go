// Package persistence provides the data storage abstraction for the
// automation engine. Every entity that crosses a suspension point lives
// behind these interfaces; no in-memory-only state survives a step.
package persistence

import (
	"context"
	"time"

	"github.com/dripline/dripline/pkg/models"
)

// EventRepository stores inbound automation events.
type EventRepository interface {
	EventByID(ctx context.Context, id string) (*models.AutomationEvent, error)
	// SaveEventResolvingDuplicate persists the event and, in the same
	// critical section, looks for an earlier event for the business with
	// the same dedupe key created at or after since. When one exists the
	// event is stored already marked processed and the original is
	// returned; otherwise the returned original is nil. The lookup and
	// the insert are atomic, so two concurrent deliveries of the same
	// key serialize and exactly one of them is the original.
	SaveEventResolvingDuplicate(ctx context.Context, event *models.AutomationEvent, since time.Time) (*models.AutomationEvent, error)
	MarkEventProcessed(ctx context.Context, id string) error
}

// WorkflowRepository reads workflow definitions. Authoring happens in
// external tooling; SaveWorkflow exists for seeding and tests.
type WorkflowRepository interface {
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	// ActiveByIntent returns active workflows for the business whose
	// trigger mapping includes the intent.
	ActiveByIntent(ctx context.Context, businessID, intent string) ([]*models.Workflow, error)
}

// RunRepository owns automation run rows.
type RunRepository interface {
	// CreateRunIfAbsent inserts the run unless a run with the same
	// idempotency key already exists. Returns false (and no error) when
	// the insert lost the race.
	CreateRunIfAbsent(ctx context.Context, run *models.AutomationRun) (bool, error)
	RunByID(ctx context.Context, id string) (*models.AutomationRun, error)
	// UpdateRun persists mutable execution state (current node, context,
	// steps completed).
	UpdateRun(ctx context.Context, run *models.AutomationRun) error
	// TransitionStatus atomically moves the run from one of the given
	// statuses to the target status. Returns false when the run was not
	// in any of the from statuses (already terminal, or raced).
	TransitionStatus(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus, reason string) (bool, error)
}

// JobRepository owns the durable job queue.
type JobRepository interface {
	EnqueueJob(ctx context.Context, job *models.AutomationJob) error
	JobByID(ctx context.Context, id string) (*models.AutomationJob, error)
	// ClaimDue atomically claims up to limit pending jobs with
	// executeAt <= now. At most one worker ever claims a given job.
	ClaimDue(ctx context.Context, workerID string, limit int, now time.Time) ([]*models.AutomationJob, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string) error
	// ReleaseJob returns a claimed job to pending with an updated attempt
	// count and execute-at (retry with backoff).
	ReleaseJob(ctx context.Context, id string, attempts int, executeAt time.Time) error
	// ReclaimStale returns claimed jobs whose last update is older than
	// olderThan to pending, so jobs orphaned by a crashed worker run
	// again. Returns how many jobs were reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)
	// PendingJobsForRun lists not-yet-claimed jobs for a run.
	PendingJobsForRun(ctx context.Context, runID string) ([]*models.AutomationJob, error)
}

// LogRepository appends to and reads the per-run audit trail.
type LogRepository interface {
	AppendLog(ctx context.Context, entry *models.AutomationLog) error
	LogsForRun(ctx context.Context, runID string) ([]*models.AutomationLog, error)
}

// SettingsRepository reads per-business guardrail settings. Returns
// ErrSettingsNotFound when the business has none stored; callers apply
// models.DefaultSettings.
type SettingsRepository interface {
	SaveSettings(ctx context.Context, settings *models.BusinessAutomationSettings) error
	SettingsByBusiness(ctx context.Context, businessID string) (*models.BusinessAutomationSettings, error)
}

// EnrollmentRepository tracks per contact×workflow enrollment history.
type EnrollmentRepository interface {
	// RecordEnrollment upserts the record: increments the count and sets
	// last-enrolled-at.
	RecordEnrollment(ctx context.Context, workflowID, contactID string, at time.Time) error
	// EnrollmentFor returns ErrEnrollmentNotFound when the contact has
	// never been enrolled into the workflow.
	EnrollmentFor(ctx context.Context, workflowID, contactID string) (*models.EnrollmentRecord, error)
}

// Persistence aggregates the engine's repositories over one backing store.
type Persistence interface {
	EventRepository() EventRepository
	WorkflowRepository() WorkflowRepository
	RunRepository() RunRepository
	JobRepository() JobRepository
	LogRepository() LogRepository
	SettingsRepository() SettingsRepository
	EnrollmentRepository() EnrollmentRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
