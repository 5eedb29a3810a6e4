package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
)

// Repository accessors.

func (p *Persistence) EventRepository() persistence.EventRepository {
	return p.eventRepo
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) RunRepository() persistence.RunRepository {
	return p.runRepo
}

func (p *Persistence) JobRepository() persistence.JobRepository {
	return p.jobRepo
}

func (p *Persistence) LogRepository() persistence.LogRepository {
	return p.logRepo
}

func (p *Persistence) SettingsRepository() persistence.SettingsRepository {
	return p.settingsRepo
}

func (p *Persistence) EnrollmentRepository() persistence.EnrollmentRepository {
	return p.enrollmentRepo
}

const (
	eventsCollection      = "events"
	workflowsCollection   = "workflows"
	runsCollection        = "runs"
	jobsCollection        = "jobs"
	logsCollection        = "logs"
	settingsCollection    = "settings"
	enrollmentsCollection = "enrollments"
)

// EventRepository stores automation events as JSON files.
type EventRepository struct {
	store *Persistence
}

func (r *EventRepository) EventByID(_ context.Context, id string) (*models.AutomationEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var event models.AutomationEvent
	if err := r.store.read(eventsCollection, id, &event); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrEventNotFound
		}

		return nil, err
	}

	return &event, nil
}

// SaveEventResolvingDuplicate holds the store mutex across the lookup
// and the write, so concurrent deliveries of the same key serialize:
// whichever delivery enters first becomes the original, and every later
// one sees it.
func (r *EventRepository) SaveEventResolvingDuplicate(_ context.Context, event *models.AutomationEvent, since time.Time) (*models.AutomationEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var original *models.AutomationEvent

	err := r.store.readAll(eventsCollection, func(data []byte) error {
		var candidate models.AutomationEvent
		if err := unmarshal(data, &candidate); err != nil {
			return err
		}

		if candidate.BusinessID != event.BusinessID || candidate.DedupeKey != event.DedupeKey || candidate.ID == event.ID {
			return nil
		}

		if candidate.CreatedAt.Before(since) {
			return nil
		}

		if original == nil || candidate.CreatedAt.After(original.CreatedAt) {
			original = &candidate
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if original != nil {
		// Duplicates land already processed so matching never sees them.
		event.Processed = true
	}

	if err := r.store.write(eventsCollection, event.ID, event); err != nil {
		return nil, err
	}

	return original, nil
}

func (r *EventRepository) MarkEventProcessed(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var event models.AutomationEvent
	if err := r.store.read(eventsCollection, id, &event); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return persistence.ErrEventNotFound
		}

		return err
	}

	event.Processed = true

	return r.store.write(eventsCollection, id, &event)
}

// WorkflowRepository stores workflow definitions as JSON files.
type WorkflowRepository struct {
	store *Persistence
}

func (r *WorkflowRepository) SaveWorkflow(_ context.Context, workflow *models.Workflow) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(workflowsCollection, workflow.ID, workflow)
}

func (r *WorkflowRepository) WorkflowByID(_ context.Context, id string) (*models.Workflow, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var workflow models.Workflow
	if err := r.store.read(workflowsCollection, id, &workflow); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, err
	}

	return &workflow, nil
}

func (r *WorkflowRepository) ActiveByIntent(_ context.Context, businessID, intent string) ([]*models.Workflow, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	workflows := make([]*models.Workflow, 0)

	err := r.store.readAll(workflowsCollection, func(data []byte) error {
		var workflow models.Workflow
		if err := unmarshal(data, &workflow); err != nil {
			return err
		}

		if workflow.BusinessID == businessID && workflow.Active && workflow.TriggersOn(intent) {
			workflows = append(workflows, &workflow)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })

	return workflows, nil
}

// RunRepository stores automation runs as JSON files.
type RunRepository struct {
	store *Persistence
}

func (r *RunRepository) CreateRunIfAbsent(_ context.Context, run *models.AutomationRun) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	exists := false

	err := r.store.readAll(runsCollection, func(data []byte) error {
		var existing models.AutomationRun
		if err := unmarshal(data, &existing); err != nil {
			return err
		}

		if existing.IdempotencyKey == run.IdempotencyKey {
			exists = true
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	if exists {
		return false, nil
	}

	if err := r.store.write(runsCollection, run.ID, run); err != nil {
		return false, err
	}

	return true, nil
}

func (r *RunRepository) RunByID(_ context.Context, id string) (*models.AutomationRun, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.runByIDLocked(id)
}

func (r *RunRepository) runByIDLocked(id string) (*models.AutomationRun, error) {
	var run models.AutomationRun
	if err := r.store.read(runsCollection, id, &run); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, err
	}

	return &run, nil
}

func (r *RunRepository) UpdateRun(_ context.Context, run *models.AutomationRun) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	run.UpdatedAt = time.Now().UTC()

	return r.store.write(runsCollection, run.ID, run)
}

func (r *RunRepository) TransitionStatus(_ context.Context, runID string, from []models.RunStatus, to models.RunStatus, reason string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	run, err := r.runByIDLocked(runID)
	if err != nil {
		return false, err
	}

	eligible := false

	for _, status := range from {
		if run.Status == status {
			eligible = true

			break
		}
	}

	if !eligible {
		return false, nil
	}

	run.Status = to
	run.UpdatedAt = time.Now().UTC()

	if reason != "" {
		run.FailureReason = reason
	}

	if err := r.store.write(runsCollection, run.ID, run); err != nil {
		return false, err
	}

	return true, nil
}

// JobRepository stores the durable job queue as JSON files.
type JobRepository struct {
	store *Persistence
}

func (r *JobRepository) EnqueueJob(_ context.Context, job *models.AutomationJob) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(jobsCollection, job.ID, job)
}

func (r *JobRepository) JobByID(_ context.Context, id string) (*models.AutomationJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.jobByIDLocked(id)
}

func (r *JobRepository) jobByIDLocked(id string) (*models.AutomationJob, error) {
	var job models.AutomationJob
	if err := r.store.read(jobsCollection, id, &job); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrJobNotFound
		}

		return nil, err
	}

	return &job, nil
}

func (r *JobRepository) ClaimDue(_ context.Context, workerID string, limit int, now time.Time) ([]*models.AutomationJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	due := make([]*models.AutomationJob, 0)

	err := r.store.readAll(jobsCollection, func(data []byte) error {
		var job models.AutomationJob
		if err := unmarshal(data, &job); err != nil {
			return err
		}

		if job.Status == models.JobStatusPending && !job.ExecuteAt.After(now) {
			due = append(due, &job)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ExecuteAt.Before(due[j].ExecuteAt) })

	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.AutomationJob, 0, len(due))

	for _, job := range due {
		job.Status = models.JobStatusClaimed
		job.ClaimedBy = workerID
		job.UpdatedAt = time.Now().UTC()

		if err := r.store.write(jobsCollection, job.ID, job); err != nil {
			return nil, err
		}

		claimed = append(claimed, job)
	}

	return claimed, nil
}

func (r *JobRepository) CompleteJob(_ context.Context, id string) error {
	return r.setJobStatus(id, models.JobStatusCompleted)
}

func (r *JobRepository) FailJob(_ context.Context, id string) error {
	return r.setJobStatus(id, models.JobStatusFailed)
}

func (r *JobRepository) setJobStatus(id string, status models.JobStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, err := r.jobByIDLocked(id)
	if err != nil {
		return err
	}

	job.Status = status
	job.UpdatedAt = time.Now().UTC()

	return r.store.write(jobsCollection, id, job)
}

func (r *JobRepository) ReleaseJob(_ context.Context, id string, attempts int, executeAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, err := r.jobByIDLocked(id)
	if err != nil {
		return err
	}

	job.Status = models.JobStatusPending
	job.ClaimedBy = ""
	job.Attempts = attempts
	job.ExecuteAt = executeAt
	job.UpdatedAt = time.Now().UTC()

	return r.store.write(jobsCollection, id, job)
}

func (r *JobRepository) ReclaimStale(_ context.Context, olderThan time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stale := make([]*models.AutomationJob, 0)

	err := r.store.readAll(jobsCollection, func(data []byte) error {
		var job models.AutomationJob
		if err := unmarshal(data, &job); err != nil {
			return err
		}

		if job.Status == models.JobStatusClaimed && job.UpdatedAt.Before(olderThan) {
			stale = append(stale, &job)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, job := range stale {
		job.Status = models.JobStatusPending
		job.ClaimedBy = ""
		job.UpdatedAt = time.Now().UTC()

		if err := r.store.write(jobsCollection, job.ID, job); err != nil {
			return 0, err
		}
	}

	return len(stale), nil
}

func (r *JobRepository) PendingJobsForRun(_ context.Context, runID string) ([]*models.AutomationJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	jobs := make([]*models.AutomationJob, 0)

	err := r.store.readAll(jobsCollection, func(data []byte) error {
		var job models.AutomationJob
		if err := unmarshal(data, &job); err != nil {
			return err
		}

		if job.RunID == runID && job.Status == models.JobStatusPending {
			jobs = append(jobs, &job)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ExecuteAt.Before(jobs[j].ExecuteAt) })

	return jobs, nil
}

// LogRepository stores the append-only audit trail as JSON files.
type LogRepository struct {
	store *Persistence
}

func (r *LogRepository) AppendLog(_ context.Context, entry *models.AutomationLog) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(logsCollection, entry.ID, entry)
}

func (r *LogRepository) LogsForRun(_ context.Context, runID string) ([]*models.AutomationLog, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	logs := make([]*models.AutomationLog, 0)

	err := r.store.readAll(logsCollection, func(data []byte) error {
		var entry models.AutomationLog
		if err := unmarshal(data, &entry); err != nil {
			return err
		}

		if entry.RunID == runID {
			logs = append(logs, &entry)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })

	return logs, nil
}

// SettingsRepository stores business automation settings as JSON files.
type SettingsRepository struct {
	store *Persistence
}

func (r *SettingsRepository) SaveSettings(_ context.Context, settings *models.BusinessAutomationSettings) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(settingsCollection, settings.BusinessID, settings)
}

func (r *SettingsRepository) SettingsByBusiness(_ context.Context, businessID string) (*models.BusinessAutomationSettings, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var settings models.BusinessAutomationSettings
	if err := r.store.read(settingsCollection, businessID, &settings); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrSettingsNotFound
		}

		return nil, err
	}

	return &settings, nil
}

// EnrollmentRepository stores enrollment records as JSON files keyed by
// workflow×contact.
type EnrollmentRepository struct {
	store *Persistence
}

func enrollmentID(workflowID, contactID string) string {
	return workflowID + "_" + contactID
}

func (r *EnrollmentRepository) RecordEnrollment(_ context.Context, workflowID, contactID string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	id := enrollmentID(workflowID, contactID)

	var record models.EnrollmentRecord
	if err := r.store.read(enrollmentsCollection, id, &record); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}

		record = models.EnrollmentRecord{WorkflowID: workflowID, ContactID: contactID}
	}

	record.EnrollmentCount++
	record.LastEnrolledAt = at

	return r.store.write(enrollmentsCollection, id, &record)
}

func (r *EnrollmentRepository) EnrollmentFor(_ context.Context, workflowID, contactID string) (*models.EnrollmentRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var record models.EnrollmentRecord
	if err := r.store.read(enrollmentsCollection, enrollmentID(workflowID, contactID), &record); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.ErrEnrollmentNotFound
		}

		return nil, err
	}

	return &record, nil
}

func unmarshal(data []byte, entity any) error {
	if err := json.Unmarshal(data, entity); err != nil {
		return fmt.Errorf("failed to decode entity: %w", err)
	}

	return nil
}
