// Package matcher decides which workflows an inbound event enrolls a
// contact into. It owns every enrollment precondition: intent match,
// suppression, re-enrollment cooldowns, and the once-per-event
// idempotency guarantee.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dripline/dripline/pkg/compiler"
	"github.com/dripline/dripline/pkg/eventbus"
	"github.com/dripline/dripline/pkg/events"
	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
	"github.com/dripline/dripline/pkg/run"
)

// ContactDirectory resolves contacts from the surrounding CRM. A nil
// directory disables suppression checks, which is only acceptable in
// tests and single-tenant development setups.
type ContactDirectory interface {
	ContactByID(ctx context.Context, businessID, contactID string) (*models.Contact, error)
}

// Matcher enrolls contacts into workflows.
type Matcher struct {
	workflows   persistence.WorkflowRepository
	runs        persistence.RunRepository
	jobs        persistence.JobRepository
	enrollments persistence.EnrollmentRepository
	directory   ContactDirectory
	cache       *compiler.Cache
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

func NewMatcher(
	workflows persistence.WorkflowRepository,
	runs persistence.RunRepository,
	jobs persistence.JobRepository,
	enrollments persistence.EnrollmentRepository,
	directory ContactDirectory,
	cache *compiler.Cache,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Matcher {
	return &Matcher{
		workflows:   workflows,
		runs:        runs,
		jobs:        jobs,
		enrollments: enrollments,
		directory:   directory,
		cache:       cache,
		publisher:   publisher,
		logger:      logger.With("module", "matcher"),
	}
}

// Match enrolls the event's contact into every active workflow whose
// trigger intents include the event intent and whose enrollment
// preconditions pass. Returns the runs it created. One workflow failing
// never blocks enrollment into the others.
func (m *Matcher) Match(ctx context.Context, event *models.AutomationEvent) ([]*models.AutomationRun, error) {
	contactID := ContactIDFromPayload(event.Payload)
	if contactID == "" {
		m.logger.DebugContext(ctx, "Event carries no contact, skipping enrollment", "event_id", event.ID)

		return nil, nil
	}

	candidates, err := m.workflows.ActiveByIntent(ctx, event.BusinessID, event.Intent)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows for intent %s: %w", event.Intent, err)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	contact, err := m.resolveContact(ctx, event.BusinessID, contactID)
	if err != nil {
		return nil, err
	}

	if contact != nil && contact.Unsubscribed {
		m.logger.InfoContext(ctx, "Contact unsubscribed, skipping all enrollments",
			"contact_id", contactID, "event_id", event.ID)

		return nil, nil
	}

	now := time.Now().UTC()

	var created []*models.AutomationRun

	for _, workflow := range candidates {
		enrolled, err := m.enroll(ctx, workflow, event, contact, contactID, now)
		if err != nil {
			m.logger.ErrorContext(ctx, "Enrollment failed",
				"workflow_id", workflow.ID, "contact_id", contactID, "error", err)

			continue
		}

		if enrolled != nil {
			created = append(created, enrolled)
		}
	}

	return created, nil
}

func (m *Matcher) enroll(ctx context.Context, workflow *models.Workflow, event *models.AutomationEvent, contact *models.Contact, contactID string, now time.Time) (*models.AutomationRun, error) {
	if reason := m.suppressed(workflow, contact); reason != "" {
		m.logger.InfoContext(ctx, "Enrollment suppressed",
			"workflow_id", workflow.ID, "contact_id", contactID, "reason", reason)

		return nil, nil
	}

	allowed, err := m.cooldownAllows(ctx, workflow, contactID, now)
	if err != nil {
		return nil, err
	}

	if !allowed {
		return nil, nil
	}

	// Refuse to enroll into a definition that cannot execute.
	if _, err := m.cache.Get(ctx, workflow.ID); err != nil {
		m.logger.WarnContext(ctx, "Workflow failed compilation, skipping enrollment",
			"workflow_id", workflow.ID, "error", err)

		return nil, nil
	}

	newRun := run.NewRun(workflow, event, contactID, now)

	inserted, err := m.runs.CreateRunIfAbsent(ctx, newRun)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if !inserted {
		// Another delivery of this event already enrolled the contact.
		m.logger.InfoContext(ctx, "Enrollment already exists",
			"workflow_id", workflow.ID, "contact_id", contactID, "event_id", event.ID)

		return nil, nil
	}

	if err := m.enrollments.RecordEnrollment(ctx, workflow.ID, contactID, now); err != nil {
		m.logger.ErrorContext(ctx, "Failed to record enrollment count",
			"workflow_id", workflow.ID, "contact_id", contactID, "error", err)
	}

	// Every run executes through the durable queue, so even the first
	// step rides a job. ExecuteAt=now makes it due immediately.
	job := &models.AutomationJob{
		ID:        uuid.New().String(),
		RunID:     newRun.ID,
		NodeID:    newRun.CurrentNodeID,
		ExecuteAt: now,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.jobs.EnqueueJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue initial job for run %s: %w", newRun.ID, err)
	}

	m.logger.InfoContext(ctx, "Contact enrolled",
		"workflow_id", workflow.ID,
		"contact_id", contactID,
		"run_id", newRun.ID,
		"event_id", event.ID)

	if m.publisher != nil {
		enrolledEvent := events.RunEnrolled{
			BaseEvent:  events.RunBase(uuid.New().String(), events.RunEnrolledEvent, newRun),
			RunID:      newRun.ID,
			WorkflowID: workflow.ID,
			ContactID:  contactID,
			EventID:    event.ID,
		}

		if err := m.publisher.Publish(ctx, newRun.ID, enrolledEvent); err != nil {
			m.logger.ErrorContext(ctx, "Failed to publish enrollment event", "run_id", newRun.ID, "error", err)
		}
	}

	return newRun, nil
}

// suppressed returns the reason a contact is excluded from a workflow,
// or "" when enrollment may proceed.
func (m *Matcher) suppressed(workflow *models.Workflow, contact *models.Contact) string {
	if contact == nil {
		return ""
	}

	for _, tag := range workflow.SuppressionTags {
		for _, have := range contact.Tags {
			if tag == have {
				return "suppression_tag:" + tag
			}
		}
	}

	for _, stage := range workflow.SuppressionStages {
		if contact.PipelineStage == stage {
			return "suppression_stage:" + stage
		}
	}

	return ""
}

// cooldownAllows enforces the workflow's re-enrollment rules.
func (m *Matcher) cooldownAllows(ctx context.Context, workflow *models.Workflow, contactID string, now time.Time) (bool, error) {
	if workflow.MaxEnrollmentsPerContact <= 0 && workflow.ReenrollAfterDays <= 0 {
		return true, nil
	}

	record, err := m.enrollments.EnrollmentFor(ctx, workflow.ID, contactID)
	if err != nil {
		if persistence.IsEnrollmentNotFound(err) {
			return true, nil
		}

		return false, fmt.Errorf("failed to read enrollment record: %w", err)
	}

	if workflow.MaxEnrollmentsPerContact > 0 && record.EnrollmentCount >= workflow.MaxEnrollmentsPerContact {
		m.logger.InfoContext(ctx, "Enrollment cap reached",
			"workflow_id", workflow.ID, "contact_id", contactID, "count", record.EnrollmentCount)

		return false, nil
	}

	if workflow.ReenrollAfterDays > 0 {
		cooldown := time.Duration(workflow.ReenrollAfterDays) * 24 * time.Hour
		if now.Sub(record.LastEnrolledAt) < cooldown {
			m.logger.InfoContext(ctx, "Re-enrollment cooldown active",
				"workflow_id", workflow.ID,
				"contact_id", contactID,
				"last_enrolled_at", record.LastEnrolledAt)

			return false, nil
		}
	}

	return true, nil
}

func (m *Matcher) resolveContact(ctx context.Context, businessID, contactID string) (*models.Contact, error) {
	if m.directory == nil {
		return nil, nil
	}

	contact, err := m.directory.ContactByID(ctx, businessID, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve contact %s: %w", contactID, err)
	}

	return contact, nil
}

// ContactIDFromPayload extracts the contact reference from an event
// payload. Sources send either a flat contact_id or a nested contact
// object.
func ContactIDFromPayload(payload map[string]any) string {
	if id, ok := payload["contact_id"].(string); ok && id != "" {
		return id
	}

	if nested, ok := payload["contact"].(map[string]any); ok {
		if id, ok := nested["id"].(string); ok {
			return id
		}
	}

	return ""
}
