package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dripline/dripline/pkg/dedup"
	"github.com/dripline/dripline/pkg/eventbus"
	"github.com/dripline/dripline/pkg/events"
	"github.com/dripline/dripline/pkg/matcher"
	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
)

// Intake is the event submission pipeline: persist, dedupe, match,
// enroll. Every inbound event flows through SubmitEvent exactly once.
type Intake struct {
	events    persistence.EventRepository
	settings  persistence.SettingsRepository
	gate      *dedup.Gate
	matcher   *matcher.Matcher
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

func NewIntake(
	eventRepo persistence.EventRepository,
	settings persistence.SettingsRepository,
	gate *dedup.Gate,
	workflowMatcher *matcher.Matcher,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Intake {
	return &Intake{
		events:    eventRepo,
		settings:  settings,
		gate:      gate,
		matcher:   workflowMatcher,
		publisher: publisher,
		logger:    logger.With("module", "intake"),
	}
}

// SubmitEventRequest is an inbound business event from a trigger source.
type SubmitEventRequest struct {
	BusinessID string         `json:"business_id" validate:"required"`
	Intent     string         `json:"intent"      validate:"required"`
	Payload    map[string]any `json:"payload,omitempty"`
	DedupeKey  string         `json:"dedupe_key,omitempty"`
}

// SubmitEventResult reports what intake did with the event.
type SubmitEventResult struct {
	Event     *models.AutomationEvent  `json:"event"`
	Duplicate bool                     `json:"duplicate"`
	Runs      []*models.AutomationRun  `json:"runs,omitempty"`
}

// SubmitEvent persists the event, runs it through the dedup gate and,
// for originals, enrolls matching workflows. Duplicates are persisted
// too; the audit trail must show every delivery.
func (i *Intake) SubmitEvent(ctx context.Context, req SubmitEventRequest) (*SubmitEventResult, error) {
	if req.BusinessID == "" {
		return nil, NewValidationError("SubmitEvent", "missing_business_id", "business_id is required", ErrMissingBusinessID)
	}

	if req.Intent == "" {
		return nil, NewValidationError("SubmitEvent", "missing_intent", "intent is required", ErrMissingIntent)
	}

	event := &models.AutomationEvent{
		ID:         uuid.New().String(),
		BusinessID: req.BusinessID,
		Intent:     req.Intent,
		Payload:    req.Payload,
		DedupeKey:  req.DedupeKey,
		CreatedAt:  time.Now().UTC(),
	}

	settings := i.businessSettings(ctx, req.BusinessID)

	// The gate persists the event alongside the duplicate decision, so
	// the stored row carries the dedupe key the next delivery is matched
	// against.
	duplicate, original, err := i.gate.Check(ctx, event, settings)
	if err != nil {
		return nil, fmt.Errorf("dedup check failed: %w", err)
	}

	if duplicate {
		i.publish(ctx, event.ID, events.EventDuplicate{
			BaseEvent:  events.NewBase(uuid.New().String(), events.EventDuplicateEvent, event.BusinessID),
			EventID:    event.ID,
			DedupeKey:  event.DedupeKey,
			OriginalID: original.ID,
		})

		return &SubmitEventResult{Event: event, Duplicate: true}, nil
	}

	runs, err := i.matcher.Match(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("workflow matching failed: %w", err)
	}

	if err := i.events.MarkEventProcessed(ctx, event.ID); err != nil {
		return nil, fmt.Errorf("failed to mark event processed: %w", err)
	}

	event.Processed = true

	i.publish(ctx, event.ID, events.EventReceived{
		BaseEvent: events.NewBase(uuid.New().String(), events.EventReceivedEvent, event.BusinessID),
		EventID:   event.ID,
		Intent:    event.Intent,
	})

	i.logger.InfoContext(ctx, "Event processed",
		"event_id", event.ID,
		"business_id", event.BusinessID,
		"intent", event.Intent,
		"enrollments", len(runs))

	return &SubmitEventResult{Event: event, Runs: runs}, nil
}

func (i *Intake) businessSettings(ctx context.Context, businessID string) *models.BusinessAutomationSettings {
	settings, err := i.settings.SettingsByBusiness(ctx, businessID)
	if err != nil {
		if !persistence.IsSettingsNotFound(err) {
			i.logger.ErrorContext(ctx, "Failed to load settings, using defaults",
				"business_id", businessID, "error", err)
		}

		return models.DefaultSettings(businessID)
	}

	return settings
}

func (i *Intake) publish(ctx context.Context, key string, event eventbus.Event) {
	if i.publisher == nil {
		return
	}

	if err := i.publisher.Publish(ctx, key, event); err != nil {
		i.logger.ErrorContext(ctx, "Failed to publish intake event",
			"event_type", event.GetType(), "error", err)
	}
}
