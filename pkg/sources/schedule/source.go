// Package schedule emits recurring automation events on cron
// expressions, for workflows triggered by time instead of user activity
// (review request sweeps, dormant-lead reactivation).
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dripline/dripline/pkg/services"
)

// EventSubmitter accepts generated events. Implemented by the intake
// service.
type EventSubmitter interface {
	SubmitEvent(ctx context.Context, req services.SubmitEventRequest) (*services.SubmitEventResult, error)
}

// Entry is one recurring event definition.
type Entry struct {
	ID         string         `json:"id"`
	BusinessID string         `json:"business_id"`
	Intent     string         `json:"intent"`
	CronExpr   string         `json:"cron"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Validate checks the entry is runnable.
func (e Entry) Validate() error {
	if e.ID == "" {
		return errors.New("schedule entry ID is required")
	}

	if e.BusinessID == "" {
		return errors.New("schedule entry business ID is required")
	}

	if e.Intent == "" {
		return errors.New("schedule entry intent is required")
	}

	if _, err := cron.ParseStandard(e.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", e.CronExpr, err)
	}

	return nil
}

// Source drives a set of schedule entries.
type Source struct {
	entries   []Entry
	submitter EventSubmitter
	logger    *slog.Logger
	cron      *cron.Cron
}

func NewSource(entries []Entry, submitter EventSubmitter, logger *slog.Logger) (*Source, error) {
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return nil, err
		}
	}

	return &Source{
		entries:   entries,
		submitter: submitter,
		logger:    logger.With("module", "schedule_source"),
	}, nil
}

// Start registers all entries and starts the cron runner. Non-blocking.
func (s *Source) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	for _, entry := range s.entries {
		if _, err := s.cron.AddFunc(entry.CronExpr, s.emitter(entry)); err != nil {
			return fmt.Errorf("failed to schedule entry %s: %w", entry.ID, err)
		}

		s.logger.InfoContext(ctx, "Scheduled recurring event",
			"entry_id", entry.ID,
			"business_id", entry.BusinessID,
			"intent", entry.Intent,
			"cron", entry.CronExpr)
	}

	s.cron.Start()

	return nil
}

func (s *Source) emitter(entry Entry) func() {
	return func() {
		payload := make(map[string]any, len(entry.Payload)+2)
		for k, v := range entry.Payload {
			payload[k] = v
		}

		payload["schedule_id"] = entry.ID
		payload["fired_at"] = time.Now().UTC().Format(time.RFC3339)

		result, err := s.submitter.SubmitEvent(context.Background(), services.SubmitEventRequest{
			BusinessID: entry.BusinessID,
			Intent:     entry.Intent,
			Payload:    payload,
		})
		if err != nil {
			s.logger.Error("Failed to submit scheduled event",
				"entry_id", entry.ID, "error", err)

			return
		}

		s.logger.Info("Scheduled event submitted",
			"entry_id", entry.ID,
			"event_id", result.Event.ID,
			"enrollments", len(result.Runs))
	}
}

// Stop halts the cron runner and waits for in-flight emissions.
func (s *Source) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping schedule source")

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
