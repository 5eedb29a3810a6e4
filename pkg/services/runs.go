package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
	"github.com/dripline/dripline/pkg/run"
)

// Runs exposes read and cancel operations over automation runs.
type Runs struct {
	runs        persistence.RunRepository
	jobs        persistence.JobRepository
	logs        persistence.LogRepository
	coordinator *run.Coordinator
	logger      *slog.Logger
}

func NewRuns(
	runRepo persistence.RunRepository,
	jobs persistence.JobRepository,
	logs persistence.LogRepository,
	coordinator *run.Coordinator,
	logger *slog.Logger,
) *Runs {
	return &Runs{
		runs:        runRepo,
		jobs:        jobs,
		logs:        logs,
		coordinator: coordinator,
		logger:      logger.With("module", "runs_service"),
	}
}

// GetRun returns a run by ID.
func (s *Runs) GetRun(ctx context.Context, runID string) (*models.AutomationRun, error) {
	return s.runs.RunByID(ctx, runID)
}

// RunLogs returns the audit trail for a run, oldest first.
func (s *Runs) RunLogs(ctx context.Context, runID string) ([]*models.AutomationLog, error) {
	if _, err := s.runs.RunByID(ctx, runID); err != nil {
		return nil, err
	}

	return s.logs.LogsForRun(ctx, runID)
}

// CancelRun cancels a non-terminal run. Pending wake-up jobs are
// completed in place so workers never pick them up.
func (s *Runs) CancelRun(ctx context.Context, runID, reason string) (*models.AutomationRun, error) {
	if reason == "" {
		return nil, NewValidationError("CancelRun", "missing_reason", "reason is required", ErrMissingReason)
	}

	cancelled, err := s.coordinator.Cancel(ctx, runID, reason)
	if err != nil {
		return nil, err
	}

	if !cancelled {
		return nil, &ServiceError{
			Op:      "CancelRun",
			Code:    "run_terminal",
			Message: fmt.Sprintf("run %s is already terminal", runID),
			Err:     ErrRunAlreadyTerminal,
		}
	}

	pending, err := s.jobs.PendingJobsForRun(ctx, runID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list pending jobs after cancel",
			"run_id", runID, "error", err)
	}

	for _, job := range pending {
		if err := s.jobs.CompleteJob(ctx, job.ID); err != nil {
			s.logger.ErrorContext(ctx, "Failed to retire job after cancel",
				"job_id", job.ID, "run_id", runID, "error", err)
		}
	}

	return s.runs.RunByID(ctx, runID)
}
