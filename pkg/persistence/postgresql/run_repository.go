package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
)

// RunRepository handles automation run rows.
type RunRepository struct {
	db *sql.DB
}

const runColumns = `
	id, workflow_id, event_id, business_id, contact_id, status,
	current_node_id, context, steps_completed, max_steps,
	idempotency_key, failure_reason, started_at, deadline, updated_at
`

func (r *RunRepository) CreateRunIfAbsent(ctx context.Context, run *models.AutomationRun) (bool, error) {
	runContext, err := json.Marshal(run.Context)
	if err != nil {
		return false, fmt.Errorf("failed to marshal run context: %w", err)
	}

	// The unique constraint on idempotency_key makes enrollment races
	// harmless: the losing insert is a no-op, not an error.
	query := `
		INSERT INTO automation_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		run.ID, run.WorkflowID, run.EventID, run.BusinessID, run.ContactID, run.Status,
		run.CurrentNodeID, runContext, run.StepsCompleted, run.MaxSteps,
		run.IdempotencyKey, run.FailureReason, run.StartedAt, run.Deadline, run.UpdatedAt)
	if err != nil {
		return false, persistence.NewRunError("CreateRunIfAbsent", run.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewRunError("CreateRunIfAbsent", run.ID, err)
	}

	return affected > 0, nil
}

func (r *RunRepository) RunByID(ctx context.Context, id string) (*models.AutomationRun, error) {
	query := `SELECT ` + runColumns + ` FROM automation_runs WHERE id = $1`

	var (
		run        models.AutomationRun
		runContext []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.WorkflowID, &run.EventID, &run.BusinessID, &run.ContactID, &run.Status,
		&run.CurrentNodeID, &runContext, &run.StepsCompleted, &run.MaxSteps,
		&run.IdempotencyKey, &run.FailureReason, &run.StartedAt, &run.Deadline, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, persistence.NewRunError("RunByID", id, err)
	}

	if err := json.Unmarshal(runContext, &run.Context); err != nil {
		return nil, persistence.NewRunError("RunByID", id, err)
	}

	return &run, nil
}

func (r *RunRepository) UpdateRun(ctx context.Context, run *models.AutomationRun) error {
	runContext, err := json.Marshal(run.Context)
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	query := `
		UPDATE automation_runs
		SET current_node_id = $2,
			context = $3,
			steps_completed = $4,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, run.ID, run.CurrentNodeID, runContext, run.StepsCompleted)
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("UpdateRun", run.ID, err)
	}

	if affected == 0 {
		return persistence.ErrRunNotFound
	}

	return nil
}

func (r *RunRepository) TransitionStatus(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus, reason string) (bool, error) {
	fromStatuses := make([]string, len(from))
	for i, status := range from {
		fromStatuses[i] = string(status)
	}

	query := `
		UPDATE automation_runs
		SET status = $2,
			failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END,
			updated_at = NOW()
		WHERE id = $1
		  AND status = ANY($4)
	`

	result, err := r.db.ExecContext(ctx, query, runID, string(to), reason, pq.Array(fromStatuses))
	if err != nil {
		return false, persistence.NewRunError("TransitionStatus", runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewRunError("TransitionStatus", runID, err)
	}

	return affected > 0, nil
}
