package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
)

// JobRepository handles the durable job queue.
type JobRepository struct {
	db *sql.DB
}

const jobColumns = `
	id, run_id, node_id, execute_at, attempts, status, claimed_by, created_at, updated_at
`

func (r *JobRepository) EnqueueJob(ctx context.Context, job *models.AutomationJob) error {
	query := `
		INSERT INTO automation_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.RunID, job.NodeID, job.ExecuteAt, job.Attempts,
		job.Status, job.ClaimedBy, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return &persistence.JobError{Op: "EnqueueJob", JobID: job.ID, Err: err}
	}

	return nil
}

func (r *JobRepository) JobByID(ctx context.Context, id string) (*models.AutomationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM automation_jobs WHERE id = $1`

	var job models.AutomationJob

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.RunID, &job.NodeID, &job.ExecuteAt, &job.Attempts,
		&job.Status, &job.ClaimedBy, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrJobNotFound
		}

		return nil, &persistence.JobError{Op: "JobByID", JobID: id, Err: err}
	}

	return &job, nil
}

// ClaimDue claims up to limit due pending jobs in one conditional update.
// FOR UPDATE SKIP LOCKED keeps concurrent workers from ever claiming the
// same row, which is the engine's at-most-one-claim guarantee.
func (r *JobRepository) ClaimDue(ctx context.Context, workerID string, limit int, now time.Time) ([]*models.AutomationJob, error) {
	query := `
		UPDATE automation_jobs
		SET status = $1,
			claimed_by = $2,
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM automation_jobs
			WHERE status = $3 AND execute_at <= $4
			ORDER BY execute_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns + `
	`

	rows, err := r.db.QueryContext(ctx, query,
		models.JobStatusClaimed, workerID, models.JobStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.AutomationJob, 0)

	for rows.Next() {
		var job models.AutomationJob

		err := rows.Scan(
			&job.ID, &job.RunID, &job.NodeID, &job.ExecuteAt, &job.Attempts,
			&job.Status, &job.ClaimedBy, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}

		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed jobs: %w", err)
	}

	return jobs, nil
}

func (r *JobRepository) CompleteJob(ctx context.Context, id string) error {
	return r.setStatus(ctx, "CompleteJob", id, models.JobStatusCompleted)
}

func (r *JobRepository) FailJob(ctx context.Context, id string) error {
	return r.setStatus(ctx, "FailJob", id, models.JobStatusFailed)
}

func (r *JobRepository) setStatus(ctx context.Context, op, id string, status models.JobStatus) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE automation_jobs SET status = $2, updated_at = NOW() WHERE id = $1", id, status)
	if err != nil {
		return &persistence.JobError{Op: op, JobID: id, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &persistence.JobError{Op: op, JobID: id, Err: err}
	}

	if affected == 0 {
		return persistence.ErrJobNotFound
	}

	return nil
}

func (r *JobRepository) ReleaseJob(ctx context.Context, id string, attempts int, executeAt time.Time) error {
	query := `
		UPDATE automation_jobs
		SET status = $2,
			claimed_by = '',
			attempts = $3,
			execute_at = $4,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, models.JobStatusPending, attempts, executeAt)
	if err != nil {
		return &persistence.JobError{Op: "ReleaseJob", JobID: id, Err: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &persistence.JobError{Op: "ReleaseJob", JobID: id, Err: err}
	}

	if affected == 0 {
		return persistence.ErrJobNotFound
	}

	return nil
}

// ReclaimStale hands jobs back from workers that died mid-claim.
func (r *JobRepository) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE automation_jobs
		SET status = $1,
			claimed_by = '',
			updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`

	result, err := r.db.ExecContext(ctx, query, models.JobStatusPending, models.JobStatusClaimed, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reclaimed jobs: %w", err)
	}

	return int(affected), nil
}

func (r *JobRepository) PendingJobsForRun(ctx context.Context, runID string) ([]*models.AutomationJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM automation_jobs
		WHERE run_id = $1 AND status = $2
		ORDER BY execute_at
	`

	rows, err := r.db.QueryContext(ctx, query, runID, models.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.AutomationJob, 0)

	for rows.Next() {
		var job models.AutomationJob

		err := rows.Scan(
			&job.ID, &job.RunID, &job.NodeID, &job.ExecuteAt, &job.Attempts,
			&job.Status, &job.ClaimedBy, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending job: %w", err)
		}

		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending jobs: %w", err)
	}

	return jobs, nil
}
