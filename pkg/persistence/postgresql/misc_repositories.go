package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
)

// LogRepository appends to and reads the run audit trail.
type LogRepository struct {
	db *sql.DB
}

func (r *LogRepository) AppendLog(ctx context.Context, entry *models.AutomationLog) error {
	data, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal log data: %w", err)
	}

	query := `
		INSERT INTO automation_logs (id, run_id, node_id, level, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.ExecContext(ctx, query,
		entry.ID, entry.RunID, entry.NodeID, entry.Level, entry.Message, data, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}

	return nil
}

func (r *LogRepository) LogsForRun(ctx context.Context, runID string) ([]*models.AutomationLog, error) {
	query := `
		SELECT id, run_id, node_id, level, message, data, created_at
		FROM automation_logs
		WHERE run_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.AutomationLog, 0)

	for rows.Next() {
		var (
			entry models.AutomationLog
			data  []byte
		)

		err := rows.Scan(&entry.ID, &entry.RunID, &entry.NodeID, &entry.Level,
			&entry.Message, &data, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}

		if err := json.Unmarshal(data, &entry.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log data: %w", err)
		}

		logs = append(logs, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log rows: %w", err)
	}

	return logs, nil
}

// SettingsRepository reads and writes business automation settings.
type SettingsRepository struct {
	db *sql.DB
}

func (r *SettingsRepository) SaveSettings(ctx context.Context, settings *models.BusinessAutomationSettings) error {
	businessHours, err := json.Marshal(settings.BusinessHours)
	if err != nil {
		return fmt.Errorf("failed to marshal business hours: %w", err)
	}

	quietHours, err := json.Marshal(settings.QuietHours)
	if err != nil {
		return fmt.Errorf("failed to marshal quiet hours: %w", err)
	}

	rateLimit, err := json.Marshal(settings.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limit: %w", err)
	}

	query := `
		INSERT INTO business_automation_settings
			(business_id, timezone, business_hours, quiet_hours, rate_limit, dedupe_window_minutes, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (business_id) DO UPDATE SET
			timezone = EXCLUDED.timezone,
			business_hours = EXCLUDED.business_hours,
			quiet_hours = EXCLUDED.quiet_hours,
			rate_limit = EXCLUDED.rate_limit,
			dedupe_window_minutes = EXCLUDED.dedupe_window_minutes,
			max_attempts = EXCLUDED.max_attempts
	`

	_, err = r.db.ExecContext(ctx, query,
		settings.BusinessID, settings.Timezone, businessHours, quietHours,
		rateLimit, settings.DedupeWindowMinutes, settings.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	return nil
}

func (r *SettingsRepository) SettingsByBusiness(ctx context.Context, businessID string) (*models.BusinessAutomationSettings, error) {
	query := `
		SELECT business_id, timezone, business_hours, quiet_hours, rate_limit, dedupe_window_minutes, max_attempts
		FROM business_automation_settings
		WHERE business_id = $1
	`

	var (
		settings      models.BusinessAutomationSettings
		businessHours []byte
		quietHours    []byte
		rateLimit     []byte
	)

	err := r.db.QueryRowContext(ctx, query, businessID).Scan(
		&settings.BusinessID, &settings.Timezone, &businessHours, &quietHours,
		&rateLimit, &settings.DedupeWindowMinutes, &settings.MaxAttempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrSettingsNotFound
		}

		return nil, fmt.Errorf("failed to query settings: %w", err)
	}

	for _, column := range []struct {
		data   []byte
		target any
	}{
		{businessHours, &settings.BusinessHours},
		{quietHours, &settings.QuietHours},
		{rateLimit, &settings.RateLimit},
	} {
		if err := json.Unmarshal(column.data, column.target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings column: %w", err)
		}
	}

	return &settings, nil
}

// EnrollmentRepository tracks enrollment history per workflow×contact.
type EnrollmentRepository struct {
	db *sql.DB
}

func (r *EnrollmentRepository) RecordEnrollment(ctx context.Context, workflowID, contactID string, at time.Time) error {
	query := `
		INSERT INTO enrollment_records (workflow_id, contact_id, enrollment_count, last_enrolled_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (workflow_id, contact_id) DO UPDATE SET
			enrollment_count = enrollment_records.enrollment_count + 1,
			last_enrolled_at = EXCLUDED.last_enrolled_at
	`

	_, err := r.db.ExecContext(ctx, query, workflowID, contactID, at)
	if err != nil {
		return fmt.Errorf("failed to record enrollment: %w", err)
	}

	return nil
}

func (r *EnrollmentRepository) EnrollmentFor(ctx context.Context, workflowID, contactID string) (*models.EnrollmentRecord, error) {
	query := `
		SELECT workflow_id, contact_id, enrollment_count, last_enrolled_at
		FROM enrollment_records
		WHERE workflow_id = $1 AND contact_id = $2
	`

	var record models.EnrollmentRecord

	err := r.db.QueryRowContext(ctx, query, workflowID, contactID).Scan(
		&record.WorkflowID, &record.ContactID, &record.EnrollmentCount, &record.LastEnrolledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEnrollmentNotFound
		}

		return nil, fmt.Errorf("failed to query enrollment record: %w", err)
	}

	return &record, nil
}
