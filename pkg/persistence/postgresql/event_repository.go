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

// EventRepository handles automation event rows.
type EventRepository struct {
	db *sql.DB
}

func (r *EventRepository) EventByID(ctx context.Context, id string) (*models.AutomationEvent, error) {
	query := `
		SELECT id, business_id, intent, payload, dedupe_key, processed, created_at
		FROM automation_events
		WHERE id = $1
	`

	return r.scanEvent(r.db.QueryRowContext(ctx, query, id))
}

// SaveEventResolvingDuplicate runs the original lookup and the insert in
// one transaction behind a per-key advisory lock. Without the lock two
// concurrent deliveries could each miss the other's uncommitted row and
// both enroll.
func (r *EventRepository) SaveEventResolvingDuplicate(ctx context.Context, event *models.AutomationEvent, since time.Time) (*models.AutomationEvent, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin dedup transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))",
		event.BusinessID+":"+event.DedupeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to take dedup lock: %w", err)
	}

	query := `
		SELECT id, business_id, intent, payload, dedupe_key, processed, created_at
		FROM automation_events
		WHERE business_id = $1
		  AND dedupe_key = $2
		  AND created_at >= $3
		  AND id <> $4
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	original, err := r.scanEvent(tx.QueryRowContext(ctx, query, event.BusinessID, event.DedupeKey, since, event.ID))
	if err != nil && !errors.Is(err, persistence.ErrEventNotFound) {
		return nil, err
	}

	if original != nil {
		// Duplicates land already processed so matching never sees them.
		event.Processed = true
	}

	insert := `
		INSERT INTO automation_events (id, business_id, intent, payload, dedupe_key, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = tx.ExecContext(ctx, insert,
		event.ID, event.BusinessID, event.Intent, payload, event.DedupeKey, event.Processed, event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dedup transaction: %w", err)
	}

	return original, nil
}

func (r *EventRepository) MarkEventProcessed(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "UPDATE automation_events SET processed = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrEventNotFound
	}

	return nil
}

func (r *EventRepository) scanEvent(row *sql.Row) (*models.AutomationEvent, error) {
	var (
		event   models.AutomationEvent
		payload []byte
	)

	err := row.Scan(&event.ID, &event.BusinessID, &event.Intent, &payload,
		&event.DedupeKey, &event.Processed, &event.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEventNotFound
		}

		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	if err := json.Unmarshal(payload, &event.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
	}

	return &event, nil
}
