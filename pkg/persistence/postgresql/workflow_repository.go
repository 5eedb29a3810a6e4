package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
)

// WorkflowRepository handles workflow definition rows. Nodes and edges
// are stored as JSONB documents; the compiler consumes them whole.
type WorkflowRepository struct {
	db *sql.DB
}

const workflowColumns = `
	id, business_id, name, industry, recipe_id, is_recipe, active,
	trigger_intents, max_enrollments_per_contact, reenroll_after_days,
	suppression_tags, suppression_stages, nodes, edges, created_at, updated_at
`

func (r *WorkflowRepository) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	triggerIntents, err := json.Marshal(workflow.TriggerIntents)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger intents: %w", err)
	}

	suppressionTags, err := json.Marshal(workflow.SuppressionTags)
	if err != nil {
		return fmt.Errorf("failed to marshal suppression tags: %w", err)
	}

	suppressionStages, err := json.Marshal(workflow.SuppressionStages)
	if err != nil {
		return fmt.Errorf("failed to marshal suppression stages: %w", err)
	}

	nodes, err := json.Marshal(workflow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	edges, err := json.Marshal(workflow.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	query := `
		INSERT INTO workflows (` + workflowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			trigger_intents = EXCLUDED.trigger_intents,
			max_enrollments_per_contact = EXCLUDED.max_enrollments_per_contact,
			reenroll_after_days = EXCLUDED.reenroll_after_days,
			suppression_tags = EXCLUDED.suppression_tags,
			suppression_stages = EXCLUDED.suppression_stages,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		workflow.ID, workflow.BusinessID, workflow.Name, workflow.Industry,
		workflow.RecipeID, workflow.IsRecipe, workflow.Active,
		triggerIntents, workflow.MaxEnrollmentsPerContact, workflow.ReenrollAfterDays,
		suppressionTags, suppressionStages, nodes, edges,
		workflow.CreatedAt, workflow.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return nil
}

func (r *WorkflowRepository) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate workflow rows: %w", err)
		}

		return nil, persistence.ErrWorkflowNotFound
	}

	return scanWorkflow(rows)
}

func (r *WorkflowRepository) ActiveByIntent(ctx context.Context, businessID, intent string) ([]*models.Workflow, error) {
	// trigger_intents is a JSONB array of strings; containment does the
	// intent membership check.
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE business_id = $1
		  AND active = TRUE
		  AND trigger_intents @> to_jsonb(ARRAY[$2]::text[])
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, businessID, intent)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows by intent: %w", err)
	}
	defer rows.Close()

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflow rows: %w", err)
	}

	return workflows, nil
}

func scanWorkflow(rows *sql.Rows) (*models.Workflow, error) {
	var (
		workflow          models.Workflow
		triggerIntents    []byte
		suppressionTags   []byte
		suppressionStages []byte
		nodes             []byte
		edges             []byte
	)

	err := rows.Scan(
		&workflow.ID, &workflow.BusinessID, &workflow.Name, &workflow.Industry,
		&workflow.RecipeID, &workflow.IsRecipe, &workflow.Active,
		&triggerIntents, &workflow.MaxEnrollmentsPerContact, &workflow.ReenrollAfterDays,
		&suppressionTags, &suppressionStages, &nodes, &edges,
		&workflow.CreatedAt, &workflow.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	for _, column := range []struct {
		data   []byte
		target any
	}{
		{triggerIntents, &workflow.TriggerIntents},
		{suppressionTags, &workflow.SuppressionTags},
		{suppressionStages, &workflow.SuppressionStages},
		{nodes, &workflow.Nodes},
		{edges, &workflow.Edges},
	} {
		if err := json.Unmarshal(column.data, column.target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow column: %w", err)
		}
	}

	return &workflow, nil
}
