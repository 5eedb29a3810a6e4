package models

import "time"

// Workflow is a DAG-shaped automation definition. Workflows are authored
// externally (recipe installation or manual authoring) and are read-only
// at execution time; the compiler caches them per (ID, UpdatedAt).
type Workflow struct {
	ID                       string    `json:"id"`
	BusinessID               string    `json:"business_id" validate:"required"`
	Name                     string    `json:"name"        validate:"required,min=3"`
	Industry                 string    `json:"industry,omitempty"`
	RecipeID                 string    `json:"recipe_id,omitempty"`
	IsRecipe                 bool      `json:"is_recipe"`
	Active                   bool      `json:"active"`
	TriggerIntents           []string  `json:"trigger_intents"` // event intents that enroll into this workflow
	MaxEnrollmentsPerContact int       `json:"max_enrollments_per_contact"`
	ReenrollAfterDays        int       `json:"reenroll_after_days"`
	SuppressionTags          []string  `json:"suppression_tags,omitempty"`
	SuppressionStages        []string  `json:"suppression_stages,omitempty"`
	Nodes                    []*Node   `json:"nodes"`
	Edges                    []*Edge   `json:"edges"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// TriggersOn reports whether the workflow enrolls on the given intent.
func (w *Workflow) TriggersOn(intent string) bool {
	for _, i := range w.TriggerIntents {
		if i == intent {
			return true
		}
	}

	return false
}

// TriggerNode returns the workflow's single trigger node, or nil when the
// definition is malformed (the compiler rejects those before execution).
func (w *Workflow) TriggerNode() *Node {
	for _, n := range w.Nodes {
		if n.Type == NodeTypeTrigger {
			return n
		}
	}

	return nil
}
