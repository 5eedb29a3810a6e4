package models

// Contact is the slice of CRM contact state the engine reads: the
// matcher for suppression decisions, the executor for goal checks.
type Contact struct {
	ID            string   `json:"id"`
	BusinessID    string   `json:"business_id"`
	Tags          []string `json:"tags,omitempty"`
	PipelineStage string   `json:"pipeline_stage,omitempty"`
	Unsubscribed  bool     `json:"unsubscribed"`
}
