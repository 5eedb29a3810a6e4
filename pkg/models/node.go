package models

// NodeType is the closed set of node variants a workflow graph may contain.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAction    NodeType = "action"
	NodeTypeCondition NodeType = "condition"
	NodeTypeWait      NodeType = "wait"
	NodeTypeGoal      NodeType = "goal"
)

// ValidNodeType reports whether t is a known node variant.
func ValidNodeType(t NodeType) bool {
	switch t {
	case NodeTypeTrigger, NodeTypeAction, NodeTypeCondition, NodeTypeWait, NodeTypeGoal:
		return true
	default:
		return false
	}
}

// Node is a single vertex of a workflow graph.
type Node struct {
	ID         string         `json:"id"          validate:"required"`
	WorkflowID string         `json:"workflow_id"`
	Type       NodeType       `json:"type"        validate:"required"`
	ActionType string         `json:"action_type,omitempty"` // action nodes only
	Config     map[string]any `json:"config,omitempty"`
	// ExecutionOrder is an authoring hint from the canvas editor. The
	// runtime follows edges, never this field.
	ExecutionOrder int `json:"execution_order,omitempty"`
}

// Edge is a directed connection between two nodes. A nil ConditionKey
// marks the default/fallback edge out of a condition node.
type Edge struct {
	ID           string  `json:"id"`
	FromNodeID   string  `json:"from_node_id" validate:"required"`
	ToNodeID     string  `json:"to_node_id"   validate:"required"`
	ConditionKey *string `json:"condition_key,omitempty"`
}
