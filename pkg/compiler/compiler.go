// Package compiler converts workflow node/edge graphs into O(1)
// transition tables at load time. Validation happens here, once per
// workflow version, so the executor never walks raw edges.
package compiler

import (
	"errors"
	"fmt"

	"github.com/dripline/dripline/pkg/dispatch"
	"github.com/dripline/dripline/pkg/models"
)

// Compile-time validation failures.
var (
	ErrNoTriggerNode        = errors.New("workflow has no trigger node")
	ErrMultipleTriggerNodes = errors.New("workflow has more than one trigger node")
	ErrUnknownNodeType      = errors.New("workflow contains an unknown node type")
	ErrDanglingEdge         = errors.New("workflow edge references a missing node")
	ErrTriggerHasInbound    = errors.New("workflow trigger node has an inbound edge")
)

// fallbackKey marks the default edge slot in the transition table. The
// unit separator cannot appear in condition keys coming from configs.
const (
	keySeparator = "\x1f"
	fallbackKey  = "\x1f__default__"
)

// CompiledWorkflow is the executable form of a workflow: the node index
// plus a flat transition table.
type CompiledWorkflow struct {
	Workflow    *models.Workflow
	TriggerNode *models.Node

	nodes       map[string]*models.Node
	transitions map[string]string
	outDegree   map[string]int
}

// Node returns the node with the given ID, or nil.
func (c *CompiledWorkflow) Node(id string) *models.Node {
	return c.nodes[id]
}

// Next resolves the transition out of a node for a condition key. The
// empty key addresses the node's unconditional/default edge. Exact
// matches win; a fallback (nil condition key) edge catches the rest.
func (c *CompiledWorkflow) Next(nodeID, conditionKey string) (string, bool) {
	if conditionKey != "" {
		if next, ok := c.transitions[nodeID+keySeparator+conditionKey]; ok {
			return next, true
		}
	}

	next, ok := c.transitions[nodeID+fallbackKey]

	return next, ok
}

// HasOutgoing reports whether any edge leaves the node. A node with no
// outgoing edge terminates the run.
func (c *CompiledWorkflow) HasOutgoing(nodeID string) bool {
	return c.outDegree[nodeID] > 0
}

// Compiler validates and compiles workflow definitions. The dispatch
// registry is consulted to schema-check action node configs; a nil
// registry skips that check.
type Compiler struct {
	registry *dispatch.Registry
}

func New(registry *dispatch.Registry) *Compiler {
	return &Compiler{registry: registry}
}

// Compile builds the transition table for a workflow.
//
// Cycles are deliberately not rejected: authors may loop intentionally,
// and the executor's step budget is the safety net. A condition node
// without a fallback edge compiles fine; an unmatched key at runtime is
// a node traversal failure.
func (c *Compiler) Compile(workflow *models.Workflow) (*CompiledWorkflow, error) {
	nodes := make(map[string]*models.Node, len(workflow.Nodes))

	var trigger *models.Node

	for _, node := range workflow.Nodes {
		if !models.ValidNodeType(node.Type) {
			return nil, fmt.Errorf("node %s: %w (%s)", node.ID, ErrUnknownNodeType, node.Type)
		}

		if _, exists := nodes[node.ID]; exists {
			return nil, fmt.Errorf("workflow %s: duplicate node ID %s", workflow.ID, node.ID)
		}

		nodes[node.ID] = node

		if node.Type == models.NodeTypeTrigger {
			if trigger != nil {
				return nil, fmt.Errorf("workflow %s: %w", workflow.ID, ErrMultipleTriggerNodes)
			}

			trigger = node
		}

		if node.Type == models.NodeTypeAction && c.registry != nil {
			if err := c.registry.ValidateConfig(node.ActionType, node.Config); err != nil {
				return nil, fmt.Errorf("node %s: %w", node.ID, err)
			}
		}
	}

	if trigger == nil {
		return nil, fmt.Errorf("workflow %s: %w", workflow.ID, ErrNoTriggerNode)
	}

	transitions := make(map[string]string, len(workflow.Edges))
	outDegree := make(map[string]int, len(workflow.Edges))

	for _, edge := range workflow.Edges {
		if _, ok := nodes[edge.FromNodeID]; !ok {
			return nil, fmt.Errorf("edge %s: %w (from %s)", edge.ID, ErrDanglingEdge, edge.FromNodeID)
		}

		if _, ok := nodes[edge.ToNodeID]; !ok {
			return nil, fmt.Errorf("edge %s: %w (to %s)", edge.ID, ErrDanglingEdge, edge.ToNodeID)
		}

		if edge.ToNodeID == trigger.ID {
			return nil, fmt.Errorf("edge %s: %w", edge.ID, ErrTriggerHasInbound)
		}

		key := edge.FromNodeID + fallbackKey
		if edge.ConditionKey != nil && *edge.ConditionKey != "" {
			key = edge.FromNodeID + keySeparator + *edge.ConditionKey
		}

		if existing, ok := transitions[key]; ok {
			return nil, fmt.Errorf("workflow %s: conflicting edges from node %s (to %s and %s)",
				workflow.ID, edge.FromNodeID, existing, edge.ToNodeID)
		}

		transitions[key] = edge.ToNodeID
		outDegree[edge.FromNodeID]++
	}

	return &CompiledWorkflow{
		Workflow:    workflow,
		TriggerNode: trigger,
		nodes:       nodes,
		transitions: transitions,
		outDegree:   outDegree,
	}, nil
}
