package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dripline/dripline/pkg/models"
)

// ConditionEvaluator resolves a condition node to an edge key. The
// returned key selects the outgoing edge; unmatched keys fall through to
// the node's default edge.
type ConditionEvaluator interface {
	Evaluate(node *models.Node, runContext map[string]any) (string, error)
}

// FieldCondition compares a context field against a literal and yields
// "true" or "false". Config shape:
//
//	{"field": "event.source", "operator": "equals", "value": "yelp"}
//
// Supported operators: equals, not_equals, contains, exists, greater_than,
// greater_or_equal, less_than, less_or_equal.
type FieldCondition struct{}

func (FieldCondition) Evaluate(node *models.Node, runContext map[string]any) (string, error) {
	field, _ := node.Config["field"].(string)
	if field == "" {
		return "", fmt.Errorf("condition node %s: missing field", node.ID)
	}

	operator, _ := node.Config["operator"].(string)
	if operator == "" {
		operator = "equals"
	}

	actual, found := lookupPath(runContext, field)
	expected := node.Config["value"]

	result, err := compare(operator, actual, found, expected)
	if err != nil {
		return "", fmt.Errorf("condition node %s: %w", node.ID, err)
	}

	return strconv.FormatBool(result), nil
}

func compare(operator string, actual any, found bool, expected any) (bool, error) {
	switch operator {
	case "exists":
		return found, nil
	case "equals":
		return found && looseEqual(actual, expected), nil
	case "not_equals":
		return !found || !looseEqual(actual, expected), nil
	case "contains":
		haystack, ok := actual.(string)
		needle, ok2 := expected.(string)

		return ok && ok2 && strings.Contains(haystack, needle), nil
	case "greater_than", "greater_or_equal", "less_than", "less_or_equal":
		left, leftOK := asFloat(actual)
		right, rightOK := asFloat(expected)

		if !leftOK || !rightOK {
			return false, nil
		}

		switch operator {
		case "greater_than":
			return left > right, nil
		case "greater_or_equal":
			return left >= right, nil
		case "less_than":
			return left < right, nil
		default:
			return left <= right, nil
		}
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

// looseEqual compares JSON-decoded values, tolerating the usual
// number-type mismatch between payloads and configs.
func looseEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

// lookupPath walks a dot-separated path through nested maps.
func lookupPath(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")

	var current any = data

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}
