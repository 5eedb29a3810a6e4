// Package template renders workflow node configuration against a run's
// accumulated context, so action configs can reference event fields and
// earlier action outputs.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// NeedsRendering reports whether the string contains template syntax.
func NeedsRendering(input string) bool {
	return strings.Contains(input, "{{")
}

// RenderConfig renders every templated string value in a node config
// against the run context. Non-string and non-templated values pass
// through untouched. The input map is never mutated.
func RenderConfig(config map[string]any, runContext map[string]any) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}

	data := map[string]any{
		"context": runContext,
		"env":     envVars(),
	}

	if event, ok := runContext["event"].(map[string]any); ok {
		data["event"] = event
	}

	rendered := make(map[string]any, len(config))

	for key, value := range config {
		result, err := renderValue(value, data)
		if err != nil {
			return nil, fmt.Errorf("config key %s: %w", key, err)
		}

		rendered[key] = result
	}

	return rendered, nil
}

func renderValue(value any, data map[string]any) (any, error) {
	switch typed := value.(type) {
	case string:
		if !NeedsRendering(typed) {
			return typed, nil
		}

		return Render(typed, data)
	case map[string]any:
		nested := make(map[string]any, len(typed))

		for key, inner := range typed {
			result, err := renderValue(inner, data)
			if err != nil {
				return nil, err
			}

			nested[key] = result
		}

		return nested, nil
	case []any:
		items := make([]any, len(typed))

		for i, inner := range typed {
			result, err := renderValue(inner, data)
			if err != nil {
				return nil, err
			}

			items[i] = result
		}

		return items, nil
	default:
		return value, nil
	}
}

// Render executes a single template string. The result is coerced back
// into JSON, number, or boolean form when it parses as one.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("transform").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}
				num := make([]byte, 1)
				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

func envVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
