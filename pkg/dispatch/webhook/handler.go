// Package webhook implements the built-in call_webhook action handler.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dripline/dripline/pkg/dispatch"
)

const defaultTimeout = 30 * time.Second

// HandlerFactory creates webhook handlers.
type HandlerFactory struct{}

func NewHandlerFactory() *HandlerFactory {
	return &HandlerFactory{}
}

func (*HandlerFactory) ID() string {
	return dispatch.ActionCallWebhook
}

// TimeSensitive is false: webhook calls are machine-to-machine and not
// subject to contact-facing guardrails.
func (*HandlerFactory) TimeSensitive() bool {
	return false
}

func (*HandlerFactory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Destination URL; receives the run context as a JSON POST body.",
			},
			"method": map[string]any{
				"type":    "string",
				"default": "POST",
				"enum":    []string{"POST", "PUT", "PATCH"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Additional request headers.",
			},
			"timeout_seconds": map[string]any{
				"type":    "integer",
				"minimum": 1,
				"maximum": 300,
			},
		},
	}
}

func (f *HandlerFactory) Create(config map[string]any) (dispatch.Handler, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("call_webhook requires a url")
	}

	method := "POST"
	if m, ok := config["method"].(string); ok && m != "" {
		method = m
	}

	timeout := defaultTimeout
	if seconds, ok := config["timeout_seconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	return &Handler{
		url:    url,
		method: method,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Handler posts the run context to a configured URL.
type Handler struct {
	url    string
	method string
	client *http.Client
}

func (h *Handler) Execute(ctx context.Context, config map[string]any, runContext map[string]any) (*dispatch.Result, error) {
	body, err := json.Marshal(runContext)
	if err != nil {
		return nil, dispatch.NewPermanent(dispatch.ActionCallWebhook, fmt.Errorf("failed to marshal run context: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, h.method, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, dispatch.NewPermanent(dispatch.ActionCallWebhook, fmt.Errorf("failed to build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	if headers, ok := config["headers"].(map[string]any); ok {
		for name, value := range headers {
			req.Header.Set(name, fmt.Sprintf("%v", value))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Network errors are transient; the retry policy decides when to
		// give up.
		return nil, dispatch.NewRetryable(dispatch.ActionCallWebhook, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, dispatch.NewRetryable(dispatch.ActionCallWebhook,
			fmt.Errorf("upstream returned status %d", resp.StatusCode))
	}

	if resp.StatusCode >= 400 {
		return nil, dispatch.NewPermanent(dispatch.ActionCallWebhook,
			fmt.Errorf("upstream rejected request with status %d", resp.StatusCode))
	}

	return &dispatch.Result{
		ContextUpdates: map[string]any{
			"webhook_status": resp.StatusCode,
		},
	}, nil
}
