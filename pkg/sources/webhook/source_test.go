package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/services"
)

// recordingSubmitter captures submitted events without a full engine.
type recordingSubmitter struct {
	requests []services.SubmitEventRequest
	err      error
}

func (s *recordingSubmitter) SubmitEvent(_ context.Context, req services.SubmitEventRequest) (*services.SubmitEventResult, error) {
	if s.err != nil {
		return nil, s.err
	}

	s.requests = append(s.requests, req)

	return &services.SubmitEventResult{
		Event: &models.AutomationEvent{ID: "evt-1", BusinessID: req.BusinessID, Intent: req.Intent},
	}, nil
}

func deliver(t *testing.T, source *Source, path, secret string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}

	resp, err := source.App().Test(req)
	require.NoError(t, err)

	return resp
}

func TestReceive_SubmitsEvent(t *testing.T) {
	submitter := &recordingSubmitter{}
	source := NewSource(submitter, "hook-secret", slog.New(slog.NewTextHandler(os.Stdout, nil)))

	resp := deliver(t, source, "/hooks/biz-1/booking.create", "hook-secret", map[string]any{"contact_id": "c-1"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, submitter.requests, 1)
	assert.Equal(t, "biz-1", submitter.requests[0].BusinessID)
	assert.Equal(t, "booking.create", submitter.requests[0].Intent)
	assert.Equal(t, "c-1", submitter.requests[0].Payload["contact_id"])
}

func TestReceive_RejectsBadSecret(t *testing.T) {
	submitter := &recordingSubmitter{}
	source := NewSource(submitter, "hook-secret", slog.New(slog.NewTextHandler(os.Stdout, nil)))

	resp := deliver(t, source, "/hooks/biz-1/booking.create", "wrong", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, submitter.requests)
}

func TestReceive_NoSecretConfigured(t *testing.T) {
	submitter := &recordingSubmitter{}
	source := NewSource(submitter, "", slog.New(slog.NewTextHandler(os.Stdout, nil)))

	resp := deliver(t, source, "/hooks/biz-1/booking.create", "", map[string]any{})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, submitter.requests, 1)
}

func TestReceive_DeliveryIDBecomesDedupeKey(t *testing.T) {
	submitter := &recordingSubmitter{}
	source := NewSource(submitter, "", slog.New(slog.NewTextHandler(os.Stdout, nil)))

	body, err := json.Marshal(map[string]any{"contact_id": "c-1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/hooks/biz-1/form.submitted", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", "delivery-42")

	resp, err := source.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, submitter.requests, 1)
	assert.Equal(t, "delivery-42", submitter.requests[0].DedupeKey)
}
