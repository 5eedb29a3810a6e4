// Package dedup implements the idempotency gate in front of workflow
// matching: duplicate webhook deliveries must never double-enroll a
// contact.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
)

// Gate checks inbound events against recent history.
type Gate struct {
	events persistence.EventRepository
	logger *slog.Logger
}

func NewGate(events persistence.EventRepository, logger *slog.Logger) *Gate {
	return &Gate{
		events: events,
		logger: logger.With("module", "dedup_gate"),
	}
}

// Check persists the event and decides whether it duplicates an earlier
// delivery inside the dedupe window. The event's DedupeKey is derived
// before the write when the caller did not supply one, so the stored row
// always carries the key later deliveries are matched against.
// Duplicates are stored already marked processed so they are never
// matched; the original event is returned for audit purposes.
func (g *Gate) Check(ctx context.Context, event *models.AutomationEvent, settings *models.BusinessAutomationSettings) (duplicate bool, original *models.AutomationEvent, err error) {
	if event.DedupeKey == "" {
		event.DedupeKey = DeriveKey(event.BusinessID, event.Intent, event.Payload)
	}

	since := event.CreatedAt.Add(-settings.DedupeWindow())

	// The save and the lookup share one critical section. A match counts
	// whether it was already processed or is still in flight; either way
	// this delivery must not create runs.
	match, err := g.events.SaveEventResolvingDuplicate(ctx, event, since)
	if err != nil {
		return false, nil, fmt.Errorf("dedup check failed: %w", err)
	}

	if match == nil {
		return false, nil, nil
	}

	g.logger.InfoContext(ctx, "Dropped duplicate event",
		"event_id", event.ID,
		"original_id", match.ID,
		"dedupe_key", event.DedupeKey,
		"business_id", event.BusinessID)

	return true, match, nil
}

// DeriveKey builds a stable dedupe key from the event identity and a
// canonical rendering of its payload. Map iteration order must not leak
// into the key, so keys are sorted before hashing.
func DeriveKey(businessID, intent string, payload map[string]any) string {
	hash := sha256.New()
	hash.Write([]byte(businessID))
	hash.Write([]byte{0})
	hash.Write([]byte(intent))
	hash.Write([]byte{0})
	hash.Write(canonicalJSON(payload))

	return hex.EncodeToString(hash.Sum(nil))
}

// canonicalJSON renders a map with sorted keys. Values are rendered with
// encoding/json, which is deterministic for JSON-decoded payloads.
func canonicalJSON(payload map[string]any) []byte {
	if len(payload) == 0 {
		return []byte("{}")
	}

	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	out := []byte("{")

	for i, key := range keys {
		if i > 0 {
			out = append(out, ',')
		}

		keyJSON, _ := json.Marshal(key)
		out = append(out, keyJSON...)
		out = append(out, ':')

		value := payload[key]
		if nested, ok := value.(map[string]any); ok {
			out = append(out, canonicalJSON(nested)...)

			continue
		}

		valueJSON, err := json.Marshal(value)
		if err != nil {
			// Non-serializable values degrade to their Go rendering;
			// identical payloads still hash identically.
			valueJSON = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", value)))
		}

		out = append(out, valueJSON...)
	}

	return append(out, '}')
}
