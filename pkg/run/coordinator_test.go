package run

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence/file"
)

func testCoordinator(t *testing.T) (*Coordinator, *file.Persistence) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	return NewCoordinator(store.RunRepository(), store.LogRepository(), nil, logger), store
}

func testRun(t *testing.T, store *file.Persistence) *models.AutomationRun {
	t.Helper()

	now := time.Now().UTC()

	workflow := &models.Workflow{
		ID: "wf-1", BusinessID: "biz-1", Name: "test",
		Nodes: []*models.Node{{ID: "start", Type: models.NodeTypeTrigger}},
	}
	event := &models.AutomationEvent{ID: "evt-1", BusinessID: "biz-1", Intent: "test", CreatedAt: now}

	run := NewRun(workflow, event, "contact-1", now)

	created, err := store.RunRepository().CreateRunIfAbsent(context.Background(), run)
	require.NoError(t, err)
	require.True(t, created)

	return run
}

func TestNewRun(t *testing.T) {
	now := time.Now().UTC()

	workflow := &models.Workflow{
		ID: "wf-1", BusinessID: "biz-1",
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "act", Type: models.NodeTypeAction},
		},
	}
	event := &models.AutomationEvent{
		ID: "evt-1", Intent: "booking.create",
		Payload: map[string]any{"contact_id": "c-1"},
	}

	run := NewRun(workflow, event, "c-1", now)

	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, "start", run.CurrentNodeID)
	assert.Equal(t, "wf-1:c-1:evt-1", run.IdempotencyKey)
	assert.Equal(t, models.DefaultMaxSteps, run.MaxSteps)
	assert.Equal(t, now.Add(models.DefaultMaxRuntime), run.Deadline)
	assert.Equal(t, "booking.create", run.Context["intent"])
}

func TestLifecycle_HappyPath(t *testing.T) {
	coordinator, store := testCoordinator(t)
	ctx := context.Background()
	run := testRun(t, store)

	started, err := coordinator.Start(ctx, run)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	require.NoError(t, coordinator.Suspend(ctx, run, "start", time.Now().Add(time.Hour), "wait_node", "job-1", false))
	assert.Equal(t, models.RunStatusWaiting, run.Status)

	resumed, err := coordinator.Resume(ctx, run, "job-1")
	require.NoError(t, err)
	assert.True(t, resumed)

	require.NoError(t, coordinator.Complete(ctx, run, false))
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	stored, err := store.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
}

func TestLifecycle_TerminalStatesAreFinal(t *testing.T) {
	coordinator, store := testCoordinator(t)
	ctx := context.Background()
	run := testRun(t, store)

	started, err := coordinator.Start(ctx, run)
	require.NoError(t, err)
	require.True(t, started)

	require.NoError(t, coordinator.Complete(ctx, run, false))

	// No transition leaves a terminal state.
	started, err = coordinator.Start(ctx, run)
	require.NoError(t, err)
	assert.False(t, started)

	resumed, err := coordinator.Resume(ctx, run, "job-2")
	require.NoError(t, err)
	assert.False(t, resumed)

	cancelled, err := coordinator.Cancel(ctx, run.ID, "too late")
	require.NoError(t, err)
	assert.False(t, cancelled)

	stored, err := store.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
}

func TestLifecycle_StartIsExclusive(t *testing.T) {
	coordinator, store := testCoordinator(t)
	ctx := context.Background()
	run := testRun(t, store)

	first, err := coordinator.Start(ctx, run)
	require.NoError(t, err)
	assert.True(t, first)

	// A second worker loses the conditional transition.
	second, err := coordinator.Start(ctx, run)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestFail_FromAnyNonTerminalState(t *testing.T) {
	coordinator, store := testCoordinator(t)
	ctx := context.Background()

	// Pending runs can fail directly.
	run := testRun(t, store)
	require.NoError(t, coordinator.Fail(ctx, run, "start", ReasonDispatchFailed))

	stored, err := store.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, stored.Status)
	assert.Equal(t, ReasonDispatchFailed, stored.FailureReason)
}

func TestCancel_WaitingRun(t *testing.T) {
	coordinator, store := testCoordinator(t)
	ctx := context.Background()
	run := testRun(t, store)

	started, err := coordinator.Start(ctx, run)
	require.NoError(t, err)
	require.True(t, started)

	require.NoError(t, coordinator.Suspend(ctx, run, "start", time.Now().Add(time.Hour), "wait_node", "job-1", false))

	cancelled, err := coordinator.Cancel(ctx, run.ID, "contact unsubscribed")
	require.NoError(t, err)
	assert.True(t, cancelled)

	stored, err := store.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, stored.Status)
}

func TestAudit_WritesTrail(t *testing.T) {
	coordinator, store := testCoordinator(t)
	ctx := context.Background()
	run := testRun(t, store)

	coordinator.Audit(ctx, run, "start", "info", "something happened", map[string]any{"n": 1})
	coordinator.Audit(ctx, run, "start", "warning", "something else", nil)

	logs, err := store.LogRepository().LogsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "something happened", logs[0].Message)
}
