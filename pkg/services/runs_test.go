package services

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
	"github.com/dripline/dripline/pkg/persistence/file"
	"github.com/dripline/dripline/pkg/run"
)

func newRunsService(t *testing.T) (*Runs, *run.Coordinator, *file.Persistence) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	coordinator := run.NewCoordinator(store.RunRepository(), store.LogRepository(), nil, logger)

	service := NewRuns(store.RunRepository(), store.JobRepository(), store.LogRepository(), coordinator, logger)

	return service, coordinator, store
}

func seedWaitingRun(t *testing.T, coordinator *run.Coordinator, store *file.Persistence) *models.AutomationRun {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	workflow := &models.Workflow{
		ID: "wf-1", BusinessID: "biz-1", Name: "test",
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "act", Type: models.NodeTypeAction, ActionType: "log"},
		},
	}
	event := &models.AutomationEvent{ID: uuid.New().String(), BusinessID: "biz-1", Intent: "test", CreatedAt: now}

	automationRun := run.NewRun(workflow, event, "c-1", now)

	created, err := store.RunRepository().CreateRunIfAbsent(ctx, automationRun)
	require.NoError(t, err)
	require.True(t, created)

	started, err := coordinator.Start(ctx, automationRun)
	require.NoError(t, err)
	require.True(t, started)

	// Park the run on a wake-up job, like a wait node would.
	job := &models.AutomationJob{
		ID: uuid.New().String(), RunID: automationRun.ID, NodeID: "act",
		ExecuteAt: now.Add(time.Hour), Status: models.JobStatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.JobRepository().EnqueueJob(ctx, job))
	require.NoError(t, coordinator.Suspend(ctx, automationRun, "act", job.ExecuteAt, "wait_node", job.ID, false))

	return automationRun
}

func TestGetRun(t *testing.T) {
	service, coordinator, store := newRunsService(t)
	seeded := seedWaitingRun(t, coordinator, store)

	found, err := service.GetRun(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, found.ID)
	assert.Equal(t, models.RunStatusWaiting, found.Status)

	_, err = service.GetRun(context.Background(), "no-such-run")
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestRunLogs(t *testing.T) {
	service, coordinator, store := newRunsService(t)
	ctx := context.Background()
	seeded := seedWaitingRun(t, coordinator, store)

	logs, err := service.RunLogs(ctx, seeded.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	_, err = service.RunLogs(ctx, "no-such-run")
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestCancelRun_RetiresPendingJobs(t *testing.T) {
	service, coordinator, store := newRunsService(t)
	ctx := context.Background()
	seeded := seedWaitingRun(t, coordinator, store)

	cancelled, err := service.CancelRun(ctx, seeded.ID, "contact unsubscribed")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, cancelled.Status)

	// The wake-up job must never reach a worker.
	pending, err := store.JobRepository().PendingJobsForRun(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancelRun_TerminalRunConflicts(t *testing.T) {
	service, coordinator, store := newRunsService(t)
	ctx := context.Background()
	seeded := seedWaitingRun(t, coordinator, store)

	_, err := service.CancelRun(ctx, seeded.ID, "first cancel")
	require.NoError(t, err)

	_, err = service.CancelRun(ctx, seeded.ID, "second cancel")
	require.Error(t, err)
	assert.True(t, IsConflictError(err))
	assert.ErrorIs(t, err, ErrRunAlreadyTerminal)
}

func TestCancelRun_RequiresReason(t *testing.T) {
	service, _, _ := newRunsService(t)

	_, err := service.CancelRun(context.Background(), "run-1", "")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, ErrMissingReason)
}
