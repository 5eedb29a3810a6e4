package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripline/dripline/pkg/compiler"
	"github.com/dripline/dripline/pkg/dispatch"
	"github.com/dripline/dripline/pkg/executor"
	"github.com/dripline/dripline/pkg/guardrail"
	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence/file"
	"github.com/dripline/dripline/pkg/run"
)

// flakyFactory fails a configurable number of executions before
// succeeding, counting every call.
type flakyFactory struct {
	failures   int64
	retryable  bool
	executions atomic.Int64
}

func (f *flakyFactory) ID() string             { return "flaky" }
func (f *flakyFactory) Schema() map[string]any { return nil }
func (f *flakyFactory) TimeSensitive() bool    { return false }

func (f *flakyFactory) Create(_ map[string]any) (dispatch.Handler, error) {
	return flakyHandler{factory: f}, nil
}

type flakyHandler struct {
	factory *flakyFactory
}

func (h flakyHandler) Execute(_ context.Context, _ map[string]any, _ map[string]any) (*dispatch.Result, error) {
	n := h.factory.executions.Add(1)
	if n <= h.factory.failures {
		if h.factory.retryable {
			return nil, dispatch.NewRetryable("flaky", errors.New("transient outage"))
		}

		return nil, dispatch.NewPermanent("flaky", errors.New("rejected"))
	}

	return &dispatch.Result{ContextUpdates: map[string]any{"ok": true}}, nil
}

type poolHarness struct {
	store   *file.Persistence
	factory *flakyFactory
	now     time.Time
}

func newPool(t *testing.T, failures int64, retryable bool, opts ...Option) (*WorkerPool, *poolHarness) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := file.NewPersistence(t.TempDir())

	factory := &flakyFactory{failures: failures, retryable: retryable}
	registry := dispatch.NewRegistry(logger)
	registry.Register(factory)

	cache := compiler.NewCache(compiler.New(registry), store.WorkflowRepository())
	coordinator := run.NewCoordinator(store.RunRepository(), store.LogRepository(), nil, logger)

	harness := &poolHarness{
		store:   store,
		factory: factory,
		now:     time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return harness.now }

	exec := executor.NewExecutor(
		coordinator,
		store.RunRepository(),
		store.JobRepository(),
		store.SettingsRepository(),
		cache,
		registry,
		guardrail.NewMemoryCounter(),
		logger,
	).WithClock(clock)

	pool := NewWorkerPool(
		store.JobRepository(),
		store.RunRepository(),
		store.SettingsRepository(),
		exec,
		coordinator,
		nil,
		logger,
		append([]Option{WithClock(clock)}, opts...)...,
	)

	return pool, harness
}

// secondPool builds another pool over the same store, as a second worker
// process would.
func secondPool(t *testing.T, h *poolHarness) *WorkerPool {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	registry := dispatch.NewRegistry(logger)
	registry.Register(h.factory)

	cache := compiler.NewCache(compiler.New(registry), h.store.WorkflowRepository())
	coordinator := run.NewCoordinator(h.store.RunRepository(), h.store.LogRepository(), nil, logger)
	clock := func() time.Time { return h.now }

	exec := executor.NewExecutor(
		coordinator,
		h.store.RunRepository(),
		h.store.JobRepository(),
		h.store.SettingsRepository(),
		cache,
		registry,
		guardrail.NewMemoryCounter(),
		logger,
	).WithClock(clock)

	return NewWorkerPool(
		h.store.JobRepository(),
		h.store.RunRepository(),
		h.store.SettingsRepository(),
		exec,
		coordinator,
		nil,
		logger,
		WithClock(clock),
	)
}

// seedRun stores a trigger-action workflow, a pending run, and a due job.
func seedRun(t *testing.T, h *poolHarness) (*models.AutomationRun, *models.AutomationJob) {
	t.Helper()
	ctx := context.Background()

	workflow := &models.Workflow{
		ID: "wf-1", BusinessID: "biz-1", Name: "flaky flow", Active: true,
		TriggerIntents: []string{"test.event"},
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "act", Type: models.NodeTypeAction, ActionType: "flaky"},
		},
		Edges:     []*models.Edge{{ID: "e1", FromNodeID: "start", ToNodeID: "act"}},
		UpdatedAt: h.now,
	}
	require.NoError(t, h.store.WorkflowRepository().SaveWorkflow(ctx, workflow))

	event := &models.AutomationEvent{
		ID: uuid.New().String(), BusinessID: "biz-1", Intent: "test.event",
		Payload: map[string]any{"contact_id": "c-1"}, CreatedAt: h.now,
	}

	automationRun := run.NewRun(workflow, event, "c-1", h.now)

	created, err := h.store.RunRepository().CreateRunIfAbsent(ctx, automationRun)
	require.NoError(t, err)
	require.True(t, created)

	job := &models.AutomationJob{
		ID: uuid.New().String(), RunID: automationRun.ID, NodeID: "start",
		ExecuteAt: h.now, Status: models.JobStatusPending,
		CreatedAt: h.now, UpdatedAt: h.now,
	}
	require.NoError(t, h.store.JobRepository().EnqueueJob(ctx, job))

	return automationRun, job
}

func TestPollOnce_RunsDueJobToCompletion(t *testing.T) {
	pool, h := newPool(t, 0, false)
	ctx := context.Background()
	automationRun, job := seedRun(t, h)

	claimed, err := pool.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	assert.Equal(t, int64(1), h.factory.executions.Load())

	stored, err := h.store.JobRepository().JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, pool.WorkerID(), stored.ClaimedBy)

	finished, err := h.store.RunRepository().RunByID(ctx, automationRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, finished.Status)
}

func TestPollOnce_IgnoresFutureJobs(t *testing.T) {
	pool, h := newPool(t, 0, false)
	ctx := context.Background()
	_, job := seedRun(t, h)

	// Push the job into the future.
	require.NoError(t, h.store.JobRepository().ReleaseJob(ctx, job.ID, 0, h.now.Add(time.Hour)))

	claimed, err := pool.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)
	assert.Zero(t, h.factory.executions.Load())
}

func TestPollOnce_JobsClaimedExactlyOnce(t *testing.T) {
	pool, h := newPool(t, 0, false)
	other := secondPool(t, h)
	ctx := context.Background()
	seedRun(t, h)

	claimed, err := pool.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	// The second worker sees nothing left.
	claimed, err = other.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)

	assert.Equal(t, int64(1), h.factory.executions.Load())
}

func TestPollOnce_RetryableFailureReleasesWithBackoff(t *testing.T) {
	pool, h := newPool(t, 1, true)
	ctx := context.Background()
	automationRun, job := seedRun(t, h)

	claimed, err := pool.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	stored, err := h.store.JobRepository().JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, h.now.Add(Backoff(1)), stored.ExecuteAt)

	// The run stays alive waiting for the retry.
	alive, err := h.store.RunRepository().RunByID(ctx, automationRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, alive.Status)

	// Not due yet: a second poll claims nothing.
	claimed, err = pool.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)

	// Advance past the backoff and the retry succeeds.
	h.now = h.now.Add(2 * Backoff(1))

	claimed, err = pool.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	finished, err := h.store.RunRepository().RunByID(ctx, automationRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, finished.Status)
}

func TestPollOnce_RetryPastDeadlineStillDispatches(t *testing.T) {
	pool, h := newPool(t, 1, true)
	ctx := context.Background()
	automationRun, _ := seedRun(t, h)

	// Push the run right up against its deadline, so the backoff lands
	// beyond it.
	h.now = automationRun.Deadline.Add(-time.Minute)

	claimed, err := pool.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	// The release moved the deadline past the retry.
	alive, err := h.store.RunRepository().RunByID(ctx, automationRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, alive.Status)
	assert.True(t, alive.Deadline.After(h.now.Add(Backoff(1))))

	h.now = h.now.Add(2 * Backoff(1))

	claimed, err = pool.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	finished, err := h.store.RunRepository().RunByID(ctx, automationRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, finished.Status, "a retry is never timed out by its own backoff")
}

func TestPollOnce_ExhaustedAttemptsFailJobAndRun(t *testing.T) {
	pool, h := newPool(t, 100, true)
	ctx := context.Background()
	automationRun, job := seedRun(t, h)

	for i := 0; i < models.DefaultMaxAttempts; i++ {
		claimed, err := pool.PollOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, claimed)

		// Make the released job due again.
		h.now = h.now.Add(2 * maxBackoff)
	}

	stored, err := h.store.JobRepository().JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, models.DefaultMaxAttempts, stored.Attempts+1)

	failed, err := h.store.RunRepository().RunByID(ctx, automationRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, failed.Status)
	assert.Equal(t, run.ReasonDispatchFailed, failed.FailureReason)
}

func TestPollOnce_PerBusinessAttemptCap(t *testing.T) {
	pool, h := newPool(t, 100, true)
	ctx := context.Background()

	settings := models.DefaultSettings("biz-1")
	settings.MaxAttempts = 1
	require.NoError(t, h.store.SettingsRepository().SaveSettings(ctx, settings))

	automationRun, job := seedRun(t, h)

	claimed, err := pool.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	// One attempt is the cap: no retry, straight to failed.
	stored, err := h.store.JobRepository().JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)

	failed, err := h.store.RunRepository().RunByID(ctx, automationRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, failed.Status)
}

func TestPollOnce_ReclaimsJobsFromDeadWorkers(t *testing.T) {
	pool, h := newPool(t, 0, false)
	ctx := context.Background()
	automationRun, job := seedRun(t, h)

	// Simulate a worker that claimed the job and died an hour ago.
	stale, err := h.store.JobRepository().JobByID(ctx, job.ID)
	require.NoError(t, err)
	stale.Status = models.JobStatusClaimed
	stale.ClaimedBy = "worker-dead"
	stale.UpdatedAt = h.now.Add(-time.Hour)
	require.NoError(t, h.store.JobRepository().EnqueueJob(ctx, stale))

	claimed, err := pool.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	stored, err := h.store.JobRepository().JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, pool.WorkerID(), stored.ClaimedBy)

	finished, err := h.store.RunRepository().RunByID(ctx, automationRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, finished.Status)
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	pool, _ := newPool(t, 0, false, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker pool did not stop")
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, Backoff(0))
	assert.Equal(t, time.Minute, Backoff(1))
	assert.Equal(t, 2*time.Minute, Backoff(2))
	assert.Equal(t, 4*time.Minute, Backoff(3))
	assert.Equal(t, 32*time.Minute, Backoff(6))
	assert.Equal(t, time.Hour, Backoff(7))
	assert.Equal(t, time.Hour, Backoff(50))
}
