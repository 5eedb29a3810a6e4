package executor

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
	"github.com/dripline/dripline/pkg/guardrail"
	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence/file"
	"github.com/dripline/dripline/pkg/run"
)

// probeFactory is a dispatch factory for tests: it counts executions and
// returns a canned result or error.
type probeFactory struct {
	id            string
	timeSensitive bool
	executions    *atomic.Int64
	result        *dispatch.Result
	err           error
}

func newProbe(id string, timeSensitive bool) *probeFactory {
	return &probeFactory{id: id, timeSensitive: timeSensitive, executions: &atomic.Int64{}}
}

func (f *probeFactory) ID() string           { return f.id }
func (f *probeFactory) Schema() map[string]any { return nil }
func (f *probeFactory) TimeSensitive() bool  { return f.timeSensitive }

func (f *probeFactory) Create(_ map[string]any) (dispatch.Handler, error) {
	return probeHandler{factory: f}, nil
}

type probeHandler struct {
	factory *probeFactory
}

func (h probeHandler) Execute(_ context.Context, _ map[string]any, _ map[string]any) (*dispatch.Result, error) {
	h.factory.executions.Add(1)

	return h.factory.result, h.factory.err
}

type harness struct {
	store       *file.Persistence
	registry    *dispatch.Registry
	cache       *compiler.Cache
	coordinator *run.Coordinator
	executor    *Executor
	now         time.Time
}

func newHarness(t *testing.T, factories ...dispatch.HandlerFactory) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := file.NewPersistence(t.TempDir())

	registry := dispatch.NewRegistry(logger)
	for _, factory := range factories {
		registry.Register(factory)
	}

	workflowCompiler := compiler.New(registry)
	cache := compiler.NewCache(workflowCompiler, store.WorkflowRepository())
	coordinator := run.NewCoordinator(store.RunRepository(), store.LogRepository(), nil, logger)

	h := &harness{
		store:       store,
		registry:    registry,
		cache:       cache,
		coordinator: coordinator,
		now:         time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	// The clock reads through the harness so tests can advance time.
	h.executor = NewExecutor(
		coordinator,
		store.RunRepository(),
		store.JobRepository(),
		store.SettingsRepository(),
		cache,
		registry,
		guardrail.NewMemoryCounter(),
		logger,
	).WithClock(func() time.Time { return h.now })

	return h
}

func (h *harness) saveWorkflow(t *testing.T, workflow *models.Workflow) {
	t.Helper()

	workflow.UpdatedAt = h.now
	require.NoError(t, h.store.WorkflowRepository().SaveWorkflow(context.Background(), workflow))
}

// enroll creates a pending run and its initial job, mirroring the matcher.
func (h *harness) enroll(t *testing.T, workflow *models.Workflow, payload map[string]any) (*models.AutomationRun, *models.AutomationJob) {
	t.Helper()
	ctx := context.Background()

	event := &models.AutomationEvent{
		ID: uuid.New().String(), BusinessID: workflow.BusinessID,
		Intent: "test.event", Payload: payload, CreatedAt: h.now,
	}

	automationRun := run.NewRun(workflow, event, "contact-1", h.now)

	created, err := h.store.RunRepository().CreateRunIfAbsent(ctx, automationRun)
	require.NoError(t, err)
	require.True(t, created)

	// The job arrives at the executor already claimed by a worker.
	job := &models.AutomationJob{
		ID: uuid.New().String(), RunID: automationRun.ID,
		NodeID: automationRun.CurrentNodeID, ExecuteAt: h.now,
		Status: models.JobStatusClaimed, ClaimedBy: "test-worker",
		CreatedAt: h.now, UpdatedAt: h.now,
	}
	require.NoError(t, h.store.JobRepository().EnqueueJob(ctx, job))

	return automationRun, job
}

func (h *harness) reload(t *testing.T, runID string) *models.AutomationRun {
	t.Helper()

	reloaded, err := h.store.RunRepository().RunByID(context.Background(), runID)
	require.NoError(t, err)

	return reloaded
}

func linearWorkflow(actionType string) *models.Workflow {
	return &models.Workflow{
		ID: "wf-linear", BusinessID: "biz-1", Name: "linear", Active: true,
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "act", Type: models.NodeTypeAction, ActionType: actionType},
		},
		Edges: []*models.Edge{
			{ID: "e1", FromNodeID: "start", ToNodeID: "act"},
		},
	}
}

func TestExecuteJob_LinearRunCompletes(t *testing.T) {
	probe := newProbe("probe", false)
	probe.result = &dispatch.Result{ContextUpdates: map[string]any{"sent": true}}

	h := newHarness(t, probe)
	workflow := linearWorkflow("probe")
	h.saveWorkflow(t, workflow)

	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1"})

	require.NoError(t, h.executor.ExecuteJob(context.Background(), job))

	reloaded := h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusCompleted, reloaded.Status)
	assert.Equal(t, int64(1), probe.executions.Load())
	assert.Equal(t, true, reloaded.Context["sent"], "action context updates are merged")
	assert.Equal(t, 2, reloaded.StepsCompleted)
}

func TestExecuteJob_ConditionBranching(t *testing.T) {
	yes := newProbe("yes_action", false)
	no := newProbe("no_action", false)

	h := newHarness(t, yes, no)

	truthy := "true"
	workflow := &models.Workflow{
		ID: "wf-branch", BusinessID: "biz-1", Name: "branch", Active: true,
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "check", Type: models.NodeTypeCondition, Config: map[string]any{
				"field": "event.source", "operator": "equals", "value": "yelp",
			}},
			{ID: "yes", Type: models.NodeTypeAction, ActionType: "yes_action"},
			{ID: "no", Type: models.NodeTypeAction, ActionType: "no_action"},
		},
		Edges: []*models.Edge{
			{ID: "e1", FromNodeID: "start", ToNodeID: "check"},
			{ID: "e2", FromNodeID: "check", ToNodeID: "yes", ConditionKey: &truthy},
			{ID: "e3", FromNodeID: "check", ToNodeID: "no"},
		},
	}
	h.saveWorkflow(t, workflow)

	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1", "source": "yelp"})

	require.NoError(t, h.executor.ExecuteJob(context.Background(), job))

	reloaded := h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusCompleted, reloaded.Status)
	assert.Equal(t, int64(1), yes.executions.Load())
	assert.Equal(t, int64(0), no.executions.Load())
}

func TestExecuteJob_WaitSuspendsAndResumes(t *testing.T) {
	probe := newProbe("probe", false)
	h := newHarness(t, probe)

	workflow := &models.Workflow{
		ID: "wf-wait", BusinessID: "biz-1", Name: "wait", Active: true,
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "pause", Type: models.NodeTypeWait, Config: map[string]any{"duration": "2d"}},
			{ID: "act", Type: models.NodeTypeAction, ActionType: "probe"},
		},
		Edges: []*models.Edge{
			{ID: "e1", FromNodeID: "start", ToNodeID: "pause"},
			{ID: "e2", FromNodeID: "pause", ToNodeID: "act"},
		},
	}
	h.saveWorkflow(t, workflow)

	ctx := context.Background()
	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1"})

	require.NoError(t, h.executor.ExecuteJob(ctx, job))

	reloaded := h.reload(t, automationRun.ID)
	require.Equal(t, models.RunStatusWaiting, reloaded.Status)
	assert.Equal(t, "act", reloaded.CurrentNodeID, "wake-up job targets the node after the wait")
	assert.Equal(t, int64(0), probe.executions.Load())

	pending, err := h.store.JobRepository().PendingJobsForRun(ctx, automationRun.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, h.now.Add(48*time.Hour), pending[0].ExecuteAt)

	// Two days later the job comes due and the run finishes.
	h.now = h.now.Add(48 * time.Hour)
	require.NoError(t, h.executor.ExecuteJob(ctx, pending[0]))

	reloaded = h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusCompleted, reloaded.Status)
	assert.Equal(t, int64(1), probe.executions.Load())
}

func TestExecuteJob_GuardrailDefersTimeSensitiveAction(t *testing.T) {
	probe := newProbe("probe", true)
	h := newHarness(t, probe)

	ctx := context.Background()

	// Quiet hours 22:00-08:00; the harness clock reads 12:00, so push the
	// window over midday instead.
	settings := models.DefaultSettings("biz-1")
	settings.QuietHours = models.ClockWindow{Enabled: true, Start: 11 * 60, End: 13 * 60}
	require.NoError(t, h.store.SettingsRepository().SaveSettings(ctx, settings))

	workflow := linearWorkflow("probe")
	h.saveWorkflow(t, workflow)

	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1"})

	require.NoError(t, h.executor.ExecuteJob(ctx, job))

	reloaded := h.reload(t, automationRun.ID)
	require.Equal(t, models.RunStatusWaiting, reloaded.Status)
	assert.Equal(t, "act", reloaded.CurrentNodeID, "the action has not run yet")
	assert.Equal(t, int64(0), probe.executions.Load())

	pending, err := h.store.JobRepository().PendingJobsForRun(ctx, automationRun.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC), pending[0].ExecuteAt)

	// The deferral reaches past the run's original 12:30 deadline. When
	// the window opens the action must still dispatch, not time out.
	h.now = time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)

	require.NoError(t, h.executor.ExecuteJob(ctx, pending[0]))

	reloaded = h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusCompleted, reloaded.Status)
	assert.Equal(t, int64(1), probe.executions.Load(), "the deferred action was dispatched")
}

func TestExecuteJob_LoopPrevention(t *testing.T) {
	a := newProbe("a_action", false)
	b := newProbe("b_action", false)

	h := newHarness(t, a, b)

	workflow := &models.Workflow{
		ID: "wf-loop", BusinessID: "biz-1", Name: "loop", Active: true,
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "a", Type: models.NodeTypeAction, ActionType: "a_action"},
			{ID: "b", Type: models.NodeTypeAction, ActionType: "b_action"},
		},
		Edges: []*models.Edge{
			{ID: "e1", FromNodeID: "start", ToNodeID: "a"},
			{ID: "e2", FromNodeID: "a", ToNodeID: "b"},
			{ID: "e3", FromNodeID: "b", ToNodeID: "a"},
		},
	}
	h.saveWorkflow(t, workflow)

	ctx := context.Background()
	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1"})

	require.NoError(t, h.executor.ExecuteJob(ctx, job))

	reloaded := h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusFailed, reloaded.Status)
	assert.Equal(t, run.ReasonLoopPrevention, reloaded.FailureReason)
	assert.LessOrEqual(t, reloaded.StepsCompleted, models.DefaultMaxSteps)
}

func TestExecuteJob_DeadlineTimeout(t *testing.T) {
	probe := newProbe("probe", false)
	h := newHarness(t, probe)

	workflow := linearWorkflow("probe")
	h.saveWorkflow(t, workflow)

	ctx := context.Background()
	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1"})

	// Force the deadline into the past.
	automationRun.Deadline = h.now.Add(-time.Minute)
	require.NoError(t, h.store.RunRepository().UpdateRun(ctx, automationRun))

	require.NoError(t, h.executor.ExecuteJob(ctx, job))

	reloaded := h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusFailed, reloaded.Status)
	assert.Equal(t, run.ReasonTimeout, reloaded.FailureReason)
	assert.Equal(t, int64(0), probe.executions.Load())
}

func TestExecuteJob_PermanentDispatchFailureFailsRun(t *testing.T) {
	probe := newProbe("probe", false)
	probe.err = dispatch.NewPermanent("probe", errors.New("contact has no email address"))

	h := newHarness(t, probe)
	workflow := linearWorkflow("probe")
	h.saveWorkflow(t, workflow)

	ctx := context.Background()
	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1"})

	require.NoError(t, h.executor.ExecuteJob(ctx, job), "permanent failures are handled, not retried")

	reloaded := h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusFailed, reloaded.Status)
	assert.Equal(t, run.ReasonDispatchFailed, reloaded.FailureReason)
}

func TestExecuteJob_RetryableDispatchFailurePropagates(t *testing.T) {
	probe := newProbe("probe", false)
	probe.err = dispatch.NewRetryable("probe", errors.New("smtp timeout"))

	h := newHarness(t, probe)
	workflow := linearWorkflow("probe")
	h.saveWorkflow(t, workflow)

	ctx := context.Background()
	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1"})

	err := h.executor.ExecuteJob(ctx, job)
	require.Error(t, err)
	assert.True(t, dispatch.IsRetryable(err))

	// The run stays running; the same node executes on the next attempt.
	reloaded := h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusRunning, reloaded.Status)
	assert.Equal(t, "act", reloaded.CurrentNodeID)
}

func TestExecuteJob_GoalShortCircuits(t *testing.T) {
	probe := newProbe("probe", false)
	h := newHarness(t, probe)

	workflow := &models.Workflow{
		ID: "wf-goal", BusinessID: "biz-1", Name: "goal", Active: true,
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "goal", Type: models.NodeTypeGoal, Config: map[string]any{
				"field": "event.booked", "operator": "equals", "value": true,
			}},
			{ID: "act", Type: models.NodeTypeAction, ActionType: "probe"},
		},
		Edges: []*models.Edge{
			{ID: "e1", FromNodeID: "start", ToNodeID: "goal"},
			{ID: "e2", FromNodeID: "goal", ToNodeID: "act"},
		},
	}
	h.saveWorkflow(t, workflow)

	ctx := context.Background()
	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1", "booked": true})

	require.NoError(t, h.executor.ExecuteJob(ctx, job))

	reloaded := h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusCompleted, reloaded.Status)
	assert.Equal(t, int64(0), probe.executions.Load(), "a satisfied goal skips the rest of the graph")
}

// cannedDirectory serves one contact regardless of ID.
type cannedDirectory struct {
	contact *models.Contact
}

func (d cannedDirectory) ContactByID(_ context.Context, _, _ string) (*models.Contact, error) {
	return d.contact, nil
}

func goalWorkflow() *models.Workflow {
	return &models.Workflow{
		ID: "wf-goal-contact", BusinessID: "biz-1", Name: "goal contact", Active: true,
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "goal", Type: models.NodeTypeGoal, Config: map[string]any{
				"field": "contact.pipeline_stage", "operator": "equals", "value": "customer",
			}},
			{ID: "act", Type: models.NodeTypeAction, ActionType: "probe"},
		},
		Edges: []*models.Edge{
			{ID: "e1", FromNodeID: "start", ToNodeID: "goal"},
			{ID: "e2", FromNodeID: "goal", ToNodeID: "act"},
		},
	}
}

func TestExecuteJob_GoalReadsContactState(t *testing.T) {
	probe := newProbe("probe", false)
	h := newHarness(t, probe)

	// The contact converted outside this run, e.g. booked by phone.
	h.executor.WithContactDirectory(cannedDirectory{contact: &models.Contact{
		ID: "contact-1", BusinessID: "biz-1", PipelineStage: "customer",
	}})

	workflow := goalWorkflow()
	h.saveWorkflow(t, workflow)

	ctx := context.Background()
	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1"})

	require.NoError(t, h.executor.ExecuteJob(ctx, job))

	reloaded := h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusCompleted, reloaded.Status)
	assert.Equal(t, int64(0), probe.executions.Load(), "a contact who already converted skips the rest")
}

func TestExecuteJob_GoalUnsatisfiedContactContinues(t *testing.T) {
	probe := newProbe("probe", false)
	h := newHarness(t, probe)

	h.executor.WithContactDirectory(cannedDirectory{contact: &models.Contact{
		ID: "contact-1", BusinessID: "biz-1", PipelineStage: "lead",
	}})

	workflow := goalWorkflow()
	h.saveWorkflow(t, workflow)

	ctx := context.Background()
	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1"})

	require.NoError(t, h.executor.ExecuteJob(ctx, job))

	reloaded := h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusCompleted, reloaded.Status)
	assert.Equal(t, int64(1), probe.executions.Load(), "an unsatisfied goal falls through to the action")
}

func TestExecuteJob_CancelledRunDropsJob(t *testing.T) {
	probe := newProbe("probe", false)
	h := newHarness(t, probe)

	workflow := linearWorkflow("probe")
	h.saveWorkflow(t, workflow)

	ctx := context.Background()
	automationRun, job := h.enroll(t, workflow, map[string]any{"contact_id": "contact-1"})

	cancelled, err := h.coordinator.Cancel(ctx, automationRun.ID, "contact unsubscribed")
	require.NoError(t, err)
	require.True(t, cancelled)

	require.NoError(t, h.executor.ExecuteJob(ctx, job))

	reloaded := h.reload(t, automationRun.ID)
	assert.Equal(t, models.RunStatusCancelled, reloaded.Status)
	assert.Equal(t, int64(0), probe.executions.Load())
}

func TestExecuteJob_MissingRunIsDropped(t *testing.T) {
	h := newHarness(t)

	job := &models.AutomationJob{
		ID: uuid.New().String(), RunID: "no-such-run", NodeID: "start",
		ExecuteAt: h.now, Status: models.JobStatusClaimed,
	}

	assert.NoError(t, h.executor.ExecuteJob(context.Background(), job))
}
