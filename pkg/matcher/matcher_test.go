package matcher

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripline/dripline/pkg/compiler"
	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence/file"
)

// staticDirectory serves canned contacts.
type staticDirectory struct {
	contacts map[string]*models.Contact
}

func (d *staticDirectory) ContactByID(_ context.Context, _, contactID string) (*models.Contact, error) {
	return d.contacts[contactID], nil
}

type fixture struct {
	matcher   *Matcher
	store     *file.Persistence
	directory *staticDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	directory := &staticDirectory{contacts: map[string]*models.Contact{
		"c-1": {ID: "c-1", BusinessID: "biz-1"},
	}}

	cache := compiler.NewCache(compiler.New(nil), store.WorkflowRepository())

	m := NewMatcher(
		store.WorkflowRepository(),
		store.RunRepository(),
		store.JobRepository(),
		store.EnrollmentRepository(),
		directory,
		cache,
		nil,
		logger,
	)

	return &fixture{matcher: m, store: store, directory: directory}
}

func (f *fixture) saveWorkflow(t *testing.T, workflow *models.Workflow) {
	t.Helper()

	workflow.UpdatedAt = time.Now().UTC()
	require.NoError(t, f.store.WorkflowRepository().SaveWorkflow(context.Background(), workflow))
}

func testWorkflow(id, intent string) *models.Workflow {
	return &models.Workflow{
		ID: id, BusinessID: "biz-1", Name: "wf " + id, Active: true,
		TriggerIntents: []string{intent},
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "end", Type: models.NodeTypeGoal},
		},
		Edges: []*models.Edge{
			{ID: "e1", FromNodeID: "start", ToNodeID: "end"},
		},
	}
}

func testEvent(intent, contactID string) *models.AutomationEvent {
	return &models.AutomationEvent{
		ID: "evt-" + intent + "-" + contactID, BusinessID: "biz-1", Intent: intent,
		Payload:   map[string]any{"contact_id": contactID},
		CreatedAt: time.Now().UTC(),
	}
}

func TestMatch_EnrollsMatchingWorkflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.saveWorkflow(t, testWorkflow("wf-1", "booking.create"))
	f.saveWorkflow(t, testWorkflow("wf-2", "booking.create"))
	f.saveWorkflow(t, testWorkflow("wf-3", "booking.cancel"))

	runs, err := f.matcher.Match(ctx, testEvent("booking.create", "c-1"))
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Every run starts pending at the trigger with an immediate job.
	for _, run := range runs {
		assert.Equal(t, models.RunStatusPending, run.Status)
		assert.Equal(t, "start", run.CurrentNodeID)

		jobs, err := f.store.JobRepository().PendingJobsForRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.False(t, jobs[0].ExecuteAt.After(time.Now().UTC()))
	}
}

func TestMatch_SameEventEnrollsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.saveWorkflow(t, testWorkflow("wf-1", "booking.create"))
	event := testEvent("booking.create", "c-1")

	first, err := f.matcher.Match(ctx, event)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A replay of the same event hits the idempotency key.
	second, err := f.matcher.Match(ctx, event)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestMatch_NoContactNoEnrollment(t *testing.T) {
	f := newFixture(t)

	f.saveWorkflow(t, testWorkflow("wf-1", "booking.create"))

	event := testEvent("booking.create", "c-1")
	event.Payload = map[string]any{"slot": "10am"}

	runs, err := f.matcher.Match(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMatch_SuppressionTag(t *testing.T) {
	f := newFixture(t)
	f.directory.contacts["c-1"].Tags = []string{"do-not-automate"}

	workflow := testWorkflow("wf-1", "booking.create")
	workflow.SuppressionTags = []string{"do-not-automate"}
	f.saveWorkflow(t, workflow)

	runs, err := f.matcher.Match(context.Background(), testEvent("booking.create", "c-1"))
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMatch_SuppressionStage(t *testing.T) {
	f := newFixture(t)
	f.directory.contacts["c-1"].PipelineStage = "closed-won"

	workflow := testWorkflow("wf-1", "booking.create")
	workflow.SuppressionStages = []string{"closed-won"}
	f.saveWorkflow(t, workflow)

	runs, err := f.matcher.Match(context.Background(), testEvent("booking.create", "c-1"))
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMatch_UnsubscribedContactSkipsEverything(t *testing.T) {
	f := newFixture(t)
	f.directory.contacts["c-1"].Unsubscribed = true

	f.saveWorkflow(t, testWorkflow("wf-1", "booking.create"))

	runs, err := f.matcher.Match(context.Background(), testEvent("booking.create", "c-1"))
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMatch_EnrollmentCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow := testWorkflow("wf-1", "booking.create")
	workflow.MaxEnrollmentsPerContact = 1
	f.saveWorkflow(t, workflow)

	runs, err := f.matcher.Match(ctx, testEvent("booking.create", "c-1"))
	require.NoError(t, err)
	require.Len(t, runs, 1)

	// A new event for the same contact is capped out.
	event := testEvent("booking.create", "c-1")
	event.ID = "evt-second"

	runs, err = f.matcher.Match(ctx, event)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMatch_ReenrollCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow := testWorkflow("wf-1", "booking.create")
	workflow.ReenrollAfterDays = 30
	f.saveWorkflow(t, workflow)

	// Contact enrolled 10 days ago: still cooling down.
	require.NoError(t, f.store.EnrollmentRepository().RecordEnrollment(
		ctx, "wf-1", "c-1", time.Now().UTC().AddDate(0, 0, -10)))

	runs, err := f.matcher.Match(ctx, testEvent("booking.create", "c-1"))
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMatch_ReenrollAfterCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow := testWorkflow("wf-1", "booking.create")
	workflow.ReenrollAfterDays = 30
	f.saveWorkflow(t, workflow)

	require.NoError(t, f.store.EnrollmentRepository().RecordEnrollment(
		ctx, "wf-1", "c-1", time.Now().UTC().AddDate(0, 0, -45)))

	runs, err := f.matcher.Match(ctx, testEvent("booking.create", "c-1"))
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestMatch_BrokenWorkflowSkipped(t *testing.T) {
	f := newFixture(t)

	broken := testWorkflow("wf-broken", "booking.create")
	broken.Nodes = broken.Nodes[1:] // drop the trigger
	f.saveWorkflow(t, broken)

	f.saveWorkflow(t, testWorkflow("wf-good", "booking.create"))

	runs, err := f.matcher.Match(context.Background(), testEvent("booking.create", "c-1"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "wf-good", runs[0].WorkflowID)
}

func TestMatch_NestedContactPayload(t *testing.T) {
	f := newFixture(t)

	f.saveWorkflow(t, testWorkflow("wf-1", "booking.create"))

	event := testEvent("booking.create", "c-1")
	event.Payload = map[string]any{"contact": map[string]any{"id": "c-1"}}

	runs, err := f.matcher.Match(context.Background(), event)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestContactIDFromPayload(t *testing.T) {
	assert.Equal(t, "c-1", ContactIDFromPayload(map[string]any{"contact_id": "c-1"}))
	assert.Equal(t, "c-2", ContactIDFromPayload(map[string]any{"contact": map[string]any{"id": "c-2"}}))
	assert.Empty(t, ContactIDFromPayload(map[string]any{"other": true}))
	assert.Empty(t, ContactIDFromPayload(nil))
}
