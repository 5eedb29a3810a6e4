// Package executor advances automation runs through their compiled
// workflow graph, one node per step. All progress is persisted before a
// run suspends, so a process crash never loses a step.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dripline/dripline/pkg/compiler"
	"github.com/dripline/dripline/pkg/dispatch"
	"github.com/dripline/dripline/pkg/guardrail"
	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/persistence"
	"github.com/dripline/dripline/pkg/run"
	"github.com/dripline/dripline/pkg/template"
)

// Outcome describes what a single step did to a run.
type Outcome int

const (
	// OutcomeAdvanced means the run moved to the next node and can step again.
	OutcomeAdvanced Outcome = iota
	// OutcomeSuspended means the run is waiting with a wake-up job enqueued.
	OutcomeSuspended
	// OutcomeCompleted means the run reached a terminal success.
	OutcomeCompleted
	// OutcomeFailed means the run was terminated with a failure reason.
	OutcomeFailed
	// OutcomeHalted means the run was already terminal; nothing to do.
	OutcomeHalted
)

// Wake-up scheduling reasons recorded on suspension.
const (
	suspendReasonWait = "wait_node"
)

// ContactDirectory resolves live contact state for goal checks.
type ContactDirectory interface {
	ContactByID(ctx context.Context, businessID, contactID string) (*models.Contact, error)
}

// Executor steps runs through their workflow graphs.
type Executor struct {
	coordinator *run.Coordinator
	runs        persistence.RunRepository
	jobs        persistence.JobRepository
	settings    persistence.SettingsRepository
	cache       *compiler.Cache
	registry    *dispatch.Registry
	counter     guardrail.MessageCounter
	conditions  ConditionEvaluator
	directory   ContactDirectory
	logger      *slog.Logger
	now         func() time.Time
}

func NewExecutor(
	coordinator *run.Coordinator,
	runs persistence.RunRepository,
	jobs persistence.JobRepository,
	settings persistence.SettingsRepository,
	cache *compiler.Cache,
	registry *dispatch.Registry,
	counter guardrail.MessageCounter,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		coordinator: coordinator,
		runs:        runs,
		jobs:        jobs,
		settings:    settings,
		cache:       cache,
		registry:    registry,
		counter:     counter,
		conditions:  FieldCondition{},
		logger:      logger.With("module", "executor"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithConditionEvaluator swaps the condition interpreter. The default
// field comparator covers recipe workflows; hosts with richer expression
// needs plug in their own.
func (e *Executor) WithConditionEvaluator(evaluator ConditionEvaluator) *Executor {
	e.conditions = evaluator

	return e
}

// WithContactDirectory lets goal nodes check contact state accumulated
// outside the run. A nil directory limits goals to the run context.
func (e *Executor) WithContactDirectory(directory ContactDirectory) *Executor {
	e.directory = directory

	return e
}

// WithClock overrides the time source.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now

	return e
}

// ExecuteJob processes one claimed job: it brings the run into the
// running state and drives it forward until it suspends, terminates, or
// hits a transient dispatch failure. A returned retryable error tells
// the worker to re-queue the job with backoff; a nil return means the
// job is done regardless of how the run ended.
func (e *Executor) ExecuteJob(ctx context.Context, job *models.AutomationJob) error {
	automationRun, err := e.runs.RunByID(ctx, job.RunID)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			e.logger.WarnContext(ctx, "Job references missing run, dropping", "job_id", job.ID, "run_id", job.RunID)

			return nil
		}

		return fmt.Errorf("failed to load run %s: %w", job.RunID, err)
	}

	// Cancelled or otherwise finished while the job sat in the queue.
	if automationRun.Status.IsTerminal() {
		e.logger.InfoContext(ctx, "Run already terminal, dropping job",
			"job_id", job.ID, "run_id", automationRun.ID, "status", automationRun.Status)

		return nil
	}

	compiled, err := e.cache.Get(ctx, automationRun.WorkflowID)
	if err != nil {
		// The definition changed underneath the run and no longer
		// compiles. The run cannot make progress, ever.
		return e.failRun(ctx, automationRun, automationRun.CurrentNodeID, run.ReasonNodeTraversal,
			fmt.Errorf("workflow %s no longer compiles: %w", automationRun.WorkflowID, err))
	}

	switch automationRun.Status {
	case models.RunStatusPending:
		started, err := e.coordinator.Start(ctx, automationRun)
		if err != nil {
			return fmt.Errorf("failed to start run %s: %w", automationRun.ID, err)
		}

		if !started {
			return nil
		}
	case models.RunStatusWaiting:
		// A wake-up job must land on the node the run is parked at; a
		// stale job from an earlier suspension is a no-op.
		if job.NodeID != automationRun.CurrentNodeID {
			e.logger.WarnContext(ctx, "Job targets a node the run has moved past, dropping",
				"job_id", job.ID, "run_id", automationRun.ID,
				"job_node_id", job.NodeID, "current_node_id", automationRun.CurrentNodeID)

			return nil
		}

		if err := e.refreshDeadline(ctx, automationRun); err != nil {
			return err
		}

		resumed, err := e.coordinator.Resume(ctx, automationRun, job.ID)
		if err != nil {
			return fmt.Errorf("failed to resume run %s: %w", automationRun.ID, err)
		}

		if !resumed {
			return nil
		}
	case models.RunStatusRunning:
		// A previous worker crashed mid-drive or a retry came due; pick
		// up where it left off.
		if err := e.refreshDeadline(ctx, automationRun); err != nil {
			return err
		}
	}

	return e.drive(ctx, automationRun, compiled)
}

// refreshDeadline gives a resumed session its full runtime budget from
// now. Wall clock spent suspended, or waiting out a retry backoff, does
// not count against the run; the deadline bounds active execution, and
// retry exhaustion is the attempt cap's job.
func (e *Executor) refreshDeadline(ctx context.Context, automationRun *models.AutomationRun) error {
	deadline := e.now().Add(models.DefaultMaxRuntime)
	if !deadline.After(automationRun.Deadline) {
		return nil
	}

	automationRun.Deadline = deadline
	automationRun.UpdatedAt = e.now()

	if err := e.runs.UpdateRun(ctx, automationRun); err != nil {
		return fmt.Errorf("failed to refresh run deadline: %w", err)
	}

	return nil
}

// drive steps the run until it stops advancing.
func (e *Executor) drive(ctx context.Context, automationRun *models.AutomationRun, compiled *compiler.CompiledWorkflow) error {
	for {
		outcome, err := e.Advance(ctx, automationRun, compiled)
		if err != nil {
			return err
		}

		if outcome != OutcomeAdvanced {
			return nil
		}
	}
}

// Advance executes exactly one node and persists the result. It is the
// unit of crash safety: every path through it either leaves the run
// unchanged or durably records the step before returning.
func (e *Executor) Advance(ctx context.Context, automationRun *models.AutomationRun, compiled *compiler.CompiledWorkflow) (Outcome, error) {
	// Re-read status so an external cancel lands between steps, not
	// after a whole drive loop.
	current, err := e.runs.RunByID(ctx, automationRun.ID)
	if err != nil {
		return OutcomeHalted, fmt.Errorf("failed to reload run %s: %w", automationRun.ID, err)
	}

	if current.Status.IsTerminal() {
		automationRun.Status = current.Status

		return OutcomeHalted, nil
	}

	now := e.now()

	if automationRun.StepsCompleted >= automationRun.MaxSteps {
		return OutcomeFailed, e.failRun(ctx, automationRun, automationRun.CurrentNodeID, run.ReasonLoopPrevention,
			fmt.Errorf("run exceeded %d steps", automationRun.MaxSteps))
	}

	if now.After(automationRun.Deadline) {
		return OutcomeFailed, e.failRun(ctx, automationRun, automationRun.CurrentNodeID, run.ReasonTimeout,
			fmt.Errorf("run exceeded its deadline %s", automationRun.Deadline.Format(time.RFC3339)))
	}

	node := compiled.Node(automationRun.CurrentNodeID)
	if node == nil {
		return OutcomeFailed, e.failRun(ctx, automationRun, automationRun.CurrentNodeID, run.ReasonNodeTraversal,
			fmt.Errorf("node %s not in workflow %s", automationRun.CurrentNodeID, automationRun.WorkflowID))
	}

	switch node.Type {
	case models.NodeTypeTrigger:
		return e.follow(ctx, automationRun, compiled, node, "")

	case models.NodeTypeAction:
		return e.executeAction(ctx, automationRun, compiled, node, now)

	case models.NodeTypeCondition:
		key, err := e.conditions.Evaluate(node, automationRun.Context)
		if err != nil {
			return OutcomeFailed, e.failRun(ctx, automationRun, node.ID, run.ReasonNodeTraversal, err)
		}

		e.coordinator.Audit(ctx, automationRun, node.ID, "info", "condition evaluated", map[string]any{"result": key})

		return e.follow(ctx, automationRun, compiled, node, key)

	case models.NodeTypeWait:
		return e.executeWait(ctx, automationRun, compiled, node, now)

	case models.NodeTypeGoal:
		return e.executeGoal(ctx, automationRun, compiled, node)

	default:
		return OutcomeFailed, e.failRun(ctx, automationRun, node.ID, run.ReasonNodeTraversal,
			fmt.Errorf("unsupported node type %s", node.Type))
	}
}

// executeAction runs an action node, deferring first when guardrails say
// so.
func (e *Executor) executeAction(ctx context.Context, automationRun *models.AutomationRun, compiled *compiler.CompiledWorkflow, node *models.Node, now time.Time) (Outcome, error) {
	timeSensitive := e.registry.TimeSensitive(node.ActionType)

	settings, err := e.businessSettings(ctx, automationRun.BusinessID)
	if err != nil {
		return OutcomeHalted, err
	}

	if timeSensitive {
		todayCount, err := e.counter.TodayCount(ctx, automationRun.BusinessID, automationRun.ContactID, e.localDay(settings, now))
		if err != nil {
			return OutcomeHalted, fmt.Errorf("failed to read message counter: %w", err)
		}

		decision := guardrail.Evaluate(settings, now, todayCount)
		if !decision.Allow {
			// A deferral can land past the in-flight deadline; push it
			// out the way a wait node does, so the deferred action still
			// dispatches instead of timing the run out on resume.
			if deadline := decision.NextAt.Add(models.DefaultMaxRuntime); deadline.After(automationRun.Deadline) {
				automationRun.Deadline = deadline
				automationRun.UpdatedAt = now

				if err := e.runs.UpdateRun(ctx, automationRun); err != nil {
					return OutcomeHalted, fmt.Errorf("failed to persist run before deferral: %w", err)
				}
			}

			return e.suspend(ctx, automationRun, node.ID, decision.NextAt, decision.Reason, true)
		}
	}

	config, err := template.RenderConfig(node.Config, automationRun.Context)
	if err != nil {
		// A config that cannot render today cannot render tomorrow.
		return OutcomeFailed, e.failRun(ctx, automationRun, node.ID, run.ReasonDispatchFailed, err)
	}

	result, err := e.registry.Execute(ctx, node.ActionType, config, automationRun.Context)
	if err != nil {
		if dispatch.IsRetryable(err) {
			// Leave the run where it stands; the worker re-queues the
			// job and a later attempt lands on this same node.
			e.coordinator.Audit(ctx, automationRun, node.ID, "warning", "action failed, will retry", map[string]any{
				"action_type": node.ActionType,
				"error":       err.Error(),
			})

			return OutcomeHalted, err
		}

		return OutcomeFailed, e.failRun(ctx, automationRun, node.ID, run.ReasonDispatchFailed, err)
	}

	if result != nil {
		automationRun.MergeContext(result.ContextUpdates)
	}

	if timeSensitive {
		if _, err := e.counter.Increment(ctx, automationRun.BusinessID, automationRun.ContactID, e.localDay(settings, now)); err != nil {
			e.logger.ErrorContext(ctx, "Failed to increment message counter",
				"run_id", automationRun.ID, "error", err)
		}
	}

	e.coordinator.Audit(ctx, automationRun, node.ID, "info", "action dispatched", map[string]any{
		"action_type": node.ActionType,
	})

	return e.follow(ctx, automationRun, compiled, node, "")
}

// executeWait resolves the wait node's successor now and schedules the
// wake-up job directly at it, so resumes never re-enter the wait node.
func (e *Executor) executeWait(ctx context.Context, automationRun *models.AutomationRun, compiled *compiler.CompiledWorkflow, node *models.Node, now time.Time) (Outcome, error) {
	duration, err := WaitDuration(node.Config)
	if err != nil {
		return OutcomeFailed, e.failRun(ctx, automationRun, node.ID, run.ReasonNodeTraversal, err)
	}

	next, ok := compiled.Next(node.ID, "")
	if !ok {
		// Waiting with nowhere to go afterwards is pointless; finish now.
		return e.complete(ctx, automationRun, false)
	}

	resumeAt := now.Add(duration)

	// Multi-day waits outlive the in-flight deadline; push it out so the
	// resumed run is not instantly timed out.
	if deadline := resumeAt.Add(models.DefaultMaxRuntime); deadline.After(automationRun.Deadline) {
		automationRun.Deadline = deadline
	}

	automationRun.CurrentNodeID = next
	automationRun.StepsCompleted++
	automationRun.UpdatedAt = now

	if err := e.runs.UpdateRun(ctx, automationRun); err != nil {
		return OutcomeHalted, fmt.Errorf("failed to persist run before wait: %w", err)
	}

	return e.suspend(ctx, automationRun, node.ID, resumeAt, suspendReasonWait, false)
}

// executeGoal checks the goal predicate. A satisfied goal completes the
// run early; otherwise the run continues past the node, or completes
// without the goal when the graph ends here. Goal predicates see live
// contact state, so a contact who already booked through another channel
// is recognized.
func (e *Executor) executeGoal(ctx context.Context, automationRun *models.AutomationRun, compiled *compiler.CompiledWorkflow, node *models.Node) (Outcome, error) {
	satisfied := false

	if _, hasField := node.Config["field"]; hasField {
		key, err := e.conditions.Evaluate(node, e.goalContext(ctx, automationRun))
		if err != nil {
			return OutcomeFailed, e.failRun(ctx, automationRun, node.ID, run.ReasonNodeTraversal, err)
		}

		satisfied = key == "true"
	}

	e.coordinator.Audit(ctx, automationRun, node.ID, "info", "goal checked", map[string]any{"satisfied": satisfied})

	if satisfied {
		return e.complete(ctx, automationRun, true)
	}

	return e.follow(ctx, automationRun, compiled, node, "")
}

// goalContext augments the run context with current contact state from
// the directory. Live state shadows any contact snapshot the event
// payload carried.
func (e *Executor) goalContext(ctx context.Context, automationRun *models.AutomationRun) map[string]any {
	if e.directory == nil || automationRun.ContactID == "" {
		return automationRun.Context
	}

	contact, err := e.directory.ContactByID(ctx, automationRun.BusinessID, automationRun.ContactID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to resolve contact for goal check",
			"run_id", automationRun.ID, "contact_id", automationRun.ContactID, "error", err)

		return automationRun.Context
	}

	if contact == nil {
		return automationRun.Context
	}

	data := make(map[string]any, len(automationRun.Context)+1)
	for key, value := range automationRun.Context {
		data[key] = value
	}

	data["contact"] = map[string]any{
		"id":             contact.ID,
		"tags":           contact.Tags,
		"pipeline_stage": contact.PipelineStage,
		"unsubscribed":   contact.Unsubscribed,
	}

	return data
}

// follow moves the run along the selected edge, or completes it when the
// node has no way out.
func (e *Executor) follow(ctx context.Context, automationRun *models.AutomationRun, compiled *compiler.CompiledWorkflow, node *models.Node, conditionKey string) (Outcome, error) {
	next, ok := compiled.Next(node.ID, conditionKey)
	if !ok {
		if compiled.HasOutgoing(node.ID) {
			// Edges exist but none matched and no default is wired.
			return OutcomeFailed, e.failRun(ctx, automationRun, node.ID, run.ReasonNodeTraversal,
				fmt.Errorf("no edge from node %s matches key %q", node.ID, conditionKey))
		}

		return e.complete(ctx, automationRun, false)
	}

	automationRun.CurrentNodeID = next
	automationRun.StepsCompleted++
	automationRun.UpdatedAt = e.now()

	if err := e.runs.UpdateRun(ctx, automationRun); err != nil {
		return OutcomeHalted, fmt.Errorf("failed to persist run step: %w", err)
	}

	return OutcomeAdvanced, nil
}

// suspend parks the run with a durable wake-up job.
func (e *Executor) suspend(ctx context.Context, automationRun *models.AutomationRun, nodeID string, resumeAt time.Time, reason string, guardrailDeferral bool) (Outcome, error) {
	now := e.now()

	job := &models.AutomationJob{
		ID:        uuid.New().String(),
		RunID:     automationRun.ID,
		NodeID:    automationRun.CurrentNodeID,
		ExecuteAt: resumeAt,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Job before status flip: a run must never sit in waiting without a
	// job that will wake it.
	if err := e.jobs.EnqueueJob(ctx, job); err != nil {
		return OutcomeHalted, fmt.Errorf("failed to enqueue wake-up job: %w", err)
	}

	if err := e.coordinator.Suspend(ctx, automationRun, nodeID, resumeAt, reason, job.ID, guardrailDeferral); err != nil {
		return OutcomeHalted, err
	}

	return OutcomeSuspended, nil
}

func (e *Executor) complete(ctx context.Context, automationRun *models.AutomationRun, goalSatisfied bool) (Outcome, error) {
	// The terminal node counts as a step too.
	automationRun.StepsCompleted++
	automationRun.UpdatedAt = e.now()

	if err := e.runs.UpdateRun(ctx, automationRun); err != nil {
		return OutcomeHalted, fmt.Errorf("failed to persist run completion: %w", err)
	}

	if err := e.coordinator.Complete(ctx, automationRun, goalSatisfied); err != nil {
		return OutcomeHalted, err
	}

	return OutcomeCompleted, nil
}

// failRun terminates the run and reports the failure as handled (nil
// error) so the job completes instead of retrying a doomed run.
func (e *Executor) failRun(ctx context.Context, automationRun *models.AutomationRun, nodeID, reason string, cause error) error {
	e.logger.WarnContext(ctx, "Terminating run",
		"run_id", automationRun.ID, "reason", reason, "cause", cause)

	return e.coordinator.Fail(ctx, automationRun, nodeID, reason)
}

func (e *Executor) businessSettings(ctx context.Context, businessID string) (*models.BusinessAutomationSettings, error) {
	settings, err := e.settings.SettingsByBusiness(ctx, businessID)
	if err != nil {
		if errors.Is(err, persistence.ErrSettingsNotFound) {
			return models.DefaultSettings(businessID), nil
		}

		return nil, fmt.Errorf("failed to load settings for business %s: %w", businessID, err)
	}

	return settings, nil
}

// localDay renders now in the business timezone so daily counters roll
// over at local midnight.
func (e *Executor) localDay(settings *models.BusinessAutomationSettings, now time.Time) time.Time {
	location, err := settings.Location()
	if err != nil {
		location = time.UTC
	}

	return now.In(location)
}

// WaitDuration parses a wait node config. Accepts duration strings with
// a day suffix ("2d") or Go syntax ("36h"), or a numeric
// duration_minutes.
func WaitDuration(config map[string]any) (time.Duration, error) {
	if raw, ok := config["duration"].(string); ok && raw != "" {
		if days, found := cutSuffix(raw, "d"); found {
			n, err := time.ParseDuration(days + "h")
			if err != nil {
				return 0, fmt.Errorf("invalid wait duration %q", raw)
			}

			if n <= 0 {
				return 0, fmt.Errorf("wait duration %q must be positive", raw)
			}

			return n * 24, nil
		}

		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid wait duration %q: %w", raw, err)
		}

		if d <= 0 {
			return 0, fmt.Errorf("wait duration %q must be positive", raw)
		}

		return d, nil
	}

	if minutes, ok := asFloat(config["duration_minutes"]); ok && minutes > 0 {
		return time.Duration(minutes * float64(time.Minute)), nil
	}

	return 0, fmt.Errorf("wait node config has no duration")
}

func cutSuffix(s, suffix string) (string, bool) {
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)], true
	}

	return "", false
}
