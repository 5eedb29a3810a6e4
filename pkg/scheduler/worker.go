// Package scheduler polls the durable job queue and hands due jobs to
// the executor. It is the only component that claims, completes, retries,
// or fails jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dripline/dripline/pkg/dispatch"
	"github.com/dripline/dripline/pkg/eventbus"
	"github.com/dripline/dripline/pkg/events"
	"github.com/dripline/dripline/pkg/executor"
	"github.com/dripline/dripline/pkg/models"
	"github.com/dripline/dripline/pkg/otelhelper"
	"github.com/dripline/dripline/pkg/persistence"
	"github.com/dripline/dripline/pkg/run"
)

// Defaults for the polling loop.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultBatchSize    = 25
	DefaultConcurrency  = 4

	baseBackoff = time.Minute
	maxBackoff  = time.Hour

	// claimTTL bounds how long a claim can sit without progress before
	// the job is handed back. Executions finish in seconds; a claim this
	// old means the claimant died.
	claimTTL = 10 * time.Minute
)

// WorkerPool claims due jobs on an interval and executes them on a fixed
// set of goroutines.
type WorkerPool struct {
	workerID    string
	jobs        persistence.JobRepository
	runs        persistence.RunRepository
	settings    persistence.SettingsRepository
	executor    *executor.Executor
	coordinator *run.Coordinator
	publisher   eventbus.EventPublisher
	logger      *slog.Logger

	pollInterval time.Duration
	batchSize    int
	concurrency  int
	tracer       trace.Tracer
	now          func() time.Time
}

type Option func(*WorkerPool)

func WithPollInterval(d time.Duration) Option {
	return func(p *WorkerPool) { p.pollInterval = d }
}

func WithBatchSize(n int) Option {
	return func(p *WorkerPool) { p.batchSize = n }
}

func WithConcurrency(n int) Option {
	return func(p *WorkerPool) { p.concurrency = n }
}

func WithClock(now func() time.Time) Option {
	return func(p *WorkerPool) { p.now = now }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *WorkerPool) { p.tracer = tracer }
}

func NewWorkerPool(
	jobs persistence.JobRepository,
	runs persistence.RunRepository,
	settings persistence.SettingsRepository,
	exec *executor.Executor,
	coordinator *run.Coordinator,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	opts ...Option,
) *WorkerPool {
	pool := &WorkerPool{
		workerID:     "worker-" + uuid.New().String()[:8],
		jobs:         jobs,
		runs:         runs,
		settings:     settings,
		executor:     exec,
		coordinator:  coordinator,
		publisher:    publisher,
		logger:       logger.With("module", "scheduler"),
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		concurrency:  DefaultConcurrency,
		now:          func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(pool)
	}

	pool.logger = pool.logger.With("worker_id", pool.workerID)

	return pool
}

// WorkerID identifies this pool in job claims.
func (p *WorkerPool) WorkerID() string {
	return p.workerID
}

// Start polls until the context is cancelled. It blocks.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Worker pool starting",
		"poll_interval", p.pollInterval,
		"batch_size", p.batchSize,
		"concurrency", p.concurrency)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	// First poll immediately rather than waiting a full interval.
	if _, err := p.PollOnce(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Poll cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Worker pool stopping")

			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil {
				p.logger.ErrorContext(ctx, "Poll cycle failed", "error", err)
			}
		}
	}
}

// PollOnce claims one batch of due jobs and processes it, fanning out
// across the pool's goroutines. Returns how many jobs were claimed.
func (p *WorkerPool) PollOnce(ctx context.Context) (int, error) {
	reclaimed, err := p.jobs.ReclaimStale(ctx, p.now().Add(-claimTTL))
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to reclaim stale jobs", "error", err)
	} else if reclaimed > 0 {
		p.logger.WarnContext(ctx, "Reclaimed jobs from dead workers", "count", reclaimed)
	}

	claimed, err := p.jobs.ClaimDue(ctx, p.workerID, p.batchSize, p.now())
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs: %w", err)
	}

	if len(claimed) == 0 {
		return 0, nil
	}

	p.logger.DebugContext(ctx, "Claimed jobs", "count", len(claimed))

	queue := make(chan *models.AutomationJob)

	var wg sync.WaitGroup

	workers := p.concurrency
	if workers > len(claimed) {
		workers = len(claimed)
	}

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for job := range queue {
				p.handleJob(ctx, job)
			}
		}()
	}

	for _, job := range claimed {
		queue <- job
	}

	close(queue)
	wg.Wait()

	return len(claimed), nil
}

// handleJob runs one claimed job to an outcome: completed, re-queued
// with backoff, or failed for good.
func (p *WorkerPool) handleJob(ctx context.Context, job *models.AutomationJob) {
	var span trace.Span

	if p.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, p.tracer, "scheduler.handle_job",
			attribute.String(otelhelper.JobIDKey, job.ID),
			attribute.String(otelhelper.RunIDKey, job.RunID),
			attribute.String(otelhelper.NodeIDKey, job.NodeID),
			attribute.String(otelhelper.WorkerIDKey, p.workerID),
		)
		defer span.End()
	}

	err := p.executor.ExecuteJob(ctx, job)
	if err == nil {
		if err := p.jobs.CompleteJob(ctx, job.ID); err != nil {
			p.logger.ErrorContext(ctx, "Failed to complete job", "job_id", job.ID, "error", err)
		}

		return
	}

	if span != nil {
		otelhelper.SetError(span, err)
	}

	attempts := job.Attempts + 1
	maxAttempts := p.maxAttemptsFor(ctx, job.RunID)

	if attempts >= maxAttempts {
		p.logger.WarnContext(ctx, "Job exhausted its attempts",
			"job_id", job.ID, "run_id", job.RunID, "attempts", attempts, "error", err)

		if err := p.jobs.FailJob(ctx, job.ID); err != nil {
			p.logger.ErrorContext(ctx, "Failed to mark job failed", "job_id", job.ID, "error", err)
		}

		p.failRun(ctx, job, err)

		return
	}

	nextRunAt := p.now().Add(Backoff(attempts))

	if err := p.jobs.ReleaseJob(ctx, job.ID, attempts, nextRunAt); err != nil {
		p.logger.ErrorContext(ctx, "Failed to release job for retry", "job_id", job.ID, "error", err)

		return
	}

	p.extendDeadline(ctx, job.RunID, nextRunAt)

	p.logger.InfoContext(ctx, "Job re-queued",
		"job_id", job.ID,
		"run_id", job.RunID,
		"attempts", attempts,
		"next_run_at", nextRunAt,
		"retryable", dispatch.IsRetryable(err),
		"error", err)

	if p.publisher != nil {
		retried := events.JobRetried{
			BaseEvent: events.NewBase(uuid.New().String(), events.JobRetriedEvent, ""),
			JobID:     job.ID,
			RunID:     job.RunID,
			Attempts:  attempts,
			NextRunAt: nextRunAt,
		}
		retried.WorkerID = p.workerID

		if err := p.publisher.Publish(ctx, job.RunID, retried); err != nil {
			p.logger.ErrorContext(ctx, "Failed to publish retry event", "job_id", job.ID, "error", err)
		}
	}
}

// extendDeadline pushes the run deadline past the retry, so backoff
// never times out a run that still has attempts left. Exhaustion is the
// attempt cap's job, not the wall clock's.
func (p *WorkerPool) extendDeadline(ctx context.Context, runID string, resumeAt time.Time) {
	automationRun, err := p.runs.RunByID(ctx, runID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to load run for deadline extension", "run_id", runID, "error", err)

		return
	}

	deadline := resumeAt.Add(models.DefaultMaxRuntime)
	if !deadline.After(automationRun.Deadline) {
		return
	}

	automationRun.Deadline = deadline

	if err := p.runs.UpdateRun(ctx, automationRun); err != nil {
		p.logger.ErrorContext(ctx, "Failed to extend run deadline", "run_id", runID, "error", err)
	}
}

func (p *WorkerPool) failRun(ctx context.Context, job *models.AutomationJob, cause error) {
	automationRun, err := p.runs.RunByID(ctx, job.RunID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to load run for terminal failure",
			"run_id", job.RunID, "error", err)

		return
	}

	reason := run.ReasonDispatchFailed
	if !dispatch.IsRetryable(cause) {
		var dispatchErr *dispatch.Error
		if !errors.As(cause, &dispatchErr) {
			// Infrastructure failure, not an action failure.
			reason = run.ReasonNodeTraversal
		}
	}

	if err := p.coordinator.Fail(ctx, automationRun, job.NodeID, reason); err != nil {
		p.logger.ErrorContext(ctx, "Failed to fail run", "run_id", job.RunID, "error", err)
	}
}

// maxAttemptsFor reads the per-business retry cap, falling back to the
// engine default when the run or its settings are missing.
func (p *WorkerPool) maxAttemptsFor(ctx context.Context, runID string) int {
	automationRun, err := p.runs.RunByID(ctx, runID)
	if err != nil {
		return models.DefaultMaxAttempts
	}

	settings, err := p.settings.SettingsByBusiness(ctx, automationRun.BusinessID)
	if err != nil || settings.MaxAttempts <= 0 {
		return models.DefaultMaxAttempts
	}

	return settings.MaxAttempts
}

// Backoff returns the retry delay before the given attempt number:
// 1m, 2m, 4m, ... capped at an hour.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	backoff := baseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}

	return backoff
}
