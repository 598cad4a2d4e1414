package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jtoivan/relay/internal/jobqueue"
	"github.com/jtoivan/relay/internal/runner"
	"github.com/jtoivan/relay/pkg/api"
)

const (
	// DefaultMaxAttempts bounds queue-level redelivery when a job does not
	// carry its own MaxAttempts.
	DefaultMaxAttempts = 3

	// lockRetryDelay is how long a worker waits before re-submitting a job
	// whose workflow was locked by another worker.
	lockRetryDelay = time.Second
)

// ResultReporter receives the terminal outcome of executions that were
// submitted on behalf of a schedule. The scheduler implements it; injecting
// the interface keeps the worker free of a scheduler dependency.
type ResultReporter interface {
	ReportResult(ctx context.Context, scheduleID string, execErr error) error
}

// Handler processes one job of a given type. Jobs may be redelivered, so
// handlers must be idempotent with respect to the job's TaskID.
type Handler func(ctx context.Context, job *jobqueue.Job) error

// IngestionHandler executes a collaborator-driven action. The platform
// selects the handler; the intent names the action within it. Like Handler,
// it must be idempotent: the same intent may be redelivered.
type IngestionHandler func(ctx context.Context, platform, intent string) error

// Options configures a Worker. The zero value is usable.
type Options struct {
	// Reporter, when set, is told the outcome of schedule-driven executions.
	Reporter ResultReporter

	// MaxAttempts overrides DefaultMaxAttempts when > 0.
	MaxAttempts int

	Logger zerolog.Logger
}

// Worker pulls jobs off the queue and dispatches them by type. The
// run-workflow handler drives a workflow through the runner one step at a
// time, re-enqueueing the job whenever the workflow pauses for backoff.
// The ingestion handler routes collaborator-driven jobs to per-platform
// IngestionHandlers.
type Worker struct {
	queue       jobqueue.Queue
	runner      *runner.Runner
	reporter    ResultReporter
	handlers    map[string]Handler
	ingestion   map[string]IngestionHandler
	maxAttempts int
	log         zerolog.Logger
}

// New creates a Worker with the run-workflow and ingestion handlers
// pre-registered.
func New(queue jobqueue.Queue, r *runner.Runner, opts Options) *Worker {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	w := &Worker{
		queue:       queue,
		runner:      r,
		reporter:    opts.Reporter,
		handlers:    make(map[string]Handler),
		ingestion:   make(map[string]IngestionHandler),
		maxAttempts: maxAttempts,
		log:         opts.Logger.With().Str("component", "worker").Logger(),
	}
	w.handlers[api.JobTypeRunWorkflow] = w.runWorkflow
	w.handlers[api.JobTypeIngestion] = w.runIngestion
	return w
}

// Register adds a handler for a custom job type.
func (w *Worker) Register(jobType string, h Handler) error {
	if jobType == "" {
		return fmt.Errorf("job type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", jobType)
	}
	if _, exists := w.handlers[jobType]; exists {
		return fmt.Errorf("handler for %q already registered", jobType)
	}
	w.handlers[jobType] = h
	return nil
}

// RegisterIngestion adds the handler for collaborator-driven executions on
// the given platform. Jobs enqueued for a platform+intent schedule target
// are dispatched to it with the schedule's intent.
func (w *Worker) RegisterIngestion(platform string, h IngestionHandler) error {
	if platform == "" {
		return fmt.Errorf("platform must not be empty")
	}
	if h == nil {
		return fmt.Errorf("ingestion handler for %q must not be nil", platform)
	}
	if _, exists := w.ingestion[platform]; exists {
		return fmt.Errorf("ingestion handler for %q already registered", platform)
	}
	w.ingestion[platform] = h
	return nil
}

// Run processes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.ProcessOne(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.log.Error().Err(err).Msg("job processing failed")
		}
	}
}

// ProcessOne blocks for the next job and processes it. A handler error
// consumes one queue-level attempt: the job is re-enqueued with exponential
// backoff until its attempts are exhausted.
func (w *Worker) ProcessOne(ctx context.Context) error {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		return err
	}

	handler, ok := w.handlers[job.Type]
	if !ok {
		w.log.Error().Str("task_id", job.TaskID).Str("type", job.Type).Msg("no handler for job type, dropping")
		return nil
	}

	if err := handler(ctx, job); err != nil {
		return w.retryJob(ctx, job, err)
	}
	return nil
}

// retryJob re-enqueues a failed job with 2^attempts seconds backoff, or
// declares it dead once its attempts are used up.
func (w *Worker) retryJob(ctx context.Context, job *jobqueue.Job, cause error) error {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.maxAttempts
	}

	job.Attempts++
	if job.Attempts >= maxAttempts {
		w.log.Error().Err(cause).
			Str("task_id", job.TaskID).
			Int("attempts", job.Attempts).
			Msg("job attempts exhausted, dropping")
		w.reportIfScheduled(ctx, job, cause)
		return nil
	}

	backoff := time.Duration(math.Pow(2, float64(job.Attempts)) * float64(time.Second))
	retry := *job
	retry.NotBefore = time.Now().Add(backoff)

	w.log.Warn().Err(cause).
		Str("task_id", job.TaskID).
		Int("attempts", job.Attempts).
		Dur("backoff", backoff).
		Msg("job failed, re-enqueueing")
	return w.queue.Enqueue(ctx, retry)
}

// runWorkflow drives one workflow until it pauses for backoff, hits lock
// contention, reaches a terminal state, or the context is cancelled.
func (w *Worker) runWorkflow(ctx context.Context, job *jobqueue.Job) error {
	payload, ok := job.Payload.(api.RunWorkflowPayload)
	if !ok {
		return fmt.Errorf("job %s: unexpected payload type %T", job.TaskID, job.Payload)
	}
	if payload.WorkflowID == "" {
		return fmt.Errorf("job %s: no workflow to run", job.TaskID)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := w.runner.RunStep(ctx, payload.WorkflowID)
		if errors.Is(err, runner.ErrAlreadyLocked) {
			// Another worker holds the workflow. Hand the job back with a
			// short delay instead of spinning on the lock.
			requeue := *job
			requeue.NotBefore = time.Now().Add(lockRetryDelay)
			return w.queue.Enqueue(ctx, requeue)
		}
		if outcome == nil {
			if err != nil {
				return err
			}
			return fmt.Errorf("workflow %s: no outcome", payload.WorkflowID)
		}

		if outcome.Done {
			var execErr error
			if outcome.Workflow.Status == api.StatusFailed {
				execErr = fmt.Errorf("workflow %s failed: %s", outcome.Workflow.ID, outcome.Workflow.LastError)
			}
			w.reportIfScheduled(ctx, job, execErr)
			return nil
		}

		if outcome.Backoff > 0 {
			requeue := *job
			requeue.NotBefore = time.Now().Add(outcome.Backoff)
			return w.queue.Enqueue(ctx, requeue)
		}
	}
}

// runIngestion dispatches a collaborator-driven job to the platform's
// registered IngestionHandler. A missing handler is a configuration error:
// it is reported to the owning schedule immediately instead of burning
// queue attempts on redelivery.
func (w *Worker) runIngestion(ctx context.Context, job *jobqueue.Job) error {
	payload, ok := job.Payload.(api.RunWorkflowPayload)
	if !ok {
		return fmt.Errorf("job %s: unexpected payload type %T", job.TaskID, job.Payload)
	}
	if payload.Platform == "" || payload.Intent == "" {
		return fmt.Errorf("job %s: ingestion needs a platform+intent pair", job.TaskID)
	}

	handler, ok := w.ingestion[payload.Platform]
	if !ok {
		err := fmt.Errorf("no ingestion handler for platform %q", payload.Platform)
		w.log.Error().Err(err).Str("task_id", job.TaskID).Msg("dropping ingestion job")
		w.reportIfScheduled(ctx, job, err)
		return nil
	}

	if err := handler(ctx, payload.Platform, payload.Intent); err != nil {
		return fmt.Errorf("ingestion %s/%s: %w", payload.Platform, payload.Intent, err)
	}
	w.reportIfScheduled(ctx, job, nil)
	return nil
}

func (w *Worker) reportIfScheduled(ctx context.Context, job *jobqueue.Job, execErr error) {
	if w.reporter == nil {
		return
	}
	payload, ok := job.Payload.(api.RunWorkflowPayload)
	if !ok || payload.ScheduleID == "" {
		return
	}
	if err := w.reporter.ReportResult(ctx, payload.ScheduleID, execErr); err != nil {
		w.log.Error().Err(err).
			Str("schedule_id", payload.ScheduleID).
			Msg("failed to report execution result")
	}
}

// EnqueueRunWorkflow submits a one-off job to run the workflow. The
// returned task ID is the idempotency key the queue delivers with the job.
func EnqueueRunWorkflow(ctx context.Context, q jobqueue.Queue, workflowID string, priority int) (string, error) {
	taskID := uuid.NewString()
	err := q.Enqueue(ctx, jobqueue.Job{
		TaskID:   taskID,
		Type:     api.JobTypeRunWorkflow,
		Priority: priority,
		Payload:  api.RunWorkflowPayload{WorkflowID: workflowID},
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}
