package runner

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jtoivan/relay/internal/persistence"
	"github.com/jtoivan/relay/pkg/api"
)

// DefaultLockStaleness is how old a held lock must be before another runner
// treats it as abandoned and takes it over.
const DefaultLockStaleness = 5 * time.Minute

// Options configures a Runner. The zero value is usable.
type Options struct {
	// LockStaleness overrides DefaultLockStaleness when > 0.
	LockStaleness time.Duration

	// Hook is invoked once when a workflow reaches a terminal state.
	Hook api.NotificationHook

	Observer api.Observer

	Logger zerolog.Logger
}

// StepOutcome is the result of one RunStep call.
type StepOutcome struct {
	Workflow *api.Workflow

	// Backoff is non-zero when the step failed with retries remaining.
	// The caller decides re-submission timing with it, typically by
	// re-enqueueing the driving job with NotBefore = now + Backoff.
	Backoff time.Duration

	// Done is true when the workflow is in a terminal state.
	Done bool
}

// Runner executes persisted workflows one step at a time. Per-workflow
// execution is serialized by the store's conditional-update lock; a paused
// workflow holds no in-memory state, so any worker can pick it up later.
type Runner struct {
	store     persistence.WorkflowStore
	handlers  *HandlerRegistry
	staleness time.Duration
	hook      api.NotificationHook
	obs       api.Observer
	log       zerolog.Logger
}

// New creates a Runner on the given store and handler registry.
func New(store persistence.WorkflowStore, handlers *HandlerRegistry, opts Options) *Runner {
	staleness := opts.LockStaleness
	if staleness <= 0 {
		staleness = DefaultLockStaleness
	}
	obs := opts.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	return &Runner{
		store:     store,
		handlers:  handlers,
		staleness: staleness,
		hook:      opts.Hook,
		obs:       obs,
		log:       opts.Logger.With().Str("component", "workflow-runner").Logger(),
	}
}

// Create persists a new pending workflow. Steps without an ID get one
// assigned; a BackoffFactor <= 0 defaults to 2.
func (r *Runner) Create(ctx context.Context, steps []api.Step, initial api.WorkflowContext) (*api.Workflow, error) {
	if len(steps) == 0 {
		return nil, api.ErrNoSteps
	}

	prepared := make([]api.Step, len(steps))
	copy(prepared, steps)
	seen := make(map[string]struct{}, len(prepared))
	for i := range prepared {
		if prepared[i].ID == "" {
			prepared[i].ID = uuid.NewString()
		}
		// Step IDs key the context results; a duplicate would let two
		// steps clobber each other's slot.
		if _, dup := seen[prepared[i].ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", prepared[i].ID)
		}
		seen[prepared[i].ID] = struct{}{}
		if prepared[i].BackoffFactor <= 0 {
			prepared[i].BackoffFactor = 2
		}
	}

	if initial.Results == nil {
		initial = api.NewWorkflowContext()
	}
	if initial.Version == 0 {
		initial.Version = api.ContextVersion
	}

	now := time.Now()
	w := &api.Workflow{
		ID:        uuid.NewString(),
		Steps:     prepared,
		Context:   initial,
		Status:    api.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}

	r.obs.OnWorkflowCreated(ctx, w)
	r.log.Info().Str("workflow_id", w.ID).Int("steps", len(w.Steps)).Msg("workflow created")
	return w, nil
}

// RunStep executes the step at CurrentStep under the exclusive lock.
//
// Terminal workflows are returned unchanged (idempotent no-op). When
// another runner holds a live lock, RunStep fails with ErrAlreadyLocked;
// locks older than the staleness threshold are treated as abandoned and
// reacquired. The lock is released on every exit path, including panics.
func (r *Runner) RunStep(ctx context.Context, id string) (*StepOutcome, error) {
	w, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Terminal() {
		return &StepOutcome{Workflow: w, Done: true}, nil
	}

	acquired, err := r.store.TryLock(ctx, id, time.Now().Add(-r.staleness))
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, api.ErrAlreadyLocked
	}
	defer func() {
		// Release with a non-cancellable context: a caller cancellation
		// mid-step must not strand the lock until the staleness takeover.
		if uerr := r.store.Unlock(context.WithoutCancel(ctx), id); uerr != nil {
			r.log.Error().Err(uerr).Str("workflow_id", id).Msg("failed to release workflow lock")
		}
	}()

	// Reload under the lock: the pre-lock read may be stale.
	w, err = r.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Terminal() {
		return &StepOutcome{Workflow: w, Done: true}, nil
	}

	return r.executeStep(ctx, w)
}

func (r *Runner) executeStep(ctx context.Context, w *api.Workflow) (*StepOutcome, error) {
	idx := w.CurrentStep
	step := &w.Steps[idx]

	handler, ok := r.handlers.Get(step.Type)
	if !ok {
		err := &api.UnknownStepTypeError{Type: step.Type}
		r.fail(ctx, w, err)
		if uerr := r.store.UpdateWorkflow(ctx, w); uerr != nil {
			return nil, uerr
		}
		r.notify(ctx, w)
		return &StepOutcome{Workflow: w, Done: true}, err
	}

	w.Status = api.StatusRunning
	if err := r.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, err
	}

	r.obs.OnStepStart(ctx, w, step.ID, idx)
	start := time.Now()

	result, stepErr := handler(ctx, step.Config, w.Context)

	r.obs.OnStepCompleted(ctx, w, step.ID, idx, stepErr, time.Since(start))

	if stepErr == nil {
		return r.advance(ctx, w, step, result)
	}
	return r.retryOrFail(ctx, w, step, stepErr)
}

func (r *Runner) advance(ctx context.Context, w *api.Workflow, step *api.Step, result any) (*StepOutcome, error) {
	res := api.StepResult{StepID: step.ID, Kind: step.Type, Value: result}
	w.Context.Results[step.ID] = res
	w.Context.Last = &res
	w.CurrentStep++
	w.LastError = ""

	done := w.CurrentStep == len(w.Steps)
	if done {
		w.Status = api.StatusCompleted
	} else {
		w.Status = api.StatusPaused
	}

	if err := r.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, err
	}

	if done {
		r.obs.OnWorkflowCompleted(ctx, w)
		r.log.Info().Str("workflow_id", w.ID).Msg("workflow completed")
		r.notify(ctx, w)
	}
	return &StepOutcome{Workflow: w, Done: done}, nil
}

func (r *Runner) retryOrFail(ctx context.Context, w *api.Workflow, step *api.Step, stepErr error) (*StepOutcome, error) {
	if step.Retries < step.MaxRetries {
		step.Retries++
		backoff := stepBackoff(step)

		w.Status = api.StatusPaused
		w.LastError = stepErr.Error()
		if err := r.store.UpdateWorkflow(ctx, w); err != nil {
			return nil, err
		}

		r.log.Warn().Err(stepErr).
			Str("workflow_id", w.ID).
			Str("step_id", step.ID).
			Int("retries", step.Retries).
			Int("max_retries", step.MaxRetries).
			Dur("backoff", backoff).
			Msg("step failed, retry scheduled")

		return &StepOutcome{Workflow: w, Backoff: backoff}, nil
	}

	r.fail(ctx, w, stepErr)
	if err := r.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	r.notify(ctx, w)
	return &StepOutcome{Workflow: w, Done: true}, nil
}

func (r *Runner) fail(ctx context.Context, w *api.Workflow, cause error) {
	w.Status = api.StatusFailed
	w.LastError = cause.Error()
	r.obs.OnWorkflowFailed(ctx, w, cause)
	r.log.Error().Err(cause).
		Str("workflow_id", w.ID).
		Int("current_step", w.CurrentStep).
		Msg("workflow failed")
}

// stepBackoff computes BackoffFactor^Retries seconds.
func stepBackoff(step *api.Step) time.Duration {
	factor := step.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	return time.Duration(math.Pow(factor, float64(step.Retries)) * float64(time.Second))
}

// notify fires the notification hook for a terminal workflow. Hook failures
// are logged and swallowed: they must not re-open the workflow or cause it
// to be reprocessed.
func (r *Runner) notify(ctx context.Context, w *api.Workflow) {
	if r.hook == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("workflow_id", w.ID).Interface("panic", rec).Msg("notification hook panicked")
		}
	}()
	if err := r.hook(ctx, w); err != nil {
		r.log.Error().Err(err).Str("workflow_id", w.ID).Msg("notification hook failed")
	}
}

// Reset re-activates a workflow from the beginning: CurrentStep back to 0,
// status pending, error and per-step retry counters cleared, lock released.
func (r *Runner) Reset(ctx context.Context, id string) (*api.Workflow, error) {
	w, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	w.CurrentStep = 0
	w.Status = api.StatusPending
	w.LastError = ""
	for i := range w.Steps {
		w.Steps[i].Retries = 0
	}

	if err := r.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	if err := r.store.Unlock(ctx, id); err != nil {
		return nil, err
	}
	w.Locked = false
	w.LockedAt = time.Time{}

	r.log.Info().Str("workflow_id", id).Msg("workflow reset")
	return w, nil
}

// Get fetches a workflow by ID.
func (r *Runner) Get(ctx context.Context, id string) (*api.Workflow, error) {
	return r.store.GetWorkflow(ctx, id)
}

// List returns workflows matching the filter.
func (r *Runner) List(ctx context.Context, filter persistence.WorkflowFilter) ([]*api.Workflow, error) {
	return r.store.ListWorkflows(ctx, filter)
}

// RecoverStale scans for workflows whose lock has outlived the staleness
// threshold (for example after a worker crash), releases those locks, and
// re-marks running workflows as paused so any worker can resume them.
//
// It returns the number of workflows it updated and is intended to be
// called on process startup before starting workers.
func (r *Runner) RecoverStale(ctx context.Context) (int, error) {
	workflows, err := r.store.ListWorkflows(ctx, persistence.WorkflowFilter{})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-r.staleness)
	count := 0
	for _, w := range workflows {
		if !w.Locked || w.LockedAt.After(cutoff) {
			continue
		}
		if w.Status == api.StatusRunning {
			w.Status = api.StatusPaused
			if err := r.store.UpdateWorkflow(ctx, w); err != nil {
				return count, err
			}
		}
		if err := r.store.Unlock(ctx, w.ID); err != nil {
			return count, err
		}
		count++
		r.log.Warn().Str("workflow_id", w.ID).Time("locked_at", w.LockedAt).Msg("recovered stale workflow lock")
	}
	return count, nil
}

// Errs that callers commonly branch on are re-exported here for
// discoverability next to the Runner.
var (
	ErrAlreadyLocked = api.ErrAlreadyLocked
	ErrNoSteps       = api.ErrNoSteps
)

// Validate checks that every step type in the list has a registered
// handler. Useful at workflow creation time to surface configuration
// errors before the first run.
func (r *Runner) Validate(steps []api.Step) error {
	for _, s := range steps {
		if _, ok := r.handlers.Get(s.Type); !ok {
			return fmt.Errorf("validating steps: %w", &api.UnknownStepTypeError{Type: s.Type})
		}
	}
	return nil
}
