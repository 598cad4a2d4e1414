package runner

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jtoivan/relay/internal/persistence"
	"github.com/jtoivan/relay/pkg/api"
)

type storeFactory func(t *testing.T) persistence.WorkflowStore

func memoryStore(t *testing.T) persistence.WorkflowStore {
	t.Helper()
	return persistence.NewMemoryStore()
}

func sqliteStore(t *testing.T) persistence.WorkflowStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	// A pooled ":memory:" connection is its own database; keep one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := persistence.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return s
}

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"in-memory": memoryStore,
		"sqlite":    sqliteStore,
	}
}

func newTestRunner(t *testing.T, store persistence.WorkflowStore, opts Options) (*Runner, *HandlerRegistry) {
	t.Helper()
	handlers := NewHandlerRegistry()
	return New(store, handlers, opts), handlers
}

// runToTerminal drives the workflow until Done, failing the test if it takes
// more than maxSteps RunStep calls.
func runToTerminal(t *testing.T, r *Runner, id string, maxSteps int) *api.Workflow {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < maxSteps; i++ {
		outcome, err := r.RunStep(ctx, id)
		if err != nil {
			t.Fatalf("RunStep %d failed: %v", i, err)
		}
		if outcome.Done {
			return outcome.Workflow
		}
	}
	t.Fatalf("workflow %s not terminal after %d steps", id, maxSteps)
	return nil
}

func TestCreate_RejectsEmptySteps(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			r, _ := newTestRunner(t, factory(t), Options{})

			_, err := r.Create(context.Background(), nil, api.NewWorkflowContext())
			if !errors.Is(err, api.ErrNoSteps) {
				t.Fatalf("expected ErrNoSteps, got %v", err)
			}
		})
	}
}

func TestCreate_AssignsStepIDsAndDefaults(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			r, handlers := newTestRunner(t, factory(t), Options{})
			handlers.MustRegister("noop", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				return nil, nil
			})

			w, err := r.Create(context.Background(), []api.Step{{Type: "noop"}, {Type: "noop"}}, api.WorkflowContext{})
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if w.Status != api.StatusPending || w.CurrentStep != 0 {
				t.Fatalf("unexpected new workflow: %+v", w)
			}
			if w.Steps[0].ID == "" || w.Steps[1].ID == "" || w.Steps[0].ID == w.Steps[1].ID {
				t.Fatalf("expected unique step IDs, got %q and %q", w.Steps[0].ID, w.Steps[1].ID)
			}
			if w.Steps[0].BackoffFactor != 2 {
				t.Fatalf("expected default backoff factor 2, got %v", w.Steps[0].BackoffFactor)
			}
			if w.Context.Results == nil || w.Context.Version != api.ContextVersion {
				t.Fatalf("expected initialized context, got %+v", w.Context)
			}
		})
	}
}

func TestCreate_RejectsDuplicateStepIDs(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			r, handlers := newTestRunner(t, factory(t), Options{})
			handlers.MustRegister("noop", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				return nil, nil
			})

			_, err := r.Create(context.Background(), []api.Step{
				{ID: "fetch", Type: "noop"},
				{ID: "fetch", Type: "noop"},
			}, api.NewWorkflowContext())
			if err == nil {
				t.Fatalf("expected duplicate step IDs to be rejected")
			}
		})
	}
}

func TestRunStep_CallerCancellationDoesNotStrandLock(t *testing.T) {
	// SQLite honors context cancellation on every statement, so a caller
	// cancelling mid-step would leave the lock row set if the release
	// reused the caller's context.
	store := sqliteStore(t)
	r, handlers := newTestRunner(t, store, Options{})

	runCtx, cancel := context.WithCancel(context.Background())
	first := true
	handlers.MustRegister("selfcancel", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
		if first {
			first = false
			cancel()
		}
		return "ok", nil
	})

	w, err := r.Create(context.Background(), []api.Step{{Type: "selfcancel"}}, api.NewWorkflowContext())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := r.RunStep(runCtx, w.ID); err == nil {
		t.Fatalf("expected RunStep to fail after cancellation")
	}

	got, err := store.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.Locked {
		t.Fatalf("lock stranded after caller cancellation")
	}

	// A fresh run picks the workflow up immediately, no staleness wait.
	outcome, err := r.RunStep(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("RunStep after cancellation failed: %v", err)
	}
	if !outcome.Done || outcome.Workflow.Status != api.StatusCompleted {
		t.Fatalf("expected completed workflow, got %+v", outcome.Workflow)
	}
}

func TestRunStep_AdvancesOneStepAndAccumulatesContext(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r, handlers := newTestRunner(t, factory(t), Options{})
			handlers.MustRegister("emit", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				return config["value"], nil
			})

			w, err := r.Create(ctx, []api.Step{
				{ID: "a", Type: "emit", Config: map[string]any{"value": "first"}},
				{ID: "b", Type: "emit", Config: map[string]any{"value": "second"}},
			}, api.NewWorkflowContext())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			outcome, err := r.RunStep(ctx, w.ID)
			if err != nil {
				t.Fatalf("RunStep 1 failed: %v", err)
			}
			if outcome.Done {
				t.Fatalf("expected workflow not terminal after 1 of 2 steps")
			}
			if outcome.Workflow.CurrentStep != 1 || outcome.Workflow.Status != api.StatusPaused {
				t.Fatalf("unexpected workflow after step 1: %+v", outcome.Workflow)
			}
			if outcome.Workflow.Context.Last == nil || outcome.Workflow.Context.Last.Value != "first" {
				t.Fatalf("expected last result 'first', got %+v", outcome.Workflow.Context.Last)
			}

			outcome, err = r.RunStep(ctx, w.ID)
			if err != nil {
				t.Fatalf("RunStep 2 failed: %v", err)
			}
			if !outcome.Done || outcome.Workflow.Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED, got %+v", outcome.Workflow)
			}
			if outcome.Workflow.CurrentStep != len(outcome.Workflow.Steps) {
				t.Fatalf("expected CurrentStep == len(Steps), got %d", outcome.Workflow.CurrentStep)
			}

			// Both results must be visible when reloaded from the store.
			got, err := r.Get(ctx, w.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if res, ok := got.Context.Result("a"); !ok || res.Value != "first" {
				t.Fatalf("missing result for step a: %+v", got.Context)
			}
			if res, ok := got.Context.Result("b"); !ok || res.Value != "second" {
				t.Fatalf("missing result for step b: %+v", got.Context)
			}
		})
	}
}

func TestRunStep_LaterStepSeesEarlierResults(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r, handlers := newTestRunner(t, factory(t), Options{})

			handlers.MustRegister("produce", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				return 21, nil
			})
			handlers.MustRegister("double", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				prev, ok := wctx.Last.Value.(int)
				if !ok {
					return nil, errors.New("expected int from previous step")
				}
				return prev * 2, nil
			})

			w, err := r.Create(ctx, []api.Step{{Type: "produce"}, {Type: "double"}}, api.NewWorkflowContext())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			final := runToTerminal(t, r, w.ID, 3)
			if final.Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED, got %q (%s)", final.Status, final.LastError)
			}
			if final.Context.Last.Value != 42 {
				t.Fatalf("expected 42, got %v", final.Context.Last.Value)
			}
		})
	}
}

func TestRunStep_RetriesThenFailsTerminally(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r, handlers := newTestRunner(t, factory(t), Options{})

			calls := 0
			handlers.MustRegister("flaky", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				calls++
				return nil, errors.New("downstream unavailable")
			})
			handlers.MustRegister("ok", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				return nil, nil
			})

			steps := []api.Step{
				{ID: "good", Type: "ok"},
				{ID: "bad", Type: "flaky", MaxRetries: 2, BackoffFactor: 2},
			}
			w, err := r.Create(ctx, steps, api.NewWorkflowContext())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			// Step 1 succeeds.
			if _, err := r.RunStep(ctx, w.ID); err != nil {
				t.Fatalf("RunStep 1 failed: %v", err)
			}

			// Attempt 1 of the flaky step: retries 0 -> 1, backoff 2^1.
			outcome, err := r.RunStep(ctx, w.ID)
			if err != nil {
				t.Fatalf("RunStep 2 failed: %v", err)
			}
			if outcome.Done {
				t.Fatalf("expected retry, not terminal")
			}
			if outcome.Backoff != 2*time.Second {
				t.Fatalf("expected 2s backoff, got %v", outcome.Backoff)
			}
			if outcome.Workflow.Status != api.StatusPaused || outcome.Workflow.LastError == "" {
				t.Fatalf("unexpected workflow after first failure: %+v", outcome.Workflow)
			}

			// Attempt 2: retries 1 -> 2, backoff 2^2.
			outcome, err = r.RunStep(ctx, w.ID)
			if err != nil {
				t.Fatalf("RunStep 3 failed: %v", err)
			}
			if outcome.Done || outcome.Backoff != 4*time.Second {
				t.Fatalf("expected second retry with 4s backoff, got %+v", outcome)
			}

			// Attempt 3: retries exhausted, workflow fails.
			outcome, err = r.RunStep(ctx, w.ID)
			if err != nil {
				t.Fatalf("RunStep 4 failed: %v", err)
			}
			if !outcome.Done || outcome.Workflow.Status != api.StatusFailed {
				t.Fatalf("expected FAILED, got %+v", outcome.Workflow)
			}
			if outcome.Workflow.CurrentStep != 1 {
				t.Fatalf("expected CurrentStep to stay at the failed step, got %d", outcome.Workflow.CurrentStep)
			}
			if outcome.Workflow.LastError == "" {
				t.Fatalf("expected LastError on failed workflow")
			}
			if calls != 3 {
				t.Fatalf("expected 3 handler attempts, got %d", calls)
			}

			// Terminal workflows are an idempotent no-op.
			outcome, err = r.RunStep(ctx, w.ID)
			if err != nil {
				t.Fatalf("RunStep on terminal workflow failed: %v", err)
			}
			if !outcome.Done || calls != 3 {
				t.Fatalf("expected no-op on terminal workflow, calls=%d", calls)
			}
		})
	}
}

func TestRunStep_UnknownStepTypeFailsWorkflow(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r, handlers := newTestRunner(t, factory(t), Options{})
			handlers.MustRegister("known", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				return nil, nil
			})

			w, err := r.Create(ctx, []api.Step{{Type: "unregistered"}}, api.NewWorkflowContext())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			outcome, err := r.RunStep(ctx, w.ID)
			var unknownErr *api.UnknownStepTypeError
			if !errors.As(err, &unknownErr) {
				t.Fatalf("expected UnknownStepTypeError, got %v", err)
			}
			if outcome == nil || !outcome.Done || outcome.Workflow.Status != api.StatusFailed {
				t.Fatalf("expected terminal failed outcome, got %+v", outcome)
			}
		})
	}
}

func TestRunStep_ConcurrentRunners_ExactlyOneExecutes(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r, handlers := newTestRunner(t, factory(t), Options{})

			var calls int32
			entered := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once
			handlers.MustRegister("slow", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				atomic.AddInt32(&calls, 1)
				once.Do(func() { close(entered) })
				<-release
				return nil, nil
			})

			w, err := r.Create(ctx, []api.Step{{Type: "slow"}}, api.NewWorkflowContext())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			winnerDone := make(chan error, 1)
			go func() {
				_, err := r.RunStep(ctx, w.ID)
				winnerDone <- err
			}()

			// Wait until the winner holds the lock inside the handler, then
			// every contender must lose the conditional lock update.
			<-entered
			for i := 0; i < 3; i++ {
				if _, err := r.RunStep(ctx, w.ID); !errors.Is(err, ErrAlreadyLocked) {
					t.Fatalf("contender %d: expected ErrAlreadyLocked, got %v", i, err)
				}
			}

			close(release)
			if err := <-winnerDone; err != nil {
				t.Fatalf("winner RunStep failed: %v", err)
			}

			if got := atomic.LoadInt32(&calls); got != 1 {
				t.Fatalf("expected exactly one handler execution, got %d", got)
			}

			got, err := r.Get(ctx, w.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.CurrentStep != 1 || got.Status != api.StatusCompleted {
				t.Fatalf("expected exactly one advance to completion, got %+v", got)
			}
		})
	}
}

func TestReset_ReactivatesFailedWorkflow(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r, handlers := newTestRunner(t, factory(t), Options{})

			failFirst := true
			handlers.MustRegister("flaky-once", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				if failFirst {
					return nil, errors.New("first run fails")
				}
				return "recovered", nil
			})

			w, err := r.Create(ctx, []api.Step{{Type: "flaky-once"}}, api.NewWorkflowContext())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			final := runToTerminal(t, r, w.ID, 2)
			if final.Status != api.StatusFailed {
				t.Fatalf("expected FAILED, got %q", final.Status)
			}

			reset, err := r.Reset(ctx, w.ID)
			if err != nil {
				t.Fatalf("Reset failed: %v", err)
			}
			if reset.Status != api.StatusPending || reset.CurrentStep != 0 || reset.LastError != "" {
				t.Fatalf("unexpected workflow after reset: %+v", reset)
			}
			for _, s := range reset.Steps {
				if s.Retries != 0 {
					t.Fatalf("expected step retries cleared, got %+v", s)
				}
			}

			failFirst = false
			final = runToTerminal(t, r, w.ID, 2)
			if final.Status != api.StatusCompleted {
				t.Fatalf("expected COMPLETED after reset, got %q (%s)", final.Status, final.LastError)
			}
		})
	}
}

func TestNotificationHook_FiredExactlyOncePerTerminal(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var hookCalls int32
			var hookStatus api.Status
			hook := func(ctx context.Context, w *api.Workflow) error {
				atomic.AddInt32(&hookCalls, 1)
				hookStatus = w.Status
				return nil
			}

			store := factory(t)
			handlers := NewHandlerRegistry()
			handlers.MustRegister("noop", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
				return nil, nil
			})
			r := New(store, handlers, Options{Hook: hook})

			w, err := r.Create(ctx, []api.Step{{Type: "noop"}, {Type: "noop"}}, api.NewWorkflowContext())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			runToTerminal(t, r, w.ID, 3)

			// Extra RunStep on the terminal workflow must not re-notify.
			if _, err := r.RunStep(ctx, w.ID); err != nil {
				t.Fatalf("RunStep on terminal failed: %v", err)
			}

			if got := atomic.LoadInt32(&hookCalls); got != 1 {
				t.Fatalf("expected hook fired exactly once, got %d", got)
			}
			if hookStatus != api.StatusCompleted {
				t.Fatalf("expected hook to see COMPLETED, got %q", hookStatus)
			}
		})
	}
}

func TestNotificationHook_FailureDoesNotReopenWorkflow(t *testing.T) {
	ctx := context.Background()

	hook := func(ctx context.Context, w *api.Workflow) error {
		return errors.New("notification endpoint down")
	}

	handlers := NewHandlerRegistry()
	handlers.MustRegister("noop", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
		return nil, nil
	})
	r := New(persistence.NewMemoryStore(), handlers, Options{Hook: hook})

	w, err := r.Create(ctx, []api.Step{{Type: "noop"}}, api.NewWorkflowContext())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	outcome, err := r.RunStep(ctx, w.ID)
	if err != nil {
		t.Fatalf("RunStep failed: %v", err)
	}
	if !outcome.Done || outcome.Workflow.Status != api.StatusCompleted {
		t.Fatalf("hook failure must not affect workflow state: %+v", outcome.Workflow)
	}
}

func TestRecoverStale_UnlocksAndPausesAbandonedWorkflows(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	handlers := NewHandlerRegistry()
	r := New(store, handlers, Options{LockStaleness: 50 * time.Millisecond})

	w := &api.Workflow{
		ID:        "wf-abandoned",
		Steps:     []api.Step{{ID: "s1", Type: "noop", BackoffFactor: 2}},
		Context:   api.NewWorkflowContext(),
		Status:    api.StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := store.SaveWorkflow(ctx, w); err != nil {
		t.Fatalf("SaveWorkflow failed: %v", err)
	}
	if acquired, err := store.TryLock(ctx, w.ID, time.Now().Add(-time.Minute)); err != nil || !acquired {
		t.Fatalf("TryLock failed: acquired=%v err=%v", acquired, err)
	}
	w.Status = api.StatusRunning
	if err := store.UpdateWorkflow(ctx, w); err != nil {
		t.Fatalf("UpdateWorkflow failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	count, err := r.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recovered workflow, got %d", count)
	}

	got, err := store.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.Locked {
		t.Fatalf("expected lock released")
	}
	if got.Status != api.StatusPaused {
		t.Fatalf("expected PAUSED, got %q", got.Status)
	}
}

func TestValidate_ReportsUnknownStepTypes(t *testing.T) {
	r, handlers := newTestRunner(t, persistence.NewMemoryStore(), Options{})
	handlers.MustRegister("known", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
		return nil, nil
	})

	if err := r.Validate([]api.Step{{Type: "known"}}); err != nil {
		t.Fatalf("Validate failed on known type: %v", err)
	}

	err := r.Validate([]api.Step{{Type: "known"}, {Type: "mystery"}})
	var unknownErr *api.UnknownStepTypeError
	if !errors.As(err, &unknownErr) || unknownErr.Type != "mystery" {
		t.Fatalf("expected UnknownStepTypeError for mystery, got %v", err)
	}
}
