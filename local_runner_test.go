package relay

import (
	"context"
	"testing"
	"time"

	"github.com/jtoivan/relay/pkg/api"
)

// waitForStatus polls until the workflow reaches the wanted status or the
// deadline passes.
func waitForStatus(t *testing.T, local *LocalRunner, id string, want Status, deadline time.Duration) *Workflow {
	t.Helper()
	ctx := context.Background()

	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		w, err := local.Runner.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if w.Status == want {
			return w
		}
		if w.Terminal() && w.Status != want {
			t.Fatalf("workflow reached %q instead of %q (%s)", w.Status, want, w.LastError)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach %q within %v", id, want, deadline)
	return nil
}

func TestLocalRunner_AsyncWorkflowCompletes(t *testing.T) {
	ctx := context.Background()
	local := NewLocalRunner()

	local.Handlers.MustRegister("greet", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
		return "hello " + config["who"].(string), nil
	})

	wf, err := NewWorkflow().
		Step("greet", Config{"who": "alice"}).
		Step("greet", Config{"who": "bob"}).
		Create(ctx, local.Runner)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := local.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer local.Stop()

	if err := local.RunWorkflowAsync(ctx, wf.ID); err != nil {
		t.Fatalf("RunWorkflowAsync failed: %v", err)
	}

	final := waitForStatus(t, local, wf.ID, StatusCompleted, 2*time.Second)
	if final.Context.Last == nil || final.Context.Last.Value != "hello bob" {
		t.Fatalf("unexpected final result: %+v", final.Context.Last)
	}
}

func TestLocalRunner_StartWorkersTwiceFails(t *testing.T) {
	local := NewLocalRunner()

	if err := local.StartWorkers(context.Background(), 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer local.Stop()

	if err := local.StartWorkers(context.Background(), 1); err == nil {
		t.Fatalf("expected second StartWorkers to fail")
	}
}

func TestLocalRunner_StopIsIdempotent(t *testing.T) {
	local := NewLocalRunner()

	if err := local.StartWorkers(context.Background(), 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	local.Stop()
	local.Stop()

	// Can start again after a clean stop.
	if err := local.StartWorkers(context.Background(), 1); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	local.Stop()
}

func TestLocalRunner_ScheduledWorkflowRunsAndReportsBack(t *testing.T) {
	ctx := context.Background()
	local := NewLocalRunner()

	local.Handlers.MustRegister("noop", func(ctx context.Context, config map[string]any, wctx api.WorkflowContext) (any, error) {
		return nil, nil
	})

	wf, err := NewWorkflow().Step("noop", nil).Create(ctx, local.Runner)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sc, err := local.Scheduler.Create(ctx, "@hourly", ScheduleTarget{WorkflowID: wf.ID})
	if err != nil {
		t.Fatalf("Scheduler.Create failed: %v", err)
	}

	if err := local.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer local.Stop()

	// Fire manually instead of waiting for the cron tick.
	if err := local.Scheduler.Fire(ctx, sc.ID); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}

	waitForStatus(t, local, wf.ID, StatusCompleted, 2*time.Second)
}

func TestLocalRunner_PlatformIntentScheduleRunsIngestion(t *testing.T) {
	ctx := context.Background()
	local := NewLocalRunner()

	ran := make(chan string, 1)
	err := local.Worker.RegisterIngestion("email", func(ctx context.Context, platform, intent string) error {
		ran <- platform + "/" + intent
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterIngestion failed: %v", err)
	}

	sc, err := local.Scheduler.Create(ctx, "@hourly", ScheduleTarget{Platform: "email", Intent: "digest"})
	if err != nil {
		t.Fatalf("Scheduler.Create failed: %v", err)
	}

	if err := local.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer local.Stop()

	if err := local.Scheduler.Fire(ctx, sc.ID); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}

	select {
	case got := <-ran:
		if got != "email/digest" {
			t.Fatalf("unexpected ingestion call: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ingestion handler was not invoked")
	}

	// The successful execution is reported back: the schedule stays healthy.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := local.Scheduler.Get(ctx, sc.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status == ScheduleActive && got.RetryCount == 0 && got.LastError == "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("schedule not healthy after success: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
