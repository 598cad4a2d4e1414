package relay

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/jtoivan/relay/internal/jobqueue"
	"github.com/jtoivan/relay/internal/runner"
	"github.com/jtoivan/relay/internal/scheduler"
	workerpkg "github.com/jtoivan/relay/pkg/worker"
)

// LocalRunner bundles an in-memory store, queue, runner, scheduler and
// worker into a single process-local helper for development and tests.
//
// Typical usage:
//
//	local := relay.NewLocalRunner()
//	local.Handlers.MustRegister("greet", greet)
//
//	wf, _ := relay.NewWorkflow().Step("greet", nil).Create(ctx, local.Runner)
//
//	_ = local.StartWorkers(ctx, 2)
//	_ = local.RunWorkflowAsync(ctx, wf.ID)
//	...
//	local.Stop()
//
// LocalRunner is intentionally not crash-durable.
type LocalRunner struct {
	Handlers  *HandlerRegistry
	Runner    *Runner
	Scheduler *Scheduler
	Worker    *Worker

	// Queue is the in-memory job queue shared by the scheduler and worker.
	Queue Queue

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner with default options everywhere.
func NewLocalRunner() *LocalRunner {
	store := NewMemoryStore()
	q := jobqueue.NewInMemoryQueue()

	handlers := runner.NewHandlerRegistry()
	r := runner.New(store, handlers, RunnerOptions{})
	sched := scheduler.New(store, q, SchedulerOptions{})
	w := workerpkg.New(q, r, WorkerOptions{Reporter: sched})

	return &LocalRunner{
		Handlers:  handlers,
		Runner:    r,
		Scheduler: sched,
		Worker:    w,
		Queue:     q,
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously
// call Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an
// error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("relay: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				err := r.Worker.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// Log and keep going so a single bad job doesn't kill
					// the worker loop.
					log.Printf("relay: local runner worker error: %v", err)
				}
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits for
// them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// RunWorkflowAsync enqueues a job to run the given workflow. A worker
// started via StartWorkers picks it up and drives it to completion.
func (r *LocalRunner) RunWorkflowAsync(ctx context.Context, workflowID string) error {
	_, err := workerpkg.EnqueueRunWorkflow(ctx, r.Queue, workflowID, 0)
	return err
}
