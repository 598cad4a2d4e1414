package relay

import (
	"database/sql"

	"github.com/jtoivan/relay/internal/jobqueue"
	"github.com/jtoivan/relay/internal/runner"
	"github.com/jtoivan/relay/internal/scheduler"
	workerpkg "github.com/jtoivan/relay/pkg/worker"
)

// Bundle wires a runner, scheduler, job queue and worker around a shared
// durable store, so a single database file gives you the whole system.
type Bundle struct {
	Handlers  *HandlerRegistry
	Runner    *Runner
	Scheduler *Scheduler
	Worker    *Worker

	// queue is kept unexported; it is primarily useful for internal
	// inspection and tests. The public API focuses on the components above.
	queue jobqueue.Queue
}

// BundleOptions configures the components of a Bundle.
type BundleOptions struct {
	Runner    RunnerOptions
	Scheduler SchedulerOptions
	Worker    WorkerOptions
}

// NewSQLiteBundle constructs a durable runner + scheduler + queue + worker
// combo sharing the same SQLite database. Workflows, schedules and queued
// jobs are all persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:relay.db?_journal=WAL")
//	bundle, err := relay.NewSQLiteBundle(db, relay.BundleOptions{})
//	// register step handlers on bundle.Handlers
//	// create workflows via bundle.Runner, schedules via bundle.Scheduler
//	// run bundle.Worker in one or more goroutines
func NewSQLiteBundle(db *sql.DB, opts BundleOptions) (*Bundle, error) {
	store, err := NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}

	q, err := jobqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	handlers := runner.NewHandlerRegistry()
	r := runner.New(store, handlers, opts.Runner)
	sched := scheduler.New(store, q, opts.Scheduler)

	workerOpts := opts.Worker
	if workerOpts.Reporter == nil {
		workerOpts.Reporter = sched
	}
	w := workerpkg.New(q, r, workerOpts)

	return &Bundle{
		Handlers:  handlers,
		Runner:    r,
		Scheduler: sched,
		Worker:    w,
		queue:     q,
	}, nil
}
