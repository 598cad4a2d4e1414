package relay

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jtoivan/relay/internal/jobqueue"
	"github.com/jtoivan/relay/internal/persistence"
	"github.com/jtoivan/relay/internal/runner"
	"github.com/jtoivan/relay/internal/scheduler"
	"github.com/jtoivan/relay/pkg/api"
	"github.com/jtoivan/relay/pkg/resilience"
	"github.com/jtoivan/relay/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Workflow             = api.Workflow
	WorkflowContext      = api.WorkflowContext
	Step                 = api.Step
	StepHandler          = api.StepHandler
	StepResult           = api.StepResult
	Status               = api.Status
	Schedule             = api.Schedule
	ScheduleTarget       = api.ScheduleTarget
	ScheduleStatus       = api.ScheduleStatus
	NotificationHook     = api.NotificationHook
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot

	Job   = jobqueue.Job
	Queue = jobqueue.Queue

	WorkflowFilter = persistence.WorkflowFilter
	ScheduleFilter = persistence.ScheduleFilter
	WorkflowStore  = persistence.WorkflowStore
	ScheduleStore  = persistence.ScheduleStore

	Runner           = runner.Runner
	RunnerOptions    = runner.Options
	StepOutcome      = runner.StepOutcome
	HandlerRegistry  = runner.HandlerRegistry
	Scheduler        = scheduler.Scheduler
	SchedulerOptions = scheduler.Options
	Worker           = worker.Worker
	WorkerOptions    = worker.Options
	IngestionHandler = worker.IngestionHandler

	CircuitBreaker   = resilience.CircuitBreaker
	BreakerConfig    = resilience.BreakerConfig
	BreakerRegistry  = resilience.Registry
	RetryOptions     = resilience.RetryOptions
	CircuitOpenError = resilience.CircuitOpenError
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusPaused    = api.StatusPaused
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed

	ScheduleActive = api.ScheduleActive
	SchedulePaused = api.SchedulePaused
	ScheduleFailed = api.ScheduleFailed

	JobTypeRunWorkflow = api.JobTypeRunWorkflow
	JobTypeIngestion   = api.JobTypeIngestion
)

// Sentinel errors users are expected to check against.

var (
	ErrNoSteps          = api.ErrNoSteps
	ErrAlreadyLocked    = api.ErrAlreadyLocked
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
	ErrScheduleNotFound = persistence.ErrScheduleNotFound
)

// Store constructors
// These wrap the internal/persistence package so external callers never
// need to import internal packages.

// NewMemoryStore returns a non-durable store for tests and local use. It
// implements both WorkflowStore and ScheduleStore.
func NewMemoryStore() *persistence.MemoryStore {
	return persistence.NewMemoryStore()
}

// NewSQLiteStore returns a store that persists workflows and schedules in
// the given SQLite database. The schema is created if missing.
func NewSQLiteStore(db *sql.DB) (*persistence.SQLiteStore, error) {
	return persistence.NewSQLiteStore(db)
}

// NewPostgresWorkflowStore returns a workflow store backed by PostgreSQL.
// The caller is responsible for importing a Postgres driver.
func NewPostgresWorkflowStore(db *sql.DB) (*persistence.PostgresWorkflowStore, error) {
	return persistence.NewPostgresWorkflowStore(db)
}

// NewSQLiteBreakerStore returns a circuit-breaker state store backed by
// SQLite, so breaker state survives process restarts.
func NewSQLiteBreakerStore(db *sql.DB) (*persistence.SQLiteBreakerStore, error) {
	return persistence.NewSQLiteBreakerStore(db)
}

// Queue constructors

// NewInMemoryQueue returns a non-durable job queue.
func NewInMemoryQueue() *jobqueue.InMemoryQueue {
	return jobqueue.NewInMemoryQueue()
}

// NewSQLiteQueue returns a durable job queue in the given SQLite database.
func NewSQLiteQueue(db *sql.DB) (*jobqueue.SQLiteQueue, error) {
	return jobqueue.NewSQLiteQueue(db)
}

// NewRedisQueue returns a job queue on a Redis sorted set, suitable for
// distributing jobs across processes. Keys are namespaced by prefix.
func NewRedisQueue(client *redis.Client, prefix string) *jobqueue.RedisQueue {
	return jobqueue.NewRedisQueue(client, prefix)
}

// Component constructors

// NewHandlerRegistry returns an empty step-handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return runner.NewHandlerRegistry()
}

// NewRunner returns a workflow runner on the given store and handlers.
func NewRunner(store WorkflowStore, handlers *HandlerRegistry, opts RunnerOptions) *Runner {
	return runner.New(store, handlers, opts)
}

// NewScheduler returns a scheduler that fires cron triggers into the queue.
func NewScheduler(store ScheduleStore, q Queue, opts SchedulerOptions) *Scheduler {
	return scheduler.New(store, q, opts)
}

// NewWorker returns a worker that pulls jobs from the queue and drives
// workflows through the runner.
func NewWorker(q Queue, r *Runner, opts WorkerOptions) *Worker {
	return worker.New(q, r, opts)
}

// Resilience constructors

// NewCircuitBreaker returns a named breaker with in-memory state.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	return resilience.NewCircuitBreaker(name, cfg, resilience.NewMemoryStateStore(), zerolog.Nop())
}

// NewBreakerRegistry returns a registry that hands out one breaker per
// name, all sharing the given state store.
func NewBreakerRegistry(store resilience.StateStore, defaults BreakerConfig) *BreakerRegistry {
	return resilience.NewRegistry(store, defaults, zerolog.Nop())
}

// Retry runs fn with exponential backoff per opts.
func Retry[T any](ctx context.Context, opts RetryOptions, fn func(context.Context) (T, error)) (T, error) {
	return resilience.Do(ctx, opts, fn)
}
