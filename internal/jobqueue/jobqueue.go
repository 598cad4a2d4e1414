package jobqueue

import (
	"context"
	"time"
)

// Job is a unit of work distributed to worker processes.
//
// TaskID is the idempotency key: a job may be redelivered (process crash,
// queue-level retry), so handlers must tolerate seeing the same TaskID more
// than once. Queue-level Attempts are independent of the step-level retries
// inside the workflow runner; they cover delivery and crash failures, not
// handler logic failures.
type Job struct {
	TaskID string

	// Type selects the worker-side handler.
	Type string

	Payload any

	// Priority orders eligible jobs; higher runs first.
	Priority int

	// Attempts counts deliveries so far; MaxAttempts bounds queue-level
	// redelivery. Zero MaxAttempts means the worker default applies.
	Attempts    int
	MaxAttempts int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this job is eligible for processing.
	// Zero means "immediately".
	NotBefore time.Time
}

// Queue is the distribution interface between the scheduler and workers.
type Queue interface {
	// Enqueue adds a job to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue removes and returns the next eligible job, blocking until one
	// is available or the context is cancelled. Eligible jobs are ordered
	// by priority (descending), then enqueue order.
	Dequeue(ctx context.Context) (*Job, error)

	// Len returns the approximate number of jobs queued.
	Len() int
}
