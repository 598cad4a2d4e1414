package jobqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue implementation backed by a slice. It supports
// the same priority and delayed-eligibility semantics as the persistent
// queues, which the buffered-channel approach cannot express.
//
// It is safe for concurrent use and intended for tests and single-process
// deployments.
type InMemoryQueue struct {
	mu           sync.Mutex
	jobs         []queuedJob
	seq          int64
	pollInterval time.Duration
}

type queuedJob struct {
	job Job
	seq int64
}

// NewInMemoryQueue creates a new in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{pollInterval: 10 * time.Millisecond}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) error {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.jobs = append(q.jobs, queuedJob{job: j, seq: q.seq})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if j := q.tryDequeue(); j != nil {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// tryDequeue claims the eligible job with the highest priority, breaking
// ties by enqueue order. Returns nil when nothing is eligible.
func (q *InMemoryQueue) tryDequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	best := -1
	for i, qj := range q.jobs {
		if qj.job.NotBefore.After(now) {
			continue
		}
		if best == -1 ||
			qj.job.Priority > q.jobs[best].job.Priority ||
			(qj.job.Priority == q.jobs[best].job.Priority && qj.seq < q.jobs[best].seq) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	j := q.jobs[best].job
	q.jobs = append(q.jobs[:best], q.jobs[best+1:]...)
	return &j
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
