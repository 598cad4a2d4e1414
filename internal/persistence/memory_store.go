package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/jtoivan/relay/pkg/api"
)

// MemoryStore is a goroutine-safe implementation of WorkflowStore and
// ScheduleStore backed by maps. It is non-durable: intended for tests and
// single-process deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*api.Workflow
	schedules map[string]*api.Schedule
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*api.Workflow),
		schedules: make(map[string]*api.Schedule),
	}
}

// Ensure MemoryStore implements the interfaces.
var (
	_ WorkflowStore = (*MemoryStore)(nil)
	_ ScheduleStore = (*MemoryStore)(nil)
)

func cloneWorkflow(w *api.Workflow) *api.Workflow {
	cp := *w
	cp.Steps = make([]api.Step, len(w.Steps))
	copy(cp.Steps, w.Steps)
	cp.Context.Results = make(map[string]api.StepResult, len(w.Context.Results))
	for k, v := range w.Context.Results {
		cp.Context.Results[k] = v
	}
	if w.Context.Last != nil {
		last := *w.Context.Last
		cp.Context.Last = &last
	}
	return &cp
}

func (s *MemoryStore) SaveWorkflow(ctx context.Context, w *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, w *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.workflows[w.ID]
	if !ok {
		return ErrWorkflowNotFound
	}

	cp := cloneWorkflow(w)
	// The lock columns are owned by TryLock/Unlock.
	cp.Locked = existing.Locked
	cp.LockedAt = existing.LockedAt
	s.workflows[w.ID] = cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneWorkflow(w), nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Workflow
	for _, w := range s.workflows {
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		result = append(result, cloneWorkflow(w))
	}
	return result, nil
}

func (s *MemoryStore) TryLock(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return false, ErrWorkflowNotFound
	}
	if w.Locked && w.LockedAt.After(staleBefore) {
		return false, nil
	}
	w.Locked = true
	w.LockedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) Unlock(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil
	}
	w.Locked = false
	w.LockedAt = time.Time{}
	return nil
}

func cloneSchedule(sc *api.Schedule) *api.Schedule {
	cp := *sc
	return &cp
}

func (s *MemoryStore) SaveSchedule(ctx context.Context, sc *api.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules[sc.ID] = cloneSchedule(sc)
	return nil
}

func (s *MemoryStore) UpdateSchedule(ctx context.Context, sc *api.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sc.ID]; !ok {
		return ErrScheduleNotFound
	}
	s.schedules[sc.ID] = cloneSchedule(sc)
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*api.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return cloneSchedule(sc), nil
}

func (s *MemoryStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*api.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Schedule
	for _, sc := range s.schedules {
		if filter.Status != "" && sc.Status != filter.Status {
			continue
		}
		if filter.EnabledOnly && !sc.Enabled {
			continue
		}
		if !filter.DueBefore.IsZero() && !sc.NextRunAt.Before(filter.DueBefore) {
			continue
		}
		result = append(result, cloneSchedule(sc))
	}
	return result, nil
}

func (s *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(s.schedules, id)
	return nil
}
