package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jtoivan/relay/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrScheduleNotFound is returned when a schedule is not found.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// WorkflowFilter selects workflows from the store.
// Zero values mean "no filter" for that field.
type WorkflowFilter struct {
	Status api.Status
}

// WorkflowStore persists workflows.
//
// UpdateWorkflow never touches the lock columns; the lock is owned
// exclusively by TryLock and Unlock so a late update cannot clobber a lock
// another runner has since acquired.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, w *api.Workflow) error
	UpdateWorkflow(ctx context.Context, w *api.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*api.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error)

	// TryLock attempts the conditional lock update:
	//
	//	set locked=true, locked_at=now where id=? and (locked=false or locked_at <= staleBefore)
	//
	// A lock older than staleBefore is treated as abandoned and taken over.
	// Returns acquired=false, err=nil when another runner holds a live lock,
	// and ErrWorkflowNotFound when no workflow has the given id.
	TryLock(ctx context.Context, id string, staleBefore time.Time) (acquired bool, err error)

	// Unlock releases the lock. It is idempotent.
	Unlock(ctx context.Context, id string) error
}

// ScheduleFilter selects schedules from the store.
type ScheduleFilter struct {
	Status api.ScheduleStatus

	// DueBefore, when non-zero, limits results to schedules whose
	// NextRunAt is before the given time. Used by the backup sweep.
	DueBefore time.Time

	EnabledOnly bool
}

// ScheduleStore persists schedules.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, s *api.Schedule) error
	UpdateSchedule(ctx context.Context, s *api.Schedule) error
	GetSchedule(ctx context.Context, id string) (*api.Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*api.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Persistence bundles the store interfaces so the runtime can depend on a
// single abstraction.
type Persistence struct {
	Workflows WorkflowStore
	Schedules ScheduleStore
}
