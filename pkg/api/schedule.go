package api

import (
	"errors"
	"time"
)

// ScheduleStatus represents the lifecycle state of a schedule.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "ACTIVE"
	SchedulePaused ScheduleStatus = "PAUSED"
	ScheduleFailed ScheduleStatus = "FAILED"
)

// ScheduleMaxRetries is how many consecutive execution failures a schedule
// tolerates before flipping to ScheduleFailed.
const ScheduleMaxRetries = 3

// ScheduleTarget names what a schedule fires. Either WorkflowID is set, or
// Platform+Intent for collaborator-driven executions.
type ScheduleTarget struct {
	WorkflowID string
	Platform   string
	Intent     string
}

// JobType is the queue job type a firing of this target produces:
// JobTypeRunWorkflow for workflow targets, JobTypeIngestion for
// platform+intent targets.
func (t ScheduleTarget) JobType() string {
	if t.WorkflowID != "" {
		return JobTypeRunWorkflow
	}
	return JobTypeIngestion
}

// Validate reports whether the target names something a worker can run.
func (t ScheduleTarget) Validate() error {
	if t.WorkflowID != "" {
		return nil
	}
	if t.Platform != "" && t.Intent != "" {
		return nil
	}
	return errors.New("schedule target needs a workflow id or a platform+intent pair")
}

// Schedule is a cron-driven recurring trigger. Firing a schedule submits a
// job to the queue; it never executes the target inline.
type Schedule struct {
	ID     string
	Target ScheduleTarget

	// Cron is the trigger expression, validated at creation.
	Cron string

	Status    ScheduleStatus
	NextRunAt time.Time
	LastRunAt time.Time

	// RetryCount counts consecutive failed executions. Reset to 0 on any
	// successful execution and by an explicit Retry call.
	RetryCount int
	LastError  string

	// Enabled gates the underlying timer independently of Status.
	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
