package api

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

func init() {
	gob.Register(StepResult{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register(time.Time{})
}

// Status represents the lifecycle state of a workflow.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// StepHandler executes a single step. Config is the step's opaque payload;
// wctx is the accumulated context of all previously completed steps.
//
// Handlers must be idempotent: a step may be re-dispatched after a worker
// crash or a lock takeover.
type StepHandler func(ctx context.Context, config map[string]any, wctx WorkflowContext) (any, error)

// Step is one unit of work within a workflow, dispatched by Type to a
// registered StepHandler.
type Step struct {
	// ID is unique within the workflow. Empty IDs are assigned at creation.
	ID string

	// Type selects the registered handler.
	Type string

	// Config is an opaque payload passed to the handler.
	Config map[string]any

	// Retries counts handler failures so far for this step.
	Retries int

	// MaxRetries bounds Retries. When exceeded, the workflow fails.
	MaxRetries int

	// BackoffFactor drives the per-step retry delay:
	// BackoffFactor^Retries seconds. Values <= 0 default to 2.
	BackoffFactor float64
}

// ContextVersion is the current wire version of WorkflowContext.
const ContextVersion = 1

// StepResult is the typed result of a completed step.
type StepResult struct {
	StepID string
	// Kind mirrors the step type that produced the value.
	Kind  string
	Value any
}

// WorkflowContext accumulates step results as a workflow progresses.
// Results maps step ID to the result that step produced; Last holds the
// most recent result, which is what most downstream steps consume.
type WorkflowContext struct {
	Version int
	Results map[string]StepResult
	Last    *StepResult
}

// NewWorkflowContext returns an empty, current-version context.
func NewWorkflowContext() WorkflowContext {
	return WorkflowContext{
		Version: ContextVersion,
		Results: make(map[string]StepResult),
	}
}

// Result returns the result of the step with the given ID, if present.
func (c WorkflowContext) Result(stepID string) (StepResult, bool) {
	r, ok := c.Results[stepID]
	return r, ok
}

// Workflow is a persisted, ordered sequence of steps executed one at a time.
type Workflow struct {
	ID string

	// Steps is the ordered step list. Never empty.
	Steps []Step

	// CurrentStep is the 0-based index of the next step to execute.
	// Monotonically non-decreasing except on explicit Reset.
	// Equal to len(Steps) exactly when Status is StatusCompleted.
	CurrentStep int

	Context WorkflowContext
	Status  Status

	// Locked is true only while a runner holds exclusive execution rights.
	Locked   bool
	LockedAt time.Time

	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the workflow has reached a terminal state.
// Terminal workflows only re-activate via an explicit Reset.
func (w *Workflow) Terminal() bool {
	return w.Status == StatusCompleted || w.Status == StatusFailed
}

var (
	// ErrNoSteps is returned when creating a workflow with an empty step list.
	ErrNoSteps = errors.New("workflow must have at least one step")

	// ErrAlreadyLocked is returned when RunStep loses the conditional lock
	// update to another runner. Callers should requeue and retry later.
	ErrAlreadyLocked = errors.New("workflow is locked by another runner")
)

// UnknownStepTypeError indicates a step whose type has no registered handler.
// This is a configuration error, not a retryable failure: the workflow is
// failed immediately.
type UnknownStepTypeError struct {
	Type string
}

func (e *UnknownStepTypeError) Error() string {
	return fmt.Sprintf("no handler registered for step type %q", e.Type)
}
