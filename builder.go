package relay

import (
	"context"
	"fmt"

	"github.com/jtoivan/relay/pkg/api"
)

// WorkflowBuilder provides a fluent API for assembling workflow steps:
//
//	steps, err := relay.NewWorkflow().
//	    Step("fetch-source", relay.Config{"url": feedURL}).
//	    StepWithRetry("publish", nil, 3, 2).
//	    Build()
//
//	wf, err := runner.Create(ctx, steps, relay.NewWorkflowContext())
//
// Step types refer to handlers registered on the runner's HandlerRegistry;
// the builder never holds function values, so built steps serialize cleanly.
type WorkflowBuilder struct {
	steps []api.Step
	err   error
}

// Config is the per-step configuration map passed to the step's handler.
type Config = map[string]any

// NewWorkflow creates an empty workflow builder.
func NewWorkflow() *WorkflowBuilder {
	return &WorkflowBuilder{}
}

// Step appends a step of the given type with no retries.
func (b *WorkflowBuilder) Step(stepType string, config Config) *WorkflowBuilder {
	return b.StepWithRetry(stepType, config, 0, 0)
}

// StepWithRetry appends a step that tolerates maxRetries failures, with
// backoffFactor^retries seconds between attempts. A backoffFactor <= 0
// falls back to the default of 2.
func (b *WorkflowBuilder) StepWithRetry(stepType string, config Config, maxRetries int, backoffFactor float64) *WorkflowBuilder {
	if b.err != nil {
		return b
	}
	if stepType == "" {
		b.err = fmt.Errorf("step %d: type must not be empty", len(b.steps))
		return b
	}
	if maxRetries < 0 {
		b.err = fmt.Errorf("step %q: max retries must not be negative", stepType)
		return b
	}

	b.steps = append(b.steps, api.Step{
		Type:          stepType,
		Config:        config,
		MaxRetries:    maxRetries,
		BackoffFactor: backoffFactor,
	})
	return b
}

// Build returns the assembled steps, or the first error recorded while
// building.
func (b *WorkflowBuilder) Build() ([]api.Step, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.steps) == 0 {
		return nil, api.ErrNoSteps
	}

	out := make([]api.Step, len(b.steps))
	copy(out, b.steps)
	return out, nil
}

// Create builds the steps and persists a new workflow through the runner.
func (b *WorkflowBuilder) Create(ctx context.Context, r *Runner) (*Workflow, error) {
	steps, err := b.Build()
	if err != nil {
		return nil, err
	}
	return r.Create(ctx, steps, api.NewWorkflowContext())
}
