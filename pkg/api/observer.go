package api

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// NotificationHook is invoked exactly once when a workflow reaches
// StatusCompleted or StatusFailed. The terminal status, accumulated context
// and last error are carried on the workflow itself.
//
// Hook failures are logged by the runner and never re-open the workflow.
type NotificationHook func(ctx context.Context, w *Workflow) error

// Observer receives callbacks from the workflow runner for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowCreated is called once when a workflow is first persisted.
	OnWorkflowCreated(ctx context.Context, w *Workflow)

	// OnStepStart is called before dispatching a step handler.
	// stepIndex is the 0-based index into Workflow.Steps.
	OnStepStart(ctx context.Context, w *Workflow, stepID string, stepIndex int)

	// OnStepCompleted is called after a step handler returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, w *Workflow, stepID string, stepIndex int, err error, duration time.Duration)

	// OnWorkflowCompleted is called when a workflow reaches StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, w *Workflow)

	// OnWorkflowFailed is called when a workflow reaches StatusFailed.
	OnWorkflowFailed(ctx context.Context, w *Workflow, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowCreated(ctx context.Context, w *Workflow)                   {}
func (NoopObserver) OnStepStart(ctx context.Context, w *Workflow, stepID string, idx int) {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, w *Workflow)                 {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, w *Workflow, err error)         {}
func (NoopObserver) OnStepCompleted(ctx context.Context, w *Workflow, stepID string, idx int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowCreated(ctx context.Context, w *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowCreated(ctx, w)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, w *Workflow, stepID string, idx int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, w, stepID, idx)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, w *Workflow, stepID string, idx int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, w, stepID, idx, err, d)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, w *Workflow) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, w)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, w *Workflow, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, w, err)
	}
}

// LoggingObserver logs workflow lifecycle events with zerolog.
type LoggingObserver struct {
	log zerolog.Logger
}

// NewLoggingObserver creates an Observer that writes structured events to
// the given logger.
func NewLoggingObserver(log zerolog.Logger) *LoggingObserver {
	return &LoggingObserver{log: log.With().Str("component", "workflow-observer").Logger()}
}

func (o *LoggingObserver) OnWorkflowCreated(ctx context.Context, w *Workflow) {
	o.log.Info().Str("workflow_id", w.ID).Int("steps", len(w.Steps)).Msg("workflow created")
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, w *Workflow, stepID string, idx int) {
	o.log.Debug().Str("workflow_id", w.ID).Str("step_id", stepID).Int("step_index", idx).Msg("step start")
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, w *Workflow, stepID string, idx int, err error, d time.Duration) {
	evt := o.log.Debug()
	if err != nil {
		evt = o.log.Warn().Err(err)
	}
	evt.Str("workflow_id", w.ID).Str("step_id", stepID).Int("step_index", idx).Dur("duration", d).Msg("step completed")
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, w *Workflow) {
	o.log.Info().Str("workflow_id", w.ID).Msg("workflow completed")
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, w *Workflow, err error) {
	o.log.Error().Err(err).Str("workflow_id", w.ID).Int("current_step", w.CurrentStep).Msg("workflow failed")
}

// BasicMetrics is an Observer that counts workflow and step events. The
// zero value is ready to use and safe for concurrent runners.
type BasicMetrics struct {
	workflowsCreated   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	stepsStarted       atomic.Int64
	stepsCompleted     atomic.Int64
	stepsFailed        atomic.Int64
	stepDurationNanos  atomic.Int64
}

// BasicMetricsSnapshot is a point-in-time copy of the counters.
type BasicMetricsSnapshot struct {
	WorkflowsCreated   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	StepsStarted       int64
	StepsCompleted     int64
	StepsFailed        int64

	// AvgStepDuration is the mean over all completed steps, failures
	// included.
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowCreated(ctx context.Context, w *Workflow) {
	m.workflowsCreated.Add(1)
}

func (m *BasicMetrics) OnStepStart(ctx context.Context, w *Workflow, stepID string, idx int) {
	m.stepsStarted.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, w *Workflow, stepID string, idx int, err error, d time.Duration) {
	if err != nil {
		m.stepsFailed.Add(1)
	} else {
		m.stepsCompleted.Add(1)
	}
	m.stepDurationNanos.Add(int64(d))
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, w *Workflow) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, w *Workflow, err error) {
	m.workflowsFailed.Add(1)
}

// Snapshot returns a consistent-enough copy of the counters for dashboards
// and tests.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	snap := BasicMetricsSnapshot{
		WorkflowsCreated:   m.workflowsCreated.Load(),
		WorkflowsCompleted: m.workflowsCompleted.Load(),
		WorkflowsFailed:    m.workflowsFailed.Load(),
		StepsStarted:       m.stepsStarted.Load(),
		StepsCompleted:     m.stepsCompleted.Load(),
		StepsFailed:        m.stepsFailed.Load(),
	}
	if total := snap.StepsCompleted + snap.StepsFailed; total > 0 {
		snap.AvgStepDuration = time.Duration(m.stepDurationNanos.Load() / total)
	}
	return snap
}
