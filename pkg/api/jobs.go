package api

import "encoding/gob"

func init() {
	gob.Register(RunWorkflowPayload{})
}

// Job type tags dispatched by workers.
const (
	// JobTypeRunWorkflow drives a workflow forward until it parks or
	// reaches a terminal state.
	JobTypeRunWorkflow = "run-workflow"

	// JobTypeIngestion executes a collaborator-driven action identified
	// by the payload's Platform and Intent.
	JobTypeIngestion = "ingestion"
)

// RunWorkflowPayload is the payload of JobTypeRunWorkflow and
// JobTypeIngestion jobs.
//
// ScheduleID is empty for ad-hoc executions; when set, the worker reports
// the execution outcome back to the owning schedule.
type RunWorkflowPayload struct {
	ScheduleID string
	WorkflowID string

	// Platform and Intent identify collaborator-driven executions when
	// WorkflowID is empty.
	Platform string
	Intent   string
}
