package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/jtoivan/relay/pkg/api"
)

// The stores serialize step lists and workflow context with encoding/gob.
// Handler result values travel inside WorkflowContext as `any`, so concrete
// result types beyond those registered in pkg/api must be registered by the
// application with gob.Register.

// EncodeSteps gob-encodes a step list.
func EncodeSteps(steps []api.Step) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(steps); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSteps gob-decodes a step list.
func DecodeSteps(data []byte) ([]api.Step, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var steps []api.Step
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// EncodeContext gob-encodes a workflow context.
func EncodeContext(wctx api.WorkflowContext) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&wctx); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeContext gob-decodes a workflow context. Empty input yields an
// empty, current-version context.
func DecodeContext(data []byte) (api.WorkflowContext, error) {
	if len(data) == 0 {
		return api.NewWorkflowContext(), nil
	}
	var wctx api.WorkflowContext
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wctx); err != nil {
		return api.WorkflowContext{}, err
	}
	if wctx.Results == nil {
		wctx.Results = make(map[string]api.StepResult)
	}
	return wctx, nil
}
