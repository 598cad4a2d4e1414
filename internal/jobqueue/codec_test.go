package jobqueue

import (
	"testing"
	"time"

	"github.com/jtoivan/relay/pkg/api"
)

func TestJobCodec_PayloadSurvivesRoundtrip(t *testing.T) {
	in := Job{
		TaskID:      "task-1",
		Type:        api.JobTypeRunWorkflow,
		Priority:    2,
		Attempts:    1,
		MaxAttempts: 3,
		EnqueuedAt:  time.Now().Truncate(time.Millisecond),
		NotBefore:   time.Now().Add(time.Minute).Truncate(time.Millisecond),
		Payload: api.RunWorkflowPayload{
			ScheduleID: "sched-1",
			WorkflowID: "wf-1",
			Platform:   "email",
			Intent:     "digest",
		},
	}

	raw, err := EncodeJob(in)
	if err != nil {
		t.Fatalf("EncodeJob failed: %v", err)
	}

	out, err := DecodeJob(raw)
	if err != nil {
		t.Fatalf("DecodeJob failed: %v", err)
	}

	if out.TaskID != in.TaskID || out.Type != in.Type || out.Priority != in.Priority {
		t.Fatalf("job fields mangled: %+v", out)
	}
	if out.Attempts != in.Attempts || out.MaxAttempts != in.MaxAttempts {
		t.Fatalf("delivery bookkeeping mangled: %+v", out)
	}
	if !out.NotBefore.Equal(in.NotBefore) {
		t.Fatalf("expected NotBefore %v, got %v", in.NotBefore, out.NotBefore)
	}

	payload, ok := out.Payload.(api.RunWorkflowPayload)
	if !ok {
		t.Fatalf("expected RunWorkflowPayload, got %T", out.Payload)
	}
	if payload != in.Payload.(api.RunWorkflowPayload) {
		t.Fatalf("payload mangled: %+v", payload)
	}
}

func TestJobCodec_NilPayload(t *testing.T) {
	raw, err := EncodeJob(Job{TaskID: "bare"})
	if err != nil {
		t.Fatalf("EncodeJob failed: %v", err)
	}

	out, err := DecodeJob(raw)
	if err != nil {
		t.Fatalf("DecodeJob failed: %v", err)
	}
	if out.TaskID != "bare" {
		t.Fatalf("expected TaskID bare, got %q", out.TaskID)
	}
	if out.Payload != nil {
		t.Fatalf("expected nil payload, got %v", out.Payload)
	}
}
