package nodeconn

import (
	"encoding/json"
	"testing"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/job"
)

func TestEnvelopeDiscriminatesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"heartbeat","available":true,"current_jobs":2,"future_field":"ignored"}`)

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != frameHeartbeat {
		t.Fatalf("expected heartbeat type, got %q", env.Type)
	}

	var hb heartbeatFrame
	if err := json.Unmarshal(raw, &hb); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if !hb.Available || hb.CurrentJobs != 2 {
		t.Fatalf("unexpected heartbeat decode: %+v", hb)
	}
}

func TestJobAssignmentFrameOmitsInternalFields(t *testing.T) {
	j := job.Job{
		ID:             "job-1",
		ClientID:       "client-1",
		Payload:        map[string]any{"type": "inference"},
		TimeoutSeconds: 60,
		HoldID:         "hold-1",
		AccountID:      "acct-1",
	}
	j.Requirements.MaxCostCents = 500

	frame := newJobAssignmentFrame(j)
	data, err := marshalFrame(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	jobObj, ok := decoded["job"].(map[string]any)
	if !ok {
		t.Fatalf("expected job object, got %v", decoded["job"])
	}
	if _, present := jobObj["hold_id"]; present {
		t.Fatalf("expected hold_id to stay internal, got %v", jobObj)
	}
	if jobObj["max_cost_cents"].(float64) != 500 {
		t.Fatalf("expected max_cost_cents carried over, got %v", jobObj["max_cost_cents"])
	}
}
