// Package nodeconn is the persistent bidirectional node channel: a
// websocket upgrade per connection, one reader goroutine and one bounded
// writer goroutine per node, exchanging discriminated JSON frames.
package nodeconn

import (
	"encoding/json"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/capability"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/job"
)

// Frame kinds exchanged over the node channel. Unknown fields on any inbound
// frame are ignored by encoding/json's default decode behavior, keeping the
// wire format forward-compatible.
const (
	// Inbound (node -> orchestrator)
	frameRegister   = "register"
	frameHeartbeat  = "heartbeat"
	frameJobStatus  = "job_status"
	frameJobResult  = "job_result"

	// Outbound (orchestrator -> node)
	frameRegistered        = "registered"
	frameJobAssignment     = "job_assignment"
	frameCancelJob         = "cancel_job"
	frameUpdateLimits      = "update_limits"
	frameWorkspacesUpdated = "workspaces_updated"
	frameError             = "error"
)

// envelope is the shared discriminator every frame carries.
type envelope struct {
	Type string `json:"type"`
}

// registerFrame is sent by a node on connect.
type registerFrame struct {
	Type         string                `json:"type"`
	Capabilities capability.Descriptor `json:"capabilities"`
	AuthToken    string                `json:"auth_token,omitempty"`
	WorkspaceIDs []string              `json:"workspace_ids,omitempty"`
	Version      string                `json:"version,omitempty"`
	Labels       map[string]string     `json:"labels,omitempty"`
}

// heartbeatFrame reports liveness and current load.
type heartbeatFrame struct {
	Type        string `json:"type"`
	Available   bool   `json:"available"`
	CurrentJobs int    `json:"current_jobs"`
}

// jobStatusFrame reports an intermediate job transition.
type jobStatusFrame struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	nodeStatusAccepted  = "accepted"
	nodeStatusPreparing = "preparing"
	nodeStatusRunning   = "running"
	nodeStatusCompleted = "completed"
	nodeStatusFailed    = "failed"
)

// jobResultFrame reports the final outcome of a job.
type jobResultFrame struct {
	Type   string     `json:"type"`
	JobID  string     `json:"job_id"`
	Result job.Result `json:"result"`
}

// registeredFrame acknowledges a register frame with the assigned node id.
type registeredFrame struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
}

// jobAssignmentPayload is the wire shape of an assigned job, narrower than
// the full job.Job record: the node only needs enough to execute and bill.
type jobAssignmentPayload struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"client_id"`
	Payload        map[string]any `json:"payload"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	MaxCostCents   int64          `json:"max_cost_cents"`
}

type jobAssignmentFrame struct {
	Type string               `json:"type"`
	Job  jobAssignmentPayload `json:"job"`
}

type cancelJobFrame struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type updateLimitsFrame struct {
	Type   string         `json:"type"`
	Limits map[string]any `json:"limits"`
}

type workspacesUpdatedFrame struct {
	Type         string   `json:"type"`
	WorkspaceIDs []string `json:"workspace_ids"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newJobAssignmentFrame(j job.Job) jobAssignmentFrame {
	return jobAssignmentFrame{
		Type: frameJobAssignment,
		Job: jobAssignmentPayload{
			ID:             j.ID,
			ClientID:       j.ClientID,
			Payload:        j.Payload,
			TimeoutSeconds: j.TimeoutSeconds,
			MaxCostCents:   j.Requirements.MaxCostCents,
		},
	}
}

func marshalFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}
