// Package job defines the job record and its status DAG.
package job

import (
	"time"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/capability"
)

// Status is a position in the job lifecycle DAG.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status has no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// DefaultMaxRetries is the retry budget assigned at admission: each failure
// increments Retries, and the job is requeued while Retries stays below
// MaxRetries, so the third failure is terminal.
const DefaultMaxRetries = 3

// DefaultTimeoutSeconds is used when a submission omits timeout_seconds.
const DefaultTimeoutSeconds = 3600

// Result is the final outcome reported by a node, or synthesized by the
// scheduler on failure/timeout/cancellation.
type Result struct {
	Success         bool            `json:"success"`
	Outputs         map[string]any  `json:"outputs,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms,omitempty"`
	ActualCostCents int64           `json:"actual_cost_cents,omitempty"`
}

// Job is a unit of work admitted by a client and tracked through dispatch,
// execution and settlement.
type Job struct {
	ID             string                  `json:"id"`
	ClientID       string                  `json:"client_id"`
	WorkspaceID    string                  `json:"workspace_id,omitempty"`
	Requirements   capability.Requirements `json:"requirements"`
	Payload        map[string]any          `json:"payload"`
	Status         Status                  `json:"status"`
	AssignedNodeID string                  `json:"assigned_node_id,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	StartedAt      time.Time               `json:"started_at,omitempty"`
	CompletedAt    time.Time               `json:"completed_at,omitempty"`
	Retries        int                     `json:"retries"`
	MaxRetries     int                     `json:"max_retries"`
	TimeoutSeconds int                     `json:"timeout_seconds"`
	HoldID         string                  `json:"hold_id,omitempty"`
	AccountID      string                  `json:"account_id,omitempty"`
	Result         *Result                 `json:"result,omitempty"`
	// Priority sorts earlier within a dispatch tick, higher first; FIFO
	// (admission order) remains the tiebreak. Zero is the default for jobs
	// that don't request priority scheduling.
	Priority int `json:"priority"`
	// LastError is the most recent failure reason recorded on a retry,
	// distinct from Result.Error which is only set on terminal failure.
	LastError string `json:"last_error,omitempty"`
}

// PayloadType returns the job's opaque payload discriminator.
func (j Job) PayloadType() string {
	t, _ := j.Payload["type"].(string)
	return t
}

// Deadline returns the admission-time timeout as an absolute instant.
func (j Job) Deadline() time.Time {
	return j.CreatedAt.Add(time.Duration(j.TimeoutSeconds) * time.Second)
}

// Clone returns a deep-enough copy safe to hand to callers outside a store's
// lock.
func (j Job) Clone() Job {
	out := j
	if j.Payload != nil {
		payload := make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			payload[k] = v
		}
		out.Payload = payload
	}
	if j.Result != nil {
		r := *j.Result
		if j.Result.Outputs != nil {
			outputs := make(map[string]any, len(j.Result.Outputs))
			for k, v := range j.Result.Outputs {
				outputs[k] = v
			}
			r.Outputs = outputs
		}
		out.Result = &r
	}
	return out
}
