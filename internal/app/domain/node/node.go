// Package node defines the registry's record for a connected compute node.
package node

import (
	"time"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/capability"
)

const (
	// DefaultReputation is the starting score assigned at registration.
	DefaultReputation = 50
	// HeartbeatTimeout is the liveness window; a node silent longer than
	// this is evicted by the registry's eviction ticker.
	HeartbeatTimeout = 30 * time.Second
)

// Node is a connected worker advertising capabilities and accepting job
// assignments. Transport is held separately (see the nodeconn package) and
// is not part of this record so the registry can be tested without a real
// socket.
type Node struct {
	ID             string                 `json:"id"`
	Capabilities   capability.Descriptor  `json:"capabilities"`
	ReconnectToken string                 `json:"-"`
	Available      bool                   `json:"available"`
	CurrentJobs    int                    `json:"current_jobs"`
	LastHeartbeat  time.Time              `json:"last_heartbeat"`
	Reputation     int                    `json:"reputation"`
	OwnerUserID    string                 `json:"owner_user_id,omitempty"`
	WorkspaceIDs   map[string]struct{}    `json:"-"`
	CreatedAt      time.Time              `json:"created_at"`
	// Version is the agent build string the node reports at register; it is
	// informational only and never affects matching.
	Version string `json:"version,omitempty"`
	// Labels are free-form operator-assigned tags a capability requirement
	// can ask for, distinct from hardware capabilities.
	Labels map[string]string `json:"labels,omitempty"`
	// ConnectedAt is when the current connection was established, reset on
	// every register (including reconnects), unlike CreatedAt.
	ConnectedAt time.Time `json:"connected_at"`
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// registry's lock.
func (n Node) Clone() Node {
	out := n
	if n.Capabilities.GPUs != nil {
		out.Capabilities.GPUs = append([]capability.GPU(nil), n.Capabilities.GPUs...)
	}
	if n.Capabilities.MCPAdapters != nil {
		out.Capabilities.MCPAdapters = append([]string(nil), n.Capabilities.MCPAdapters...)
	}
	if n.WorkspaceIDs != nil {
		ws := make(map[string]struct{}, len(n.WorkspaceIDs))
		for k := range n.WorkspaceIDs {
			ws[k] = struct{}{}
		}
		out.WorkspaceIDs = ws
	}
	if n.Labels != nil {
		labels := make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			labels[k] = v
		}
		out.Labels = labels
	}
	return out
}

// WorkspaceIDList returns the node's workspace set as a sorted-free slice,
// suitable for JSON frames (workspaces_updated).
func (n Node) WorkspaceIDList() []string {
	out := make([]string, 0, len(n.WorkspaceIDs))
	for id := range n.WorkspaceIDs {
		out = append(out, id)
	}
	return out
}

// InWorkspace reports whether the node's visibility set includes id.
func (n Node) InWorkspace(id string) bool {
	if id == "" {
		return true
	}
	_, ok := n.WorkspaceIDs[id]
	return ok
}

// Unclaimed reports whether the node has no owning user yet.
func (n Node) Unclaimed() bool {
	return n.OwnerUserID == ""
}

// Expired reports whether the node has missed its heartbeat window as of now.
func (n Node) Expired(now time.Time) bool {
	return now.Sub(n.LastHeartbeat) > HeartbeatTimeout
}
