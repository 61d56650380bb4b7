package nodeconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/job"
	paymentsvc "github.com/r3e-network/fleet-orchestrator/internal/app/services/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/registry"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/scheduler"
	"github.com/r3e-network/fleet-orchestrator/internal/app/system"
	"github.com/r3e-network/fleet-orchestrator/pkg/logger"
)

// writeBufferSize bounds each connection's outbound queue; a node that falls
// behind has frames dropped rather than blocking the hub, matching the
// registry's documented best-effort send contract.
const writeBufferSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var _ system.Service = (*Hub)(nil)
var _ registry.Transport = (*Hub)(nil)
var _ scheduler.Dispatcher = (*Hub)(nil)

// Hub is the lifecycle-managed node channel. It owns one *conn per
// registered node and implements the outbound halves the registry and
// scheduler depend on (registry.Transport, scheduler.Dispatcher).
type Hub struct {
	path     string
	registry *registry.Service
	sched    *scheduler.Service
	payments *paymentsvc.Service
	log      *logger.Logger
	tracer   core.Tracer

	mu       sync.RWMutex
	conns    map[string]*conn   // node id -> connection
	accounts map[string]string // node id -> payment account id
}

// New constructs the node channel hub, bound to a path for its HTTP upgrade
// handler (e.g. /ws/node). payments may be nil in tests that never settle a
// job over a live connection.
func New(path string, reg *registry.Service, sched *scheduler.Service, payments *paymentsvc.Service, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("nodeconn")
	}
	return &Hub{
		path:     path,
		registry: reg,
		sched:    sched,
		payments: payments,
		log:      log,
		tracer:   core.NoopTracer,
		conns:    make(map[string]*conn),
		accounts: make(map[string]string),
	}
}

// nodeWalletID namespaces a node's payment account wallet id so it can never
// collide with a client-supplied wallet address.
func nodeWalletID(nodeID string) string { return "node:" + nodeID }

// Path returns the HTTP path this hub upgrades connections on.
func (h *Hub) Path() string { return h.path }

// Name identifies the service to the lifecycle manager.
func (h *Hub) Name() string { return "node-channel" }

// Descriptor advertises the service's architectural placement.
func (h *Hub) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "node-channel",
		Domain:       "nodeconn",
		Layer:        core.LayerIngress,
		Capabilities: []string{"websocket", "frame-dispatch"},
	}
}

// Start is a no-op; connections are accepted as HTTP upgrades arrive via
// ServeHTTP, there is no background goroutine to launch here.
func (h *Hub) Start(ctx context.Context) error {
	h.log.Info("node channel ready")
	return nil
}

// Stop closes every active connection.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.log.Info("node channel stopped")
	return nil
}

// ServeHTTP upgrades the request to a websocket and runs the connection's
// reader loop until it closes. Registration happens on the first inbound
// register frame, not on upgrade, since the node id is not known yet.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("node channel upgrade failed")
		return
	}

	c := newConn(ws)
	go h.runConn(r.Context(), c)
}

// runConn is the connection's reader loop: it owns the socket's read side,
// dispatching frames by type until the node disconnects or sends an
// unrecoverable frame. A single writer goroutine (c.writeLoop) owns the
// write side concurrently, per spec.md's one-reader/one-writer contract.
func (h *Hub) runConn(ctx context.Context, c *conn) {
	go c.writeLoop()
	defer c.close()

	var nodeID string
	defer func() {
		if nodeID == "" {
			return
		}
		h.mu.Lock()
		delete(h.conns, nodeID)
		delete(h.accounts, nodeID)
		h.mu.Unlock()
		if err := h.registry.Evict(ctx, nodeID); err != nil && !errors.Is(err, registry.ErrNotFound) {
			h.log.WithError(err).WithField("node_id", nodeID).Warn("eviction on disconnect failed")
		}
	}()

	for {
		raw, err := c.readMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.send(mustMarshal(errorFrame{Type: frameError, Code: "invalid_frame", Message: "malformed JSON"}))
			continue
		}

		switch env.Type {
		case frameRegister:
			id, err := h.handleRegister(ctx, c, raw)
			if err != nil {
				c.send(mustMarshal(errorFrame{Type: frameError, Code: "register_failed", Message: err.Error()}))
				continue
			}
			nodeID = id
		case frameHeartbeat:
			h.handleHeartbeat(ctx, nodeID, raw)
		case frameJobStatus:
			h.handleJobStatus(ctx, nodeID, raw)
		case frameJobResult:
			h.handleJobResult(ctx, nodeID, raw)
		default:
			c.send(mustMarshal(errorFrame{Type: frameError, Code: "unknown_type", Message: "unrecognized frame type: " + env.Type}))
		}
	}
}

func (h *Hub) handleRegister(ctx context.Context, c *conn, raw []byte) (string, error) {
	var frame registerFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", fmt.Errorf("parse register frame: %w", err)
	}

	n, err := h.registry.Register(ctx, frame.Capabilities, frame.AuthToken, frame.WorkspaceIDs, frame.Version, frame.Labels)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.conns[n.ID] = c
	h.mu.Unlock()

	if h.payments != nil {
		acct, err := h.payments.GetOrCreateAccount(ctx, nodeWalletID(n.ID), "usd")
		if err != nil {
			h.log.WithError(err).WithField("node_id", n.ID).Warn("failed to provision node payment account")
		} else {
			h.mu.Lock()
			h.accounts[n.ID] = acct.ID
			h.mu.Unlock()
		}
	}

	c.send(mustMarshal(registeredFrame{Type: frameRegistered, NodeID: n.ID}))
	h.log.WithField("node_id", n.ID).Info("node channel registered connection")
	return n.ID, nil
}

func (h *Hub) handleHeartbeat(ctx context.Context, nodeID string, raw []byte) {
	if nodeID == "" {
		return
	}
	var frame heartbeatFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if err := h.registry.Heartbeat(ctx, nodeID, frame.Available, frame.CurrentJobs); err != nil {
		h.log.WithError(err).WithField("node_id", nodeID).Warn("heartbeat update failed")
	}
}

func (h *Hub) handleJobStatus(ctx context.Context, nodeID string, raw []byte) {
	var frame jobStatusFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	var err error
	switch frame.Status {
	case nodeStatusAccepted:
		err = h.sched.HandleAccepted(ctx, frame.JobID)
	case nodeStatusPreparing, nodeStatusRunning:
		err = h.sched.HandleRunning(ctx, frame.JobID)
	case nodeStatusFailed:
		err = h.sched.Fail(ctx, frame.JobID, frame.Error)
	case nodeStatusCompleted:
		// The authoritative completion, with cost and outputs, arrives as a
		// separate job_result frame; this status alone carries nothing to act on.
		return
	default:
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("job_id", frame.JobID).WithField("node_id", nodeID).Warn("job_status handling failed")
	}
}

func (h *Hub) handleJobResult(ctx context.Context, nodeID string, raw []byte) {
	var frame jobResultFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	h.mu.RLock()
	nodeAccountID := h.accounts[nodeID]
	h.mu.RUnlock()

	if frame.Result.Success {
		if err := h.sched.Complete(ctx, frame.JobID, frame.Result, nodeAccountID); err != nil {
			h.log.WithError(err).WithField("job_id", frame.JobID).Warn("job_result completion failed")
		}
		return
	}
	if err := h.sched.Fail(ctx, frame.JobID, frame.Result.Error); err != nil {
		h.log.WithError(err).WithField("job_id", frame.JobID).Warn("job_result failure handling failed")
	}
}

// SendJobAssignment implements scheduler.Dispatcher.
func (h *Hub) SendJobAssignment(nodeID string, j job.Job) error {
	return h.sendTo(nodeID, newJobAssignmentFrame(j))
}

// SendCancelJob implements scheduler.Dispatcher.
func (h *Hub) SendCancelJob(nodeID, jobID string) error {
	return h.sendTo(nodeID, cancelJobFrame{Type: frameCancelJob, JobID: jobID})
}

// SendUpdateLimits implements registry.Transport.
func (h *Hub) SendUpdateLimits(nodeID string, limits map[string]any) error {
	return h.sendTo(nodeID, updateLimitsFrame{Type: frameUpdateLimits, Limits: limits})
}

// SendWorkspacesUpdated implements registry.Transport.
func (h *Hub) SendWorkspacesUpdated(nodeID string, workspaceIDs []string) error {
	return h.sendTo(nodeID, workspacesUpdatedFrame{Type: frameWorkspacesUpdated, WorkspaceIDs: workspaceIDs})
}

// Close implements registry.Transport, closing a node's socket (e.g. after
// eviction).
func (h *Hub) Close(nodeID string) error {
	h.mu.Lock()
	c, ok := h.conns[nodeID]
	delete(h.conns, nodeID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	c.close()
	return nil
}

func (h *Hub) sendTo(nodeID string, v any) error {
	h.mu.RLock()
	c, ok := h.conns[nodeID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no active connection for node %s", nodeID)
	}
	data, err := marshalFrame(v)
	if err != nil {
		return err
	}
	c.send(data)
	return nil
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","code":"internal","message":"encode failure"}`)
	}
	return data
}
