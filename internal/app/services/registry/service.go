// Package registry implements the node registry: connection lifecycle,
// capability matching, liveness tracking and ownership/visibility rules.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/capability"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/node"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
	"github.com/r3e-network/fleet-orchestrator/internal/app/system"
	"github.com/r3e-network/fleet-orchestrator/pkg/logger"
)

var (
	// ErrAlreadyClaimed is returned when claiming a node that already has
	// an owner.
	ErrAlreadyClaimed = errors.New("node already claimed")
	// ErrNotFound mirrors storage.ErrNotFound for registry callers that
	// should not need to import the storage package directly.
	ErrNotFound = storage.ErrNotFound
)

// Transport abstracts the outbound half of a node connection so the
// registry does not depend on the websocket package directly. Sends a
// best-effort frame to a node; callers enqueue onto a bounded per-connection
// write buffer and drop on full (see the nodeconn package).
type Transport interface {
	SendUpdateLimits(nodeID string, limits map[string]any) error
	SendWorkspacesUpdated(nodeID string, workspaceIDs []string) error
	Close(nodeID string) error
}

var _ system.Service = (*Service)(nil)

// Service is the lifecycle-managed node registry.
type Service struct {
	store     storage.NodeStore
	transport Transport
	log       *logger.Logger
	tracer    core.Tracer

	mu           sync.Mutex
	evictionTick time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      bool

	onEvict func(nodeID string)
}

// New constructs a node registry service over the given store.
func New(store storage.NodeStore, transport Transport, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Service{
		store:        store,
		transport:    transport,
		log:          log,
		tracer:       core.NoopTracer,
		evictionTick: 30 * time.Second,
	}
}

// WithTracer configures a tracer for registry spans.
func (s *Service) WithTracer(tracer core.Tracer) {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	s.tracer = tracer
}

// SetTransport binds the outbound transport after construction. The node
// channel hub depends on the registry at construction time, so the two are
// wired together by the application builder once both exist.
func (s *Service) SetTransport(transport Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = transport
}

// OnEvict registers a callback invoked with a node's id whenever the
// eviction ticker removes it, so the scheduler can requeue its in-flight
// jobs.
func (s *Service) OnEvict(fn func(nodeID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Name identifies the service to the lifecycle manager.
func (s *Service) Name() string { return "node-registry" }

// Descriptor advertises the service's architectural placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "node-registry",
		Domain:       "registry",
		Layer:        core.LayerAdapter,
		Capabilities: []string{"register", "heartbeat", "match", "evict"},
	}
}

// Start begins the eviction ticker.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.evictionTick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.evictExpired(runCtx)
			}
		}
	}()

	s.log.Info("node registry started")
	return nil
}

// Stop halts the eviction ticker.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("node registry stopped")
	return nil
}

// Register attaches (or reattaches, via a known reconnect token) a node
// connection and returns the node record with its reconnect token: a new
// token for a new node, the existing one on reattach. version and
// labels are informational/scheduling-hint metadata reported by the agent;
// connectedAt resets on every register, including reconnects.
func (s *Service) Register(ctx context.Context, caps capability.Descriptor, reconnectToken string, workspaceIDs []string, version string, labels map[string]string) (node.Node, error) {
	now := time.Now().UTC()
	if reconnectToken != "" {
		if existing, err := s.store.GetNodeByReconnectToken(ctx, reconnectToken); err == nil {
			existing.Capabilities = caps
			existing.Available = true
			existing.LastHeartbeat = now
			existing.Version = version
			existing.Labels = labels
			existing.ConnectedAt = now
			mergeWorkspaces(&existing, workspaceIDs)
			updated, err := s.store.UpsertNode(ctx, existing)
			if err != nil {
				return node.Node{}, err
			}
			s.log.WithField("node_id", updated.ID).Info("node reattached via reconnect token")
			return updated, nil
		}
	}

	token, err := newReconnectToken()
	if err != nil {
		return node.Node{}, fmt.Errorf("generate reconnect token: %w", err)
	}

	n := node.Node{
		Capabilities:   caps,
		ReconnectToken: token,
		Available:      true,
		CurrentJobs:    0,
		Reputation:     node.DefaultReputation,
		LastHeartbeat:  now,
		WorkspaceIDs:   map[string]struct{}{},
		Version:        version,
		Labels:         labels,
		ConnectedAt:    now,
	}
	mergeWorkspaces(&n, workspaceIDs)

	created, err := s.store.UpsertNode(ctx, n)
	if err != nil {
		return node.Node{}, err
	}
	s.log.WithField("node_id", created.ID).Info("node registered")
	return created, nil
}

func mergeWorkspaces(n *node.Node, workspaceIDs []string) {
	if n.WorkspaceIDs == nil {
		n.WorkspaceIDs = map[string]struct{}{}
	}
	for _, id := range workspaceIDs {
		if id != "" {
			n.WorkspaceIDs[id] = struct{}{}
		}
	}
}

func newReconnectToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Heartbeat refreshes liveness and reported load for a node.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, available bool, currentJobs int) error {
	n, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	n.Available = available
	n.CurrentJobs = currentJobs
	n.LastHeartbeat = time.Now().UTC()
	_, err = s.store.UpsertNode(ctx, n)
	return err
}

// Get returns the node by id.
func (s *Service) Get(ctx context.Context, nodeID string) (node.Node, error) {
	return s.store.GetNode(ctx, nodeID)
}

// List returns every registered node.
func (s *Service) List(ctx context.Context) ([]node.Node, error) {
	return s.store.ListNodes(ctx)
}

// ListVisible returns nodes visible to a user: any node whose workspace set
// intersects the user's workspace memberships, plus unclaimed nodes (for
// onboarding).
func (s *Service) ListVisible(ctx context.Context, userWorkspaceIDs map[string]struct{}) ([]node.Node, error) {
	all, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	var out []node.Node
	for _, n := range all {
		if n.Unclaimed() {
			out = append(out, n)
			continue
		}
		for ws := range n.WorkspaceIDs {
			if _, ok := userWorkspaceIDs[ws]; ok {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}

// Claim assigns an unclaimed node to userID. Claim-on-first-request: once a
// node has an owner, subsequent claims fail with ErrAlreadyClaimed.
func (s *Service) Claim(ctx context.Context, nodeID, userID string) (node.Node, error) {
	n, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return node.Node{}, err
	}
	if !n.Unclaimed() {
		return node.Node{}, ErrAlreadyClaimed
	}
	n.OwnerUserID = userID
	return s.store.UpsertNode(ctx, n)
}

// UpdateWorkspaces replaces a node's visibility set, called by the claiming
// user, and best-effort notifies the node over its transport.
func (s *Service) UpdateWorkspaces(ctx context.Context, nodeID string, workspaceIDs []string) (node.Node, error) {
	n, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return node.Node{}, err
	}
	n.WorkspaceIDs = map[string]struct{}{}
	mergeWorkspaces(&n, workspaceIDs)
	updated, err := s.store.UpsertNode(ctx, n)
	if err != nil {
		return node.Node{}, err
	}
	if s.transport != nil {
		_ = s.transport.SendWorkspacesUpdated(nodeID, updated.WorkspaceIDList())
	}
	return updated, nil
}

// UpdateLimits forwards a best-effort resource-limit update to a node. It
// does not mutate advertised capabilities; the node reports changes itself
// via its next register/heartbeat.
func (s *Service) UpdateLimits(ctx context.Context, nodeID string, limits map[string]any) error {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return err
	}
	if s.transport == nil {
		return nil
	}
	return s.transport.SendUpdateLimits(nodeID, limits)
}

// FindNode returns the best matching node for the requirements, optionally
// scoped to a workspace; an unavailable node is returned only when no
// available node matches. Ordering over matches: available=true
// first, then descending reputation, then ascending current_jobs, then
// ascending node id for a deterministic tiebreak.
func (s *Service) FindNode(ctx context.Context, req capability.Requirements, workspaceID string) (node.Node, bool, error) {
	all, err := s.store.ListNodes(ctx)
	if err != nil {
		return node.Node{}, false, err
	}

	var candidates []node.Node
	for _, n := range all {
		if !n.InWorkspace(workspaceID) {
			continue
		}
		if !capability.Matches(n.Capabilities, req) {
			continue
		}
		if !hasLabels(n.Labels, req.RequiredLabels) {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return node.Node{}, false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Available != b.Available {
			return a.Available
		}
		if a.Reputation != b.Reputation {
			return a.Reputation > b.Reputation
		}
		if a.CurrentJobs != b.CurrentJobs {
			return a.CurrentJobs < b.CurrentJobs
		}
		return a.ID < b.ID
	})
	return candidates[0], true, nil
}

// hasLabels reports whether actual carries every key/value pair in required.
func hasLabels(actual, required map[string]string) bool {
	for k, v := range required {
		if actual[k] != v {
			return false
		}
	}
	return true
}

// Assign is a separate atomic transition from matching, so the scheduler
// can recheck availability immediately before committing a job to a node.
// It fails if the node is no longer available. The read-modify-write against
// the store is serialized under s.mu: Assign and Release both touch
// current_jobs concurrently (dispatch tick, frame handlers, eviction), and
// without a lock around the whole sequence one caller's increment can be
// clobbered by another's read of the pre-update node.
func (s *Service) Assign(ctx context.Context, nodeID string) (node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return node.Node{}, err
	}
	if !n.Available {
		return node.Node{}, fmt.Errorf("node %s is no longer available", nodeID)
	}
	n.CurrentJobs++
	return s.store.UpsertNode(ctx, n)
}

// Release decrements a node's current job count when a job leaves the
// assigned/running states. See Assign for why the sequence is serialized.
func (s *Service) Release(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if n.CurrentJobs > 0 {
		n.CurrentJobs--
	}
	_, err = s.store.UpsertNode(ctx, n)
	return err
}

// Evict removes a node immediately, e.g. on transport close.
func (s *Service) Evict(ctx context.Context, nodeID string) error {
	if err := s.store.DeleteNode(ctx, nodeID); err != nil {
		return err
	}
	s.mu.Lock()
	onEvict := s.onEvict
	s.mu.Unlock()
	if onEvict != nil {
		onEvict(nodeID)
	}
	return nil
}

func (s *Service) evictExpired(ctx context.Context) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		s.log.WithError(err).Warn("registry eviction sweep failed to list nodes")
		return
	}
	now := time.Now().UTC()
	for _, n := range nodes {
		if !n.Expired(now) {
			continue
		}
		spanCtx, finish := s.tracer.StartSpan(ctx, "registry.evict", map[string]string{"node_id": n.ID})
		err := s.Evict(spanCtx, n.ID)
		finish(err)
		if err != nil {
			s.log.WithError(err).WithField("node_id", n.ID).Warn("failed to evict expired node")
			continue
		}
		if s.transport != nil {
			_ = s.transport.Close(n.ID)
		}
		s.log.WithField("node_id", n.ID).Info("node evicted on liveness timeout")
	}
}
