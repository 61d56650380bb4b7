package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/workspace"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
)

// WorkspaceStore is a thread-safe in-memory implementation of
// storage.WorkspaceStore, kept separate from Store since the workspace
// directory is persisted via JSON snapshot rather than sharing the
// payment/job/node subsystem lock.
type WorkspaceStore struct {
	mu         sync.RWMutex
	workspaces map[string]workspace.Workspace
}

// NewWorkspaceStore creates an empty workspace index.
func NewWorkspaceStore() *WorkspaceStore {
	return &WorkspaceStore{workspaces: make(map[string]workspace.Workspace)}
}

var _ storage.WorkspaceStore = (*WorkspaceStore)(nil)

func (w *WorkspaceStore) CreateWorkspace(_ context.Context, ws workspace.Workspace) (workspace.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ws.ID == "" {
		ws.ID = uuid.NewString()
	} else if _, exists := w.workspaces[ws.ID]; exists {
		return workspace.Workspace{}, fmt.Errorf("workspace %s already exists", ws.ID)
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	w.workspaces[ws.ID] = ws.Clone()
	return ws.Clone(), nil
}

func (w *WorkspaceStore) UpdateWorkspace(_ context.Context, ws workspace.Workspace) (workspace.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	original, ok := w.workspaces[ws.ID]
	if !ok {
		return workspace.Workspace{}, fmt.Errorf("%w: workspace %s", storage.ErrNotFound, ws.ID)
	}
	ws.CreatedAt = original.CreatedAt
	w.workspaces[ws.ID] = ws.Clone()
	return ws.Clone(), nil
}

func (w *WorkspaceStore) GetWorkspace(_ context.Context, id string) (workspace.Workspace, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ws, ok := w.workspaces[id]
	if !ok {
		return workspace.Workspace{}, fmt.Errorf("%w: workspace %s", storage.ErrNotFound, id)
	}
	return ws.Clone(), nil
}

func (w *WorkspaceStore) GetWorkspaceByInviteCode(_ context.Context, code string) (workspace.Workspace, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, ws := range w.workspaces {
		if ws.InviteCode == code {
			return ws.Clone(), nil
		}
	}
	return workspace.Workspace{}, fmt.Errorf("%w: invite code", storage.ErrNotFound)
}

// ListWorkspacesForUser returns workspaces userID belongs to, or every
// workspace when userID is empty (used for snapshotting the full state).
func (w *WorkspaceStore) ListWorkspacesForUser(_ context.Context, userID string) ([]workspace.Workspace, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []workspace.Workspace
	for _, ws := range w.workspaces {
		if userID == "" || ws.IsMember(userID) {
			out = append(out, ws.Clone())
		}
	}
	return out, nil
}

func (w *WorkspaceStore) DeleteWorkspace(_ context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.workspaces[id]; !ok {
		return fmt.Errorf("%w: workspace %s", storage.ErrNotFound, id)
	}
	delete(w.workspaces, id)
	return nil
}

func (w *WorkspaceStore) InviteCodeExists(_ context.Context, code string) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, ws := range w.workspaces {
		if ws.InviteCode == code {
			return true, nil
		}
	}
	return false, nil
}
