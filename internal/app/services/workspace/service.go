// Package workspace implements the workspace directory: membership,
// invite codes, and a single-file JSON snapshot persistence layer.
package workspace

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
	wsdomain "github.com/r3e-network/fleet-orchestrator/internal/app/domain/workspace"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
	"github.com/r3e-network/fleet-orchestrator/pkg/logger"
)

// inviteAlphabet excludes visually confusable characters (0/O, 1/I/l, etc).
const inviteAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const inviteCodeLength = 8

var (
	// ErrNotMember is returned when an operation requires membership the
	// caller does not have.
	ErrNotMember = errors.New("not a workspace member")
	// ErrAlreadyMember is returned by Join when the caller is already a
	// member; join is idempotent for existing members.
	ErrAlreadyMember = errors.New("already a member")
	// ErrOwnerCannotLeave is returned by Leave for the owner, who must
	// transfer ownership first.
	ErrOwnerCannotLeave = errors.New("owner cannot leave without transferring ownership")
	// ErrForbidden is returned when the caller lacks the role required for
	// an operation (delete, regenerate invite code).
	ErrForbidden = errors.New("forbidden")
)

// Service is the workspace directory, backed by an in-memory index that is
// snapshotted to a single JSON file on every mutation (write-temp-then-
// rename), per the directory's deliberately simple persistence design.
type Service struct {
	log *logger.Logger

	mu           sync.Mutex
	store        storage.WorkspaceStore
	snapshotPath string
}

// New constructs the workspace directory. snapshotPath may be empty to
// disable file persistence (tests, ephemeral deployments).
func New(store storage.WorkspaceStore, snapshotPath string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("workspace")
	}
	return &Service{store: store, snapshotPath: snapshotPath, log: log}
}

// Descriptor advertises the service's architectural placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "workspace-directory",
		Domain:       "workspace",
		Layer:        core.LayerData,
		Capabilities: []string{"membership", "invite-codes"},
	}
}

// Create creates a new workspace with the given owner, assigning a unique
// invite code.
func (s *Service) Create(ctx context.Context, name, ownerID string) (wsdomain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, err := s.generateUniqueInviteCodeLocked(ctx)
	if err != nil {
		return wsdomain.Workspace{}, err
	}

	w := wsdomain.Workspace{
		ID:         uuid.NewString(),
		Name:       name,
		OwnerID:    ownerID,
		InviteCode: code,
		Members: []wsdomain.Member{
			{UserID: ownerID, Role: wsdomain.RoleOwner, JoinedAt: time.Now().UTC()},
		},
		CreatedAt: time.Now().UTC(),
	}

	created, err := s.store.CreateWorkspace(ctx, w)
	if err != nil {
		return wsdomain.Workspace{}, err
	}
	if err := s.snapshotLocked(ctx); err != nil {
		s.log.WithError(err).Warn("workspace snapshot write failed after create")
	}
	s.log.WithField("workspace_id", created.ID).WithField("owner_id", ownerID).Info("workspace created")
	return created, nil
}

// Get returns a workspace by id.
func (s *Service) Get(ctx context.Context, id string) (wsdomain.Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

// GetByInviteCode returns a workspace by its invite code.
func (s *Service) GetByInviteCode(ctx context.Context, code string) (wsdomain.Workspace, error) {
	return s.store.GetWorkspaceByInviteCode(ctx, code)
}

// ListForUser returns every workspace the user belongs to.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]wsdomain.Workspace, error) {
	return s.store.ListWorkspacesForUser(ctx, userID)
}

// Join adds userID to the workspace identified by the invite code. Joining
// is idempotent for existing members: it returns ErrAlreadyMember without
// mutating state.
func (s *Service) Join(ctx context.Context, inviteCode, userID string) (wsdomain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.store.GetWorkspaceByInviteCode(ctx, inviteCode)
	if err != nil {
		return wsdomain.Workspace{}, err
	}
	if w.IsMember(userID) {
		return w, ErrAlreadyMember
	}

	w.Members = append(w.Members, wsdomain.Member{UserID: userID, Role: wsdomain.RoleMember, JoinedAt: time.Now().UTC()})
	updated, err := s.store.UpdateWorkspace(ctx, w)
	if err != nil {
		return wsdomain.Workspace{}, err
	}
	if err := s.snapshotLocked(ctx); err != nil {
		s.log.WithError(err).Warn("workspace snapshot write failed after join")
	}
	s.log.WithField("workspace_id", updated.ID).WithField("user_id", userID).Info("user joined workspace")
	return updated, nil
}

// Leave removes userID from the workspace. The owner cannot leave without
// first transferring ownership.
func (s *Service) Leave(ctx context.Context, workspaceID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if w.OwnerID == userID {
		return ErrOwnerCannotLeave
	}
	if !w.IsMember(userID) {
		return ErrNotMember
	}

	remaining := w.Members[:0]
	for _, m := range w.Members {
		if m.UserID != userID {
			remaining = append(remaining, m)
		}
	}
	w.Members = remaining

	if _, err := s.store.UpdateWorkspace(ctx, w); err != nil {
		return err
	}
	return s.snapshotLocked(ctx)
}

// Delete removes a workspace. Only the owner may delete it.
func (s *Service) Delete(ctx context.Context, workspaceID, callerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if w.OwnerID != callerID {
		return ErrForbidden
	}
	if err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	return s.snapshotLocked(ctx)
}

// RegenerateInviteCode issues a fresh invite code. The owner or an admin
// member may perform this.
func (s *Service) RegenerateInviteCode(ctx context.Context, workspaceID, callerID string) (wsdomain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return wsdomain.Workspace{}, err
	}
	role, ok := w.MemberRole(callerID)
	if !ok || (role != wsdomain.RoleOwner && role != wsdomain.RoleAdmin) {
		return wsdomain.Workspace{}, ErrForbidden
	}

	code, err := s.generateUniqueInviteCodeLocked(ctx)
	if err != nil {
		return wsdomain.Workspace{}, err
	}
	w.InviteCode = code

	updated, err := s.store.UpdateWorkspace(ctx, w)
	if err != nil {
		return wsdomain.Workspace{}, err
	}
	if err := s.snapshotLocked(ctx); err != nil {
		s.log.WithError(err).Warn("workspace snapshot write failed after invite regeneration")
	}
	return updated, nil
}

// ListMembers returns a workspace's member list.
func (s *Service) ListMembers(ctx context.Context, workspaceID string) ([]wsdomain.Member, error) {
	w, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return w.Members, nil
}

// SetRole changes a member's role. Only the owner or an admin may call this;
// the owner's own role can never be changed, and there is no
// ownership-transfer operation.
func (s *Service) SetRole(ctx context.Context, workspaceID, callerID, targetUserID string, role wsdomain.Role) (wsdomain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return wsdomain.Workspace{}, err
	}
	callerRole, ok := w.MemberRole(callerID)
	if !ok || (callerRole != wsdomain.RoleOwner && callerRole != wsdomain.RoleAdmin) {
		return wsdomain.Workspace{}, ErrForbidden
	}
	if targetUserID == w.OwnerID {
		return wsdomain.Workspace{}, ErrForbidden
	}
	if role != wsdomain.RoleAdmin && role != wsdomain.RoleMember {
		return wsdomain.Workspace{}, fmt.Errorf("invalid role %q", role)
	}

	found := false
	for i := range w.Members {
		if w.Members[i].UserID == targetUserID {
			w.Members[i].Role = role
			found = true
			break
		}
	}
	if !found {
		return wsdomain.Workspace{}, ErrNotMember
	}

	updated, err := s.store.UpdateWorkspace(ctx, w)
	if err != nil {
		return wsdomain.Workspace{}, err
	}
	if err := s.snapshotLocked(ctx); err != nil {
		s.log.WithError(err).Warn("workspace snapshot write failed after role change")
	}
	return updated, nil
}

func (s *Service) generateUniqueInviteCodeLocked(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 20; attempt++ {
		code, err := randomInviteCode()
		if err != nil {
			return "", err
		}
		exists, err := s.store.InviteCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique invite code after repeated attempts")
}

func randomInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, inviteCodeLength)
	for i, b := range buf {
		out[i] = inviteAlphabet[int(b)%len(inviteAlphabet)]
	}
	return string(out), nil
}

// snapshotFile is the on-disk shape of workspaces.json.
type snapshotFile struct {
	Workspaces []wsdomain.Workspace `json:"workspaces"`
}

// snapshotLocked serializes the full in-memory state and writes it
// atomically (write temp + rename). Called with s.mu held.
func (s *Service) snapshotLocked(ctx context.Context) error {
	if s.snapshotPath == "" {
		return nil
	}
	workspaces, err := s.store.ListWorkspacesForUser(ctx, "")
	if err != nil {
		return fmt.Errorf("list workspaces for snapshot: %w", err)
	}

	data, err := json.MarshalIndent(snapshotFile{Workspaces: workspaces}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".workspaces-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// LoadSnapshot restores workspace state from the configured snapshot file,
// if it exists. Called once at startup before the HTTP and node surfaces
// come up.
func (s *Service) LoadSnapshot(ctx context.Context) error {
	if s.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range snap.Workspaces {
		if _, err := s.store.CreateWorkspace(ctx, w); err != nil {
			s.log.WithError(err).WithField("workspace_id", w.ID).Warn("failed to restore workspace from snapshot")
		}
	}
	return nil
}
