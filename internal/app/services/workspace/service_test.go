package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/r3e-network/fleet-orchestrator/internal/app/storage/memory"
)

func newTestService() *Service {
	return New(memory.NewWorkspaceStore(), "", nil)
}

func TestCreateAndJoin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	w, err := svc.Create(ctx, "team-a", "owner-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(w.InviteCode) != inviteCodeLength {
		t.Fatalf("expected invite code of length %d, got %q", inviteCodeLength, w.InviteCode)
	}
	if role, ok := w.MemberRole("owner-1"); !ok || role != "owner" {
		t.Fatalf("expected owner-1 to be owner, got %v %v", role, ok)
	}

	joined, err := svc.Join(ctx, w.InviteCode, "member-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !joined.IsMember("member-1") {
		t.Fatalf("expected member-1 to be a member after join")
	}
}

func TestJoinIsIdempotentForExistingMembers(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	w, _ := svc.Create(ctx, "team-b", "owner-2")
	if _, err := svc.Join(ctx, w.InviteCode, "owner-2"); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
}

func TestOwnerCannotLeave(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	w, _ := svc.Create(ctx, "team-c", "owner-3")
	if err := svc.Leave(ctx, w.ID, "owner-3"); !errors.Is(err, ErrOwnerCannotLeave) {
		t.Fatalf("expected ErrOwnerCannotLeave, got %v", err)
	}
}

func TestOnlyOwnerCanDelete(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	w, _ := svc.Create(ctx, "team-d", "owner-4")
	svc.Join(ctx, w.InviteCode, "member-2")

	if err := svc.Delete(ctx, w.ID, "member-2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner delete, got %v", err)
	}
	if err := svc.Delete(ctx, w.ID, "owner-4"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := svc.Get(ctx, w.ID); err == nil {
		t.Fatalf("expected workspace to be gone after delete")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	snapshotPath := filepath.Join(t.TempDir(), "nested", "workspaces.json")

	svc := New(memory.NewWorkspaceStore(), snapshotPath, nil)
	w, err := svc.Create(ctx, "team-e", "owner-5")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Join(ctx, w.InviteCode, "member-3"); err != nil {
		t.Fatalf("join: %v", err)
	}

	restored := New(memory.NewWorkspaceStore(), snapshotPath, nil)
	if err := restored.LoadSnapshot(ctx); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	got, err := restored.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get after restore: %v", err)
	}
	if got.Name != "team-e" || got.OwnerID != "owner-5" {
		t.Fatalf("restored workspace mismatch: %+v", got)
	}
	if !got.IsMember("member-3") {
		t.Fatalf("expected member-3 to be restored as a member")
	}
}
