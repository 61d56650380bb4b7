package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/r3e-network/fleet-orchestrator/internal/app/storage/memory"
)

func newTestService() *Service {
	return New(memory.New(), nil, "test-signing-key", nil)
}

func TestSignupAndLogin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	u, token, expiresAt, err := svc.Signup(ctx, "alice", "hunter2pass")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if u.Username != "alice" {
		t.Fatalf("expected username alice, got %q", u.Username)
	}
	if token == "" || expiresAt.IsZero() {
		t.Fatalf("expected a token and expiry from signup")
	}

	sess, err := svc.Me(ctx, token)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if sess.UserID != u.ID {
		t.Fatalf("expected session for user %s, got %s", u.ID, sess.UserID)
	}

	_, loginToken, _, err := svc.Login(ctx, "alice", "hunter2pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if loginToken == "" {
		t.Fatalf("expected a login token")
	}
}

func TestSignupRejectsDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	if _, _, _, err := svc.Signup(ctx, "bob", "correcthorse"); err != nil {
		t.Fatalf("first signup: %v", err)
	}
	if _, _, _, err := svc.Signup(ctx, "bob", "differentpass"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	svc.Signup(ctx, "carol", "correctpassword")
	if _, _, _, err := svc.Login(ctx, "carol", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, _, err := svc.Login(ctx, "nobody", "whatever1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	_, token, _, err := svc.Signup(ctx, "dave", "longenoughpass")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if err := svc.Logout(ctx, token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Me(ctx, token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired after logout, got %v", err)
	}
}
