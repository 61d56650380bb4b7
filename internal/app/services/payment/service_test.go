package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/r3e-network/fleet-orchestrator/internal/app/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, store, nil), store
}

func TestHoldSettleHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	client, err := svc.GetOrCreateAccount(ctx, "client-wallet", "usd")
	if err != nil {
		t.Fatalf("create client account: %v", err)
	}
	if _, err := svc.TestCredit(ctx, client.ID, 10000); err != nil {
		t.Fatalf("test credit: %v", err)
	}
	node, err := svc.GetOrCreateAccount(ctx, "node-wallet", "usd")
	if err != nil {
		t.Fatalf("create node account: %v", err)
	}

	hold, err := svc.Hold(ctx, client.ID, 500, "job-1")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	afterHold, err := svc.GetAccount(ctx, client.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if afterHold.BalanceCents != 9500 {
		t.Fatalf("expected 9500 after hold, got %d", afterHold.BalanceCents)
	}

	if _, err := svc.Settle(ctx, hold.ID, node.ID, 400); err != nil {
		t.Fatalf("settle: %v", err)
	}

	finalClient, _ := svc.GetAccount(ctx, client.ID)
	finalNode, _ := svc.GetAccount(ctx, node.ID)
	finalPlatform, _ := svc.GetAccount(ctx, "platform")

	if finalClient.BalanceCents != 9600 {
		t.Fatalf("expected client balance 9600, got %d", finalClient.BalanceCents)
	}
	if finalNode.BalanceCents != 380 {
		t.Fatalf("expected node balance 380, got %d", finalNode.BalanceCents)
	}
	if finalPlatform.BalanceCents != 20 {
		t.Fatalf("expected platform balance 20, got %d", finalPlatform.BalanceCents)
	}

	if _, err := svc.Settle(ctx, hold.ID, node.ID, 100); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double settle, got %v", err)
	}
}

func TestHoldInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	acct, err := svc.GetOrCreateAccount(ctx, "poor-wallet", "usd")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := svc.TestCredit(ctx, acct.ID, 100); err != nil {
		t.Fatalf("test credit: %v", err)
	}

	if _, err := svc.Hold(ctx, acct.ID, 500, "job-2"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	after, _ := svc.GetAccount(ctx, acct.ID)
	if after.BalanceCents != 100 {
		t.Fatalf("balance must be unchanged after failed hold, got %d", after.BalanceCents)
	}
}

func TestSettleCapsAtHoldAmount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	client, _ := svc.GetOrCreateAccount(ctx, "client-2", "usd")
	svc.TestCredit(ctx, client.ID, 1000)
	node, _ := svc.GetOrCreateAccount(ctx, "node-2", "usd")

	hold, err := svc.Hold(ctx, client.ID, 500, "job-3")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	// actual_cost_cents reported by the node exceeds the hold; the engine
	// must cap settlement at the held amount rather than overdraw.
	if _, err := svc.Settle(ctx, hold.ID, node.ID, 5000); err != nil {
		t.Fatalf("settle: %v", err)
	}

	finalClient, _ := svc.GetAccount(ctx, client.ID)
	finalNode, _ := svc.GetAccount(ctx, node.ID)
	finalPlatform, _ := svc.GetAccount(ctx, "platform")

	total := finalNode.BalanceCents + finalPlatform.BalanceCents + (1000 - finalClient.BalanceCents - 500)
	if finalClient.BalanceCents != 500 {
		t.Fatalf("client should not be charged beyond the hold, got balance %d", finalClient.BalanceCents)
	}
	if total < 0 {
		t.Fatalf("sanity check on settlement totals failed")
	}
	if finalNode.BalanceCents+finalPlatform.BalanceCents != 500 {
		t.Fatalf("node+platform credit must equal the capped hold amount, got %d", finalNode.BalanceCents+finalPlatform.BalanceCents)
	}
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	acct, _ := svc.GetOrCreateAccount(ctx, "refund-wallet", "usd")
	svc.TestCredit(ctx, acct.ID, 1000)

	hold, err := svc.Hold(ctx, acct.ID, 300, "job-4")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	if _, err := svc.Refund(ctx, hold.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}

	after, _ := svc.GetAccount(ctx, acct.ID)
	if after.BalanceCents != 1000 {
		t.Fatalf("expected full refund to restore balance to 1000, got %d", after.BalanceCents)
	}

	if _, err := svc.Refund(ctx, hold.ID); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double refund, got %v", err)
	}
}

func TestZeroCostHoldSettlesToZero(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	acct, _ := svc.GetOrCreateAccount(ctx, "zero-wallet", "usd")
	svc.TestCredit(ctx, acct.ID, 1000)
	node, _ := svc.GetOrCreateAccount(ctx, "zero-node", "usd")

	hold, err := svc.Hold(ctx, acct.ID, 0, "job-5")
	if err != nil {
		t.Fatalf("zero-cost hold should be admitted: %v", err)
	}

	if _, err := svc.Settle(ctx, hold.ID, node.ID, 0); err != nil {
		t.Fatalf("settle: %v", err)
	}

	after, _ := svc.GetAccount(ctx, acct.ID)
	if after.BalanceCents != 1000 {
		t.Fatalf("zero-cost hold should leave balance unchanged, got %d", after.BalanceCents)
	}
}
