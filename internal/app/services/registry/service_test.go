package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/capability"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage/memory"
)

func basicCaps() capability.Descriptor {
	return capability.Descriptor{Docker: true, CPU: capability.CPU{Cores: 8}}
}

func TestRegisterAndReattach(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, nil, nil)

	n, err := svc.Register(ctx, basicCaps(), "", nil, "", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if n.Reputation != 50 {
		t.Fatalf("expected default reputation 50, got %d", n.Reputation)
	}

	reattached, err := store.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	again, err := svc.Register(ctx, basicCaps(), reattached.ReconnectToken, nil, "", nil)
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if again.ID != n.ID {
		t.Fatalf("expected reattach to reuse node id %s, got %s", n.ID, again.ID)
	}
}

func TestClaimOnceThenAlreadyClaimed(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, nil, nil)

	n, _ := svc.Register(ctx, basicCaps(), "", nil, "", nil)

	if _, err := svc.Claim(ctx, n.ID, "user-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := svc.Claim(ctx, n.ID, "user-2"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestFindNodeOrdersByAvailabilityReputationLoad(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, nil, nil)

	busy, _ := svc.Register(ctx, basicCaps(), "", nil, "", nil)
	if err := svc.Heartbeat(ctx, busy.ID, true, 5); err != nil {
		t.Fatalf("heartbeat busy: %v", err)
	}

	idle, _ := svc.Register(ctx, basicCaps(), "", nil, "", nil)
	if err := svc.Heartbeat(ctx, idle.ID, true, 0); err != nil {
		t.Fatalf("heartbeat idle: %v", err)
	}

	unavailable, _ := svc.Register(ctx, basicCaps(), "", nil, "", nil)
	if err := svc.Heartbeat(ctx, unavailable.ID, false, 0); err != nil {
		t.Fatalf("heartbeat unavailable: %v", err)
	}

	best, found, err := svc.FindNode(ctx, capability.Requirements{CPU: &capability.CPURequirement{MinCores: 4}}, "")
	if err != nil {
		t.Fatalf("find node: %v", err)
	}
	if !found {
		t.Fatalf("expected a match")
	}
	if best.ID != idle.ID {
		t.Fatalf("expected idle node %s to win ordering, got %s", idle.ID, best.ID)
	}
}

func TestAssignRejectsUnavailableNode(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, nil, nil)

	n, _ := svc.Register(ctx, basicCaps(), "", nil, "", nil)
	if err := svc.Heartbeat(ctx, n.ID, false, 0); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if _, err := svc.Assign(ctx, n.ID); err == nil {
		t.Fatalf("expected assign to fail for unavailable node")
	}
}

func TestEvictInvokesOnEvictCallback(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, nil, nil)

	n, _ := svc.Register(ctx, basicCaps(), "", nil, "", nil)

	var evicted string
	svc.OnEvict(func(nodeID string) { evicted = nodeID })

	if err := svc.Evict(ctx, n.ID); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != n.ID {
		t.Fatalf("expected onEvict callback with %s, got %s", n.ID, evicted)
	}
	if _, err := store.GetNode(ctx, n.ID); err == nil {
		t.Fatalf("expected node removed from store after eviction")
	}
}

func TestFindNodeFiltersByRequiredLabels(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, nil, nil)

	svc.Register(ctx, basicCaps(), "", nil, "agent-1.0", map[string]string{"region": "us-east"})
	eu, _ := svc.Register(ctx, basicCaps(), "", nil, "agent-1.0", map[string]string{"region": "eu-west"})

	req := capability.Requirements{RequiredLabels: map[string]string{"region": "eu-west"}}
	best, found, err := svc.FindNode(ctx, req, "")
	if err != nil {
		t.Fatalf("find node: %v", err)
	}
	if !found {
		t.Fatalf("expected a match")
	}
	if best.ID != eu.ID {
		t.Fatalf("expected node %s matching required label, got %s", eu.ID, best.ID)
	}
}
