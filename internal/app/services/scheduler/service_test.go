package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/capability"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/job"
	paymentsvc "github.com/r3e-network/fleet-orchestrator/internal/app/services/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/registry"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage/memory"
)

type fakeDispatcher struct {
	assignments   int
	cancels       int
	assignedOrder []string
}

func (f *fakeDispatcher) SendJobAssignment(nodeID string, j job.Job) error {
	f.assignments++
	f.assignedOrder = append(f.assignedOrder, j.ID)
	return nil
}

func (f *fakeDispatcher) SendCancelJob(nodeID, jobID string) error {
	f.cancels++
	return nil
}

func newTestScheduler(t *testing.T) (*Service, *memory.Store, *paymentsvc.Service, *registry.Service, *fakeDispatcher) {
	t.Helper()
	store := memory.New()
	payments := paymentsvc.New(store, store, nil)
	reg := registry.New(store, nil, nil)
	dispatch := &fakeDispatcher{}
	return New(store, payments, reg, dispatch, nil), store, payments, reg, dispatch
}

func basicRequirements() capability.Requirements {
	return capability.Requirements{MaxCostCents: 500}
}

func registerTestNode(t *testing.T, ctx context.Context, reg *registry.Service) string {
	t.Helper()
	n, err := reg.Register(ctx, capability.Descriptor{Docker: true, CPU: capability.CPU{Cores: 16}}, "", nil, "", nil)
	if err != nil {
		t.Fatalf("register node: %v", err)
	}
	return n.ID
}

func TestSubmitAndDispatch(t *testing.T) {
	ctx := context.Background()
	sched, store, payments, reg, dispatch := newTestScheduler(t)

	acct, err := payments.GetOrCreateAccount(ctx, "client-1", "usd")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := payments.TestCredit(ctx, acct.ID, 10000); err != nil {
		t.Fatalf("test credit: %v", err)
	}

	nodeID := registerTestNode(t, ctx, reg)

	j, err := sched.Submit(ctx, "client-1", basicRequirements(), map[string]any{"type": "inference"}, acct.ID, "", 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if j.Status != job.StatusPending {
		t.Fatalf("expected pending job, got %s", j.Status)
	}

	sched.tick(ctx)

	updated, err := store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if updated.Status != job.StatusAssigned {
		t.Fatalf("expected job assigned after tick, got %s", updated.Status)
	}
	if updated.AssignedNodeID != nodeID {
		t.Fatalf("expected assigned node %s, got %s", nodeID, updated.AssignedNodeID)
	}
	if dispatch.assignments != 1 {
		t.Fatalf("expected 1 dispatched assignment, got %d", dispatch.assignments)
	}
}

func TestInsufficientFundsBlocksAdmission(t *testing.T) {
	ctx := context.Background()
	sched, _, payments, _, _ := newTestScheduler(t)

	acct, _ := payments.GetOrCreateAccount(ctx, "poor", "usd")
	payments.TestCredit(ctx, acct.ID, 100)

	_, err := sched.Submit(ctx, "poor", basicRequirements(), nil, acct.ID, "", 0, 0)
	if !errors.Is(err, paymentsvc.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestRetryThenFail(t *testing.T) {
	ctx := context.Background()
	sched, store, payments, reg, _ := newTestScheduler(t)

	acct, _ := payments.GetOrCreateAccount(ctx, "client-2", "usd")
	payments.TestCredit(ctx, acct.ID, 1000)
	registerTestNode(t, ctx, reg)

	j, err := sched.Submit(ctx, "client-2", basicRequirements(), nil, acct.ID, "", 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sched.tick(ctx)

	for i := 0; i < 2; i++ {
		if err := sched.Fail(ctx, j.ID, "boom"); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		updated, _ := store.GetJob(ctx, j.ID)
		if updated.Status != job.StatusPending {
			t.Fatalf("expected retry %d to requeue job, got %s", i, updated.Status)
		}
		sched.tick(ctx)
	}

	if err := sched.Fail(ctx, j.ID, "boom"); err != nil {
		t.Fatalf("final fail: %v", err)
	}
	final, _ := store.GetJob(ctx, j.ID)
	if final.Status != job.StatusFailed {
		t.Fatalf("expected terminal failure after exhausting retries, got %s", final.Status)
	}

	account, _ := payments.GetAccount(ctx, acct.ID)
	if account.BalanceCents != 1000 {
		t.Fatalf("expected hold fully refunded, balance got %d", account.BalanceCents)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sched, _, payments, _, _ := newTestScheduler(t)

	acct, _ := payments.GetOrCreateAccount(ctx, "client-3", "usd")
	payments.TestCredit(ctx, acct.ID, 1000)

	j, err := sched.Submit(ctx, "client-3", basicRequirements(), nil, acct.ID, "", 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := sched.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := sched.Cancel(ctx, j.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal on double cancel, got %v", err)
	}

	account, _ := payments.GetAccount(ctx, acct.ID)
	if account.BalanceCents != 1000 {
		t.Fatalf("expected refund on cancel, balance got %d", account.BalanceCents)
	}
}

func TestCompleteAfterCancelIsDiscarded(t *testing.T) {
	ctx := context.Background()
	sched, store, payments, reg, _ := newTestScheduler(t)

	acct, _ := payments.GetOrCreateAccount(ctx, "client-4", "usd")
	payments.TestCredit(ctx, acct.ID, 1000)
	nodeAcct, _ := payments.GetOrCreateAccount(ctx, "node-4", "usd")
	registerTestNode(t, ctx, reg)

	j, err := sched.Submit(ctx, "client-4", basicRequirements(), nil, acct.ID, "", 0, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sched.tick(ctx)

	if err := sched.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A result arriving after cancellation must be discarded: the job
	// stays cancelled and the node account is never credited.
	if err := sched.Complete(ctx, j.ID, job.Result{Success: true, ActualCostCents: 300}, nodeAcct.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	final, _ := store.GetJob(ctx, j.ID)
	if final.Status != job.StatusCancelled {
		t.Fatalf("expected job to remain cancelled, got %s", final.Status)
	}
	account, _ := payments.GetAccount(ctx, nodeAcct.ID)
	if account.BalanceCents != 0 {
		t.Fatalf("expected node account uncredited, got %d", account.BalanceCents)
	}
}

func TestDispatchOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	sched, _, payments, reg, dispatch := newTestScheduler(t)

	acct, _ := payments.GetOrCreateAccount(ctx, "client-5", "usd")
	payments.TestCredit(ctx, acct.ID, 10000)
	registerTestNode(t, ctx, reg)

	low, err := sched.Submit(ctx, "client-5", basicRequirements(), nil, acct.ID, "", 0, 0)
	if err != nil {
		t.Fatalf("submit low priority: %v", err)
	}
	high, err := sched.Submit(ctx, "client-5", basicRequirements(), nil, acct.ID, "", 0, 5)
	if err != nil {
		t.Fatalf("submit high priority: %v", err)
	}

	sched.tick(ctx)

	if len(dispatch.assignedOrder) != 2 {
		t.Fatalf("expected both jobs dispatched, got %d", len(dispatch.assignedOrder))
	}
	if dispatch.assignedOrder[0] != high.ID || dispatch.assignedOrder[1] != low.ID {
		t.Fatalf("expected high priority job dispatched before low priority one, got order %v", dispatch.assignedOrder)
	}
}
