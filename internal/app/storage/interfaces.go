// Package storage declares the persistence boundary for the orchestrator.
// Every store is context-first CRUD over a single domain type, mirroring
// the shape the service layer is built on so in-memory and Postgres-backed
// implementations are interchangeable.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/job"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/node"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/user"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/workspace"
)

// ErrNotFound is returned by any store lookup that misses.
var ErrNotFound = errors.New("storage: not found")

// AccountStore persists ledger accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct payment.Account) (payment.Account, error)
	UpdateAccount(ctx context.Context, acct payment.Account) (payment.Account, error)
	GetAccount(ctx context.Context, id string) (payment.Account, error)
	GetAccountByWallet(ctx context.Context, wallet string) (payment.Account, error)
	ListAccounts(ctx context.Context) ([]payment.Account, error)
}

// PaymentStore persists escrow hold records and deposit instructions.
type PaymentStore interface {
	CreateHold(ctx context.Context, hold payment.Hold) (payment.Hold, error)
	UpdateHold(ctx context.Context, hold payment.Hold) (payment.Hold, error)
	GetHold(ctx context.Context, id string) (payment.Hold, error)
	ListHoldsByJob(ctx context.Context, jobID string) ([]payment.Hold, error)

	CreateDeposit(ctx context.Context, dep payment.Deposit) (payment.Deposit, error)
	UpdateDeposit(ctx context.Context, dep payment.Deposit) (payment.Deposit, error)
	GetDeposit(ctx context.Context, id string) (payment.Deposit, error)
}

// NodeStore persists the node registry.
type NodeStore interface {
	UpsertNode(ctx context.Context, n node.Node) (node.Node, error)
	GetNode(ctx context.Context, id string) (node.Node, error)
	GetNodeByReconnectToken(ctx context.Context, token string) (node.Node, error)
	ListNodes(ctx context.Context) ([]node.Node, error)
	DeleteNode(ctx context.Context, id string) error
}

// JobStore persists jobs and exposes the pending queue.
type JobStore interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	UpdateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	ListJobs(ctx context.Context, clientID string) ([]job.Job, error)
	ListPending(ctx context.Context) ([]job.Job, error)
	ListByNode(ctx context.Context, nodeID string) ([]job.Job, error)
	ListTerminalBefore(ctx context.Context, before time.Time) ([]job.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// WorkspaceStore persists workspace membership and invite codes. The
// in-memory implementation keeps them in a map, and workspace.Service
// writes the single JSON snapshot file of SPEC_FULL's persistence section
// on top of it; Postgres-backed deployments use a real table instead.
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, w workspace.Workspace) (workspace.Workspace, error)
	UpdateWorkspace(ctx context.Context, w workspace.Workspace) (workspace.Workspace, error)
	GetWorkspace(ctx context.Context, id string) (workspace.Workspace, error)
	GetWorkspaceByInviteCode(ctx context.Context, code string) (workspace.Workspace, error)
	ListWorkspacesForUser(ctx context.Context, userID string) ([]workspace.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
	InviteCodeExists(ctx context.Context, code string) (bool, error)
}

// UserStore persists authenticated principals and their bearer sessions.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByUsername(ctx context.Context, username string) (user.User, error)

	CreateSession(ctx context.Context, s user.Session) (user.Session, error)
	GetSession(ctx context.Context, token string) (user.Session, error)
	DeleteSession(ctx context.Context, token string) error
}
