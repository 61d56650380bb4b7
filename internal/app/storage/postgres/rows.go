package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/capability"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/job"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/node"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/user"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/workspace"
)

// Row types translate between the domain package's JSON-tagged structs and
// the column names/nullability of the schema; sqlx scans into these rather
// than the domain types directly so nothing storage-specific leaks into the
// domain packages the memory store also depends on.

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func resultJSON(r *job.Result) []byte {
	if r == nil {
		return nil
	}
	b, _ := json.Marshal(r)
	return b
}

type holdRow struct {
	ID              string         `db:"id"`
	SourceAccountID string         `db:"source_account_id"`
	DestAccountID   sql.NullString `db:"dest_account_id"`
	AmountCents     int64          `db:"amount_cents"`
	Currency        string         `db:"currency"`
	JobID           string         `db:"job_id"`
	Status          string         `db:"status"`
	CreatedAt       time.Time      `db:"created_at"`
	ResolvedAt      sql.NullTime   `db:"resolved_at"`
}

func (r holdRow) toDomain() payment.Hold {
	return payment.Hold{
		ID:              r.ID,
		SourceAccountID: r.SourceAccountID,
		DestAccountID:   r.DestAccountID.String,
		AmountCents:     r.AmountCents,
		Currency:        r.Currency,
		JobID:           r.JobID,
		Status:          payment.HoldStatus(r.Status),
		CreatedAt:       r.CreatedAt,
		ResolvedAt:      r.ResolvedAt.Time,
	}
}

type depositRow struct {
	ID          string       `db:"id"`
	AccountID   string       `db:"account_id"`
	AmountCents int64        `db:"amount_cents"`
	Currency    string       `db:"currency"`
	Confirmed   bool         `db:"confirmed"`
	CreatedAt   time.Time    `db:"created_at"`
	ConfirmedAt sql.NullTime `db:"confirmed_at"`
}

func (r depositRow) toDomain() payment.Deposit {
	return payment.Deposit{
		ID:          r.ID,
		AccountID:   r.AccountID,
		AmountCents: r.AmountCents,
		Currency:    r.Currency,
		Confirmed:   r.Confirmed,
		CreatedAt:   r.CreatedAt,
		ConfirmedAt: r.ConfirmedAt.Time,
	}
}

type nodeRow struct {
	ID             string         `db:"id"`
	Capabilities   []byte         `db:"capabilities"`
	ReconnectToken string         `db:"reconnect_token"`
	Available      bool           `db:"available"`
	CurrentJobs    int            `db:"current_jobs"`
	LastHeartbeat  time.Time      `db:"last_heartbeat"`
	Reputation     int            `db:"reputation"`
	OwnerUserID    sql.NullString `db:"owner_user_id"`
	WorkspaceIDs   []byte         `db:"workspace_ids"`
	CreatedAt      time.Time      `db:"created_at"`
	Version        string         `db:"version"`
	Labels         []byte         `db:"labels"`
	ConnectedAt    sql.NullTime   `db:"connected_at"`
}

func (r nodeRow) toDomain() (node.Node, error) {
	var caps capability.Descriptor
	if len(r.Capabilities) > 0 {
		if err := json.Unmarshal(r.Capabilities, &caps); err != nil {
			return node.Node{}, err
		}
	}
	var wsList []string
	if len(r.WorkspaceIDs) > 0 {
		if err := json.Unmarshal(r.WorkspaceIDs, &wsList); err != nil {
			return node.Node{}, err
		}
	}
	ws := make(map[string]struct{}, len(wsList))
	for _, id := range wsList {
		ws[id] = struct{}{}
	}
	var labels map[string]string
	if len(r.Labels) > 0 {
		if err := json.Unmarshal(r.Labels, &labels); err != nil {
			return node.Node{}, err
		}
	}
	return node.Node{
		ID:             r.ID,
		Capabilities:   caps,
		ReconnectToken: r.ReconnectToken,
		Available:      r.Available,
		CurrentJobs:    r.CurrentJobs,
		LastHeartbeat:  r.LastHeartbeat,
		Reputation:     r.Reputation,
		OwnerUserID:    r.OwnerUserID.String,
		WorkspaceIDs:   ws,
		CreatedAt:      r.CreatedAt,
		Version:        r.Version,
		Labels:         labels,
		ConnectedAt:    r.ConnectedAt.Time,
	}, nil
}

const jobSelect = `
	SELECT id, client_id, workspace_id, requirements, payload, status, assigned_node_id,
	       created_at, started_at, completed_at, retries, max_retries, timeout_seconds,
	       hold_id, account_id, result, priority, last_error
	FROM app_jobs`

type jobRow struct {
	ID             string         `db:"id"`
	ClientID       string         `db:"client_id"`
	WorkspaceID    sql.NullString `db:"workspace_id"`
	Requirements   []byte         `db:"requirements"`
	Payload        []byte         `db:"payload"`
	Status         string         `db:"status"`
	AssignedNodeID sql.NullString `db:"assigned_node_id"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	Retries        int            `db:"retries"`
	MaxRetries     int            `db:"max_retries"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	HoldID         sql.NullString `db:"hold_id"`
	AccountID      sql.NullString `db:"account_id"`
	Result         []byte         `db:"result"`
	Priority       int            `db:"priority"`
	LastError      sql.NullString `db:"last_error"`
}

func (r jobRow) toDomain() (job.Job, error) {
	var req capability.Requirements
	if len(r.Requirements) > 0 {
		if err := json.Unmarshal(r.Requirements, &req); err != nil {
			return job.Job{}, err
		}
	}
	var payload map[string]any
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return job.Job{}, err
		}
	}
	var result *job.Result
	if len(r.Result) > 0 {
		result = &job.Result{}
		if err := json.Unmarshal(r.Result, result); err != nil {
			return job.Job{}, err
		}
	}
	return job.Job{
		ID:             r.ID,
		ClientID:       r.ClientID,
		WorkspaceID:    r.WorkspaceID.String,
		Requirements:   req,
		Payload:        payload,
		Status:         job.Status(r.Status),
		AssignedNodeID: r.AssignedNodeID.String,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt.Time,
		CompletedAt:    r.CompletedAt.Time,
		Retries:        r.Retries,
		MaxRetries:     r.MaxRetries,
		TimeoutSeconds: r.TimeoutSeconds,
		HoldID:         r.HoldID.String,
		AccountID:      r.AccountID.String,
		Result:         result,
		Priority:       r.Priority,
		LastError:      r.LastError.String,
	}, nil
}

func jobRowsToDomain(rows []jobRow) ([]job.Job, error) {
	out := make([]job.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

type workspaceRow struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	OwnerID    string    `db:"owner_id"`
	InviteCode string    `db:"invite_code"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r workspaceRow) toDomain() workspace.Workspace {
	return workspace.Workspace{
		ID:         r.ID,
		Name:       r.Name,
		OwnerID:    r.OwnerID,
		InviteCode: r.InviteCode,
		CreatedAt:  r.CreatedAt,
	}
}

type accountRow struct {
	ID           string    `db:"id"`
	WalletID     string    `db:"wallet_id"`
	Currency     string    `db:"currency"`
	BalanceCents int64     `db:"balance_cents"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r accountRow) toDomain() payment.Account {
	return payment.Account{
		ID:           r.ID,
		WalletID:     r.WalletID,
		Currency:     r.Currency,
		BalanceCents: r.BalanceCents,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type userRow struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r userRow) toDomain() user.User {
	return user.User{ID: r.ID, Username: r.Username, PasswordHash: r.PasswordHash, CreatedAt: r.CreatedAt}
}

type sessionRow struct {
	Token     string    `db:"token"`
	UserID    string    `db:"user_id"`
	Username  string    `db:"username"`
	IssuedAt  time.Time `db:"issued_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

func (r sessionRow) toDomain() user.Session {
	return user.Session{Token: r.Token, UserID: r.UserID, Username: r.Username, IssuedAt: r.IssuedAt, ExpiresAt: r.ExpiresAt}
}

type memberRow struct {
	UserID   string    `db:"user_id"`
	Role     string    `db:"role"`
	JoinedAt time.Time `db:"joined_at"`
}

func (r memberRow) toDomain() workspace.Member {
	return workspace.Member{UserID: r.UserID, Role: workspace.Role(r.Role), JoinedAt: r.JoinedAt}
}
