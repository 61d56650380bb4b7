// Package postgres implements the storage interfaces over PostgreSQL using
// sqlx for scanning and golang-migrate for schema management. It is the
// durable counterpart to the memory package; both satisfy the same
// interfaces so the application wires whichever is configured without the
// service layer knowing the difference.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/job"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/node"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/user"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/workspace"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
)

// Store implements every storage interface backed by a single PostgreSQL
// connection pool.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.AccountStore   = (*Store)(nil)
	_ storage.PaymentStore   = (*Store)(nil)
	_ storage.NodeStore      = (*Store)(nil)
	_ storage.JobStore       = (*Store)(nil)
	_ storage.WorkspaceStore = (*Store)(nil)
	_ storage.UserStore      = (*Store)(nil)
)

// New wraps an already-open database handle. Callers typically obtain db
// via Open.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// openRetryPolicy tolerates the database not being reachable yet on the
// first few connection attempts, e.g. in a compose/k8s startup race against
// the Postgres container.
var openRetryPolicy = core.RetryPolicy{
	Attempts:       5,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
}

// Open connects to dsn, applies pending migrations, and returns a ready
// Store. The connection attempt is retried with backoff per
// openRetryPolicy before giving up.
func Open(dsn string) (*Store, error) {
	var db *sqlx.DB
	err := core.Retry(context.Background(), openRetryPolicy, func() error {
		conn, connErr := sqlx.Connect("postgres", dsn)
		if connErr != nil {
			return connErr
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct payment.Account) (payment.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt, acct.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_accounts (id, wallet_id, currency, balance_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, acct.ID, acct.WalletID, acct.Currency, acct.BalanceCents, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return payment.Account{}, err
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct payment.Account) (payment.Account, error) {
	acct.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_accounts
		SET balance_cents = $2, updated_at = $3
		WHERE id = $1
	`, acct.ID, acct.BalanceCents, acct.UpdatedAt)
	if err != nil {
		return payment.Account{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return payment.Account{}, storage.ErrNotFound
	}
	return s.GetAccount(ctx, acct.ID)
}

func (s *Store) GetAccount(ctx context.Context, id string) (payment.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, wallet_id, currency, balance_cents, created_at, updated_at
		FROM app_accounts WHERE id = $1
	`, id)
	if err != nil {
		return payment.Account{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetAccountByWallet(ctx context.Context, wallet string) (payment.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, wallet_id, currency, balance_cents, created_at, updated_at
		FROM app_accounts WHERE wallet_id = $1
	`, wallet)
	if err != nil {
		return payment.Account{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]payment.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, wallet_id, currency, balance_cents, created_at, updated_at
		FROM app_accounts ORDER BY created_at
	`); err != nil {
		return nil, err
	}
	out := make([]payment.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// --- PaymentStore -----------------------------------------------------------

func (s *Store) CreateHold(ctx context.Context, hold payment.Hold) (payment.Hold, error) {
	if hold.ID == "" {
		hold.ID = uuid.NewString()
	}
	hold.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_holds (id, source_account_id, dest_account_id, amount_cents, currency, job_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, hold.ID, hold.SourceAccountID, nullString(hold.DestAccountID), hold.AmountCents, hold.Currency, hold.JobID, hold.Status, hold.CreatedAt)
	if err != nil {
		return payment.Hold{}, err
	}
	return hold, nil
}

func (s *Store) UpdateHold(ctx context.Context, hold payment.Hold) (payment.Hold, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_holds
		SET dest_account_id = $2, status = $3, resolved_at = $4
		WHERE id = $1
	`, hold.ID, nullString(hold.DestAccountID), hold.Status, nullTime(hold.ResolvedAt))
	if err != nil {
		return payment.Hold{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return payment.Hold{}, storage.ErrNotFound
	}
	return s.GetHold(ctx, hold.ID)
}

func (s *Store) GetHold(ctx context.Context, id string) (payment.Hold, error) {
	var row holdRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, source_account_id, dest_account_id, amount_cents, currency, job_id, status, created_at, resolved_at
		FROM app_holds WHERE id = $1
	`, id)
	if err != nil {
		return payment.Hold{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListHoldsByJob(ctx context.Context, jobID string) ([]payment.Hold, error) {
	var rows []holdRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, source_account_id, dest_account_id, amount_cents, currency, job_id, status, created_at, resolved_at
		FROM app_holds WHERE job_id = $1 ORDER BY created_at
	`, jobID); err != nil {
		return nil, err
	}
	out := make([]payment.Hold, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) CreateDeposit(ctx context.Context, dep payment.Deposit) (payment.Deposit, error) {
	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	dep.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_deposits (id, account_id, amount_cents, currency, confirmed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, dep.ID, dep.AccountID, dep.AmountCents, dep.Currency, dep.Confirmed, dep.CreatedAt)
	if err != nil {
		return payment.Deposit{}, err
	}
	return dep, nil
}

func (s *Store) UpdateDeposit(ctx context.Context, dep payment.Deposit) (payment.Deposit, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_deposits SET confirmed = $2, confirmed_at = $3 WHERE id = $1
	`, dep.ID, dep.Confirmed, nullTime(dep.ConfirmedAt))
	if err != nil {
		return payment.Deposit{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return payment.Deposit{}, storage.ErrNotFound
	}
	return s.GetDeposit(ctx, dep.ID)
}

func (s *Store) GetDeposit(ctx context.Context, id string) (payment.Deposit, error) {
	var row depositRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, amount_cents, currency, confirmed, created_at, confirmed_at
		FROM app_deposits WHERE id = $1
	`, id)
	if err != nil {
		return payment.Deposit{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

// --- NodeStore ---------------------------------------------------------------

const nodeSelect = `
	SELECT id, capabilities, reconnect_token, available, current_jobs, last_heartbeat, reputation,
	       owner_user_id, workspace_ids, created_at, version, labels, connected_at
	FROM app_nodes`

func (s *Store) UpsertNode(ctx context.Context, n node.Node) (node.Node, error) {
	capJSON, err := json.Marshal(n.Capabilities)
	if err != nil {
		return node.Node{}, err
	}
	wsJSON, err := json.Marshal(n.WorkspaceIDList())
	if err != nil {
		return node.Node{}, err
	}
	labelsJSON, err := json.Marshal(n.Labels)
	if err != nil {
		return node.Node{}, err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_nodes (id, capabilities, reconnect_token, available, current_jobs, last_heartbeat, reputation, owner_user_id, workspace_ids, created_at, version, labels, connected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			reconnect_token = EXCLUDED.reconnect_token,
			available = EXCLUDED.available,
			current_jobs = EXCLUDED.current_jobs,
			last_heartbeat = EXCLUDED.last_heartbeat,
			reputation = EXCLUDED.reputation,
			owner_user_id = EXCLUDED.owner_user_id,
			workspace_ids = EXCLUDED.workspace_ids,
			version = EXCLUDED.version,
			labels = EXCLUDED.labels,
			connected_at = EXCLUDED.connected_at
	`, n.ID, capJSON, n.ReconnectToken, n.Available, n.CurrentJobs, n.LastHeartbeat, n.Reputation, nullString(n.OwnerUserID), wsJSON, n.CreatedAt, n.Version, labelsJSON, nullTime(n.ConnectedAt))
	if err != nil {
		return node.Node{}, err
	}
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (node.Node, error) {
	var row nodeRow
	err := s.db.GetContext(ctx, &row, nodeSelect+` WHERE id = $1`, id)
	if err != nil {
		return node.Node{}, wrapNotFound(err)
	}
	return row.toDomain()
}

func (s *Store) GetNodeByReconnectToken(ctx context.Context, token string) (node.Node, error) {
	var row nodeRow
	err := s.db.GetContext(ctx, &row, nodeSelect+` WHERE reconnect_token = $1`, token)
	if err != nil {
		return node.Node{}, wrapNotFound(err)
	}
	return row.toDomain()
}

func (s *Store) ListNodes(ctx context.Context) ([]node.Node, error) {
	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, nodeSelect+` ORDER BY created_at`); err != nil {
		return nil, err
	}
	out := make([]node.Node, 0, len(rows))
	for _, r := range rows {
		n, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM app_nodes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- JobStore -----------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	reqJSON, err := json.Marshal(j.Requirements)
	if err != nil {
		return job.Job{}, err
	}
	payloadJSON, err := json.Marshal(j.Payload)
	if err != nil {
		return job.Job{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_jobs (id, client_id, workspace_id, requirements, payload, status, assigned_node_id, created_at, started_at, completed_at, retries, max_retries, timeout_seconds, hold_id, account_id, result, priority, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, j.ID, j.ClientID, nullString(j.WorkspaceID), reqJSON, payloadJSON, j.Status, nullString(j.AssignedNodeID),
		j.CreatedAt, nullTime(j.StartedAt), nullTime(j.CompletedAt), j.Retries, j.MaxRetries, j.TimeoutSeconds,
		nullString(j.HoldID), nullString(j.AccountID), resultJSON(j.Result), j.Priority, nullString(j.LastError))
	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) (job.Job, error) {
	reqJSON, err := json.Marshal(j.Requirements)
	if err != nil {
		return job.Job{}, err
	}
	payloadJSON, err := json.Marshal(j.Payload)
	if err != nil {
		return job.Job{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_jobs SET
			workspace_id = $2, requirements = $3, payload = $4, status = $5, assigned_node_id = $6,
			started_at = $7, completed_at = $8, retries = $9, max_retries = $10, timeout_seconds = $11,
			hold_id = $12, account_id = $13, result = $14, priority = $15, last_error = $16
		WHERE id = $1
	`, j.ID, nullString(j.WorkspaceID), reqJSON, payloadJSON, j.Status, nullString(j.AssignedNodeID),
		nullTime(j.StartedAt), nullTime(j.CompletedAt), j.Retries, j.MaxRetries, j.TimeoutSeconds,
		nullString(j.HoldID), nullString(j.AccountID), resultJSON(j.Result), j.Priority, nullString(j.LastError))
	if err != nil {
		return job.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return job.Job{}, storage.ErrNotFound
	}
	return s.GetJob(ctx, j.ID)
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, jobSelect+` WHERE id = $1`, id)
	if err != nil {
		return job.Job{}, wrapNotFound(err)
	}
	return row.toDomain()
}

func (s *Store) ListJobs(ctx context.Context, clientID string) ([]job.Job, error) {
	var rows []jobRow
	var err error
	if clientID == "" {
		err = s.db.SelectContext(ctx, &rows, jobSelect+` ORDER BY created_at DESC`)
	} else {
		err = s.db.SelectContext(ctx, &rows, jobSelect+` WHERE client_id = $1 ORDER BY created_at DESC`, clientID)
	}
	if err != nil {
		return nil, err
	}
	return jobRowsToDomain(rows)
}

func (s *Store) ListPending(ctx context.Context) ([]job.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, jobSelect+` WHERE status = 'pending' ORDER BY created_at`); err != nil {
		return nil, err
	}
	return jobRowsToDomain(rows)
}

func (s *Store) ListByNode(ctx context.Context, nodeID string) ([]job.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, jobSelect+` WHERE assigned_node_id = $1 ORDER BY created_at`, nodeID); err != nil {
		return nil, err
	}
	return jobRowsToDomain(rows)
}

func (s *Store) ListTerminalBefore(ctx context.Context, before time.Time) ([]job.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, jobSelect+`
		WHERE status IN ('completed', 'failed', 'cancelled', 'timeout') AND completed_at < $1
		ORDER BY completed_at
	`, before); err != nil {
		return nil, err
	}
	return jobRowsToDomain(rows)
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM app_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- WorkspaceStore ------------------------------------------------------------

func (s *Store) CreateWorkspace(ctx context.Context, w workspace.Workspace) (workspace.Workspace, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return workspace.Workspace{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO app_workspaces (id, name, owner_id, invite_code, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, w.ID, w.Name, w.OwnerID, w.InviteCode, w.CreatedAt); err != nil {
		return workspace.Workspace{}, err
	}
	if err := insertMembers(ctx, tx, w); err != nil {
		return workspace.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return workspace.Workspace{}, err
	}
	return w, nil
}

func (s *Store) UpdateWorkspace(ctx context.Context, w workspace.Workspace) (workspace.Workspace, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return workspace.Workspace{}, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE app_workspaces SET name = $2, invite_code = $3 WHERE id = $1
	`, w.ID, w.Name, w.InviteCode)
	if err != nil {
		return workspace.Workspace{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return workspace.Workspace{}, storage.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM app_workspace_members WHERE workspace_id = $1`, w.ID); err != nil {
		return workspace.Workspace{}, err
	}
	if err := insertMembers(ctx, tx, w); err != nil {
		return workspace.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return workspace.Workspace{}, err
	}
	return w, nil
}

func insertMembers(ctx context.Context, tx *sqlx.Tx, w workspace.Workspace) error {
	for _, m := range w.Members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_workspace_members (workspace_id, user_id, role, joined_at)
			VALUES ($1, $2, $3, $4)
		`, w.ID, m.UserID, m.Role, m.JoinedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (workspace.Workspace, error) {
	return s.loadWorkspace(ctx, `id = $1`, id)
}

func (s *Store) GetWorkspaceByInviteCode(ctx context.Context, code string) (workspace.Workspace, error) {
	return s.loadWorkspace(ctx, `invite_code = $1`, code)
}

func (s *Store) loadWorkspace(ctx context.Context, predicate string, arg any) (workspace.Workspace, error) {
	var row workspaceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, owner_id, invite_code, created_at FROM app_workspaces WHERE `+predicate, arg)
	if err != nil {
		return workspace.Workspace{}, wrapNotFound(err)
	}
	members, err := s.listMembers(ctx, row.ID)
	if err != nil {
		return workspace.Workspace{}, err
	}
	w := row.toDomain()
	w.Members = members
	return w, nil
}

func (s *Store) listMembers(ctx context.Context, workspaceID string) ([]workspace.Member, error) {
	var rows []memberRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT user_id, role, joined_at FROM app_workspace_members WHERE workspace_id = $1 ORDER BY joined_at
	`, workspaceID); err != nil {
		return nil, err
	}
	out := make([]workspace.Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) ListWorkspacesForUser(ctx context.Context, userID string) ([]workspace.Workspace, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `
		SELECT workspace_id FROM app_workspace_members WHERE user_id = $1
	`, userID); err != nil {
		return nil, err
	}
	out := make([]workspace.Workspace, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkspace(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM app_workspaces WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) InviteCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM app_workspaces WHERE invite_code = $1)`, code)
	return exists, err
}

// --- UserStore -----------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, u.ID, u.Username, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, username, password_hash, created_at FROM app_users WHERE id = $1
	`, id)
	if err != nil {
		return user.User{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (user.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, username, password_hash, created_at FROM app_users WHERE username = $1
	`, username)
	if err != nil {
		return user.User{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) CreateSession(ctx context.Context, sess user.Session) (user.Session, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_sessions (token, user_id, username, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sess.Token, sess.UserID, sess.Username, sess.IssuedAt, sess.ExpiresAt)
	if err != nil {
		return user.Session{}, err
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, token string) (user.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT token, user_id, username, issued_at, expires_at FROM app_sessions WHERE token = $1
	`, token)
	if err != nil {
		return user.Session{}, wrapNotFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM app_sessions WHERE token = $1`, token)
	return err
}
