package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/workspace"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
)

// TestCreateAccountInsertsRow drives the account insert against a mocked
// driver so the query shape is pinned down without a live database.
func TestCreateAccountInsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(sqlx.NewDb(db, "postgres"))

	mock.ExpectExec("INSERT INTO app_accounts").
		WithArgs(sqlmock.AnyArg(), "wallet-1", "USD", int64(0), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	acct, err := store.CreateAccount(context.Background(), payment.Account{WalletID: "wallet-1", Currency: "USD"})
	require.NoError(t, err)
	require.NotEmpty(t, acct.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetAccountNotFoundMapsSentinel confirms sql.ErrNoRows is translated to
// storage.ErrNotFound rather than leaking the driver's own error type.
func TestGetAccountNotFoundMapsSentinel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(sqlx.NewDb(db, "postgres"))

	mock.ExpectQuery("SELECT (.+) FROM app_accounts WHERE id = .1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "wallet_id", "currency", "balance_cents", "created_at", "updated_at"}))

	_, err = store.GetAccount(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestStoreIntegration exercises the full CRUD surface against a live
// Postgres instance. It is skipped unless TEST_POSTGRES_DSN is set.
func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	store, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, resetTables(store.db.DB))

	acct, err := store.CreateAccount(ctx, payment.Account{WalletID: "wallet-1", Currency: "USD"})
	require.NoError(t, err)
	require.NotEmpty(t, acct.ID)

	acct.BalanceCents = 500
	updated, err := store.UpdateAccount(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, int64(500), updated.BalanceCents)

	fetched, err := store.GetAccountByWallet(ctx, "wallet-1")
	require.NoError(t, err)
	require.Equal(t, acct.ID, fetched.ID)

	w, err := store.CreateWorkspace(ctx, workspace.Workspace{
		Name:       "team",
		OwnerID:    "user-1",
		InviteCode: "INVITE1",
		Members:    []workspace.Member{{UserID: "user-1", Role: workspace.RoleOwner, JoinedAt: time.Now().UTC()}},
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	reloaded, err := store.GetWorkspace(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Members, 1)
	require.True(t, reloaded.IsMember("user-1"))
}

func resetTables(db *sql.DB) error {
	_, err := db.Exec(`
		TRUNCATE
			app_sessions,
			app_users,
			app_deposits,
			app_holds,
			app_accounts,
			app_jobs,
			app_nodes,
			app_workspace_members,
			app_workspaces
		RESTART IDENTITY CASCADE
	`)
	return err
}
