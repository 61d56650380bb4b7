// Package payment implements the escrow ledger: accounts, holds, settlement
// with a platform fee, and refunds. All mutations are serialized through a
// single coarse lock so the invariants in the data model hold under
// concurrent admission, settlement and refund calls.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
	"github.com/r3e-network/fleet-orchestrator/pkg/logger"
)

var (
	// ErrInvalidAmount is returned for non-positive amounts where a
	// positive amount is required.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientFunds is returned when a hold cannot be covered by
	// the source account's balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNotHeld is returned when settle/refund targets a hold that is not
	// in the held state.
	ErrNotHeld = errors.New("payment record is not held")
)

// FeeRateNumerator/FeeRateDenominator express the platform fee as an exact
// rational (5%), avoiding any floating-point representation of the rate.
const (
	FeeRateNumerator   = 5
	FeeRateDenominator = 100
)

// Service is the authoritative ledger of balances and escrow holds.
type Service struct {
	mu    sync.Mutex
	store storage.AccountStore
	holds storage.PaymentStore
	log   *logger.Logger
}

// New constructs the payment engine over the given stores.
func New(accounts storage.AccountStore, holds storage.PaymentStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payment")
	}
	return &Service{store: accounts, holds: holds, log: log}
}

// Descriptor advertises the service's architectural placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "payment",
		Domain:       "payment",
		Layer:        core.LayerPlatform,
		Capabilities: []string{"accounts", "holds", "settlement", "refunds"},
	}
}

// GetOrCreateAccount returns the account for wallet, creating one with a
// zero balance if this is the first reference. Idempotent by wallet id.
func (s *Service) GetOrCreateAccount(ctx context.Context, wallet, currency string) (payment.Account, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return payment.Account{}, fmt.Errorf("wallet_id is required")
	}
	if currency == "" {
		currency = "usd"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetAccountByWallet(ctx, wallet)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return payment.Account{}, err
	}

	created, err := s.store.CreateAccount(ctx, payment.Account{WalletID: wallet, Currency: currency})
	if err != nil {
		return payment.Account{}, err
	}
	s.log.WithField("account_id", created.ID).WithField("wallet_id", wallet).Info("payment account created")
	return created, nil
}

// GetAccount returns the account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (payment.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// Hold atomically checks balance ≥ cents and, on success, subtracts cents
// from the source account and creates a held payment record linked to the
// job. It returns ErrInsufficientFunds otherwise; the account is never
// partially mutated on failure.
func (s *Service) Hold(ctx context.Context, accountID string, cents int64, jobID string) (payment.Hold, error) {
	if cents < 0 {
		return payment.Hold{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return payment.Hold{}, err
	}
	if acct.BalanceCents < cents {
		return payment.Hold{}, ErrInsufficientFunds
	}

	acct.BalanceCents -= cents
	if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
		return payment.Hold{}, fmt.Errorf("debit account: %w", err)
	}

	hold, err := s.holds.CreateHold(ctx, payment.Hold{
		SourceAccountID: accountID,
		AmountCents:     cents,
		Currency:        acct.Currency,
		JobID:           jobID,
		Status:          payment.StatusHeld,
	})
	if err != nil {
		// Roll back the debit: no leg of a failed hold may persist.
		acct.BalanceCents += cents
		if _, rollbackErr := s.store.UpdateAccount(ctx, acct); rollbackErr != nil {
			s.log.WithError(rollbackErr).WithField("account_id", accountID).Error("failed to roll back account after hold failure")
		}
		return payment.Hold{}, fmt.Errorf("create hold record: %w", err)
	}

	s.log.WithField("hold_id", hold.ID).WithField("account_id", accountID).WithField("cents", cents).WithField("job_id", jobID).Info("funds held")
	return hold, nil
}

// Settle resolves a held record by splitting actualCents between the node
// account and the platform fee account, refunding any remainder to the
// source. actualCents is capped at the held amount: a node can never be
// paid, nor a refund issued, beyond what was originally escrowed.
func (s *Service) Settle(ctx context.Context, holdID, nodeAccountID string, actualCents int64) (payment.Hold, error) {
	if actualCents < 0 {
		return payment.Hold{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hold, err := s.holds.GetHold(ctx, holdID)
	if err != nil {
		return payment.Hold{}, err
	}
	if hold.Status != payment.StatusHeld {
		return payment.Hold{}, ErrNotHeld
	}

	capped := actualCents
	if capped > hold.AmountCents {
		capped = hold.AmountCents
	}
	fee := roundHalfEvenFee(capped)
	nodeShare := capped - fee
	refundShare := hold.AmountCents - capped

	var nodeAcct, platformAcct, sourceAcct payment.Account
	if nodeShare > 0 {
		nodeAcct, err = s.store.GetAccount(ctx, nodeAccountID)
		if err != nil {
			return payment.Hold{}, fmt.Errorf("node account: %w", err)
		}
	}
	if fee > 0 {
		platformAcct, err = s.getOrCreatePlatformAccountLocked(ctx, hold.Currency)
		if err != nil {
			return payment.Hold{}, fmt.Errorf("platform account: %w", err)
		}
	}
	if refundShare > 0 {
		sourceAcct, err = s.store.GetAccount(ctx, hold.SourceAccountID)
		if err != nil {
			return payment.Hold{}, fmt.Errorf("source account: %w", err)
		}
	}

	if nodeShare > 0 {
		nodeAcct.BalanceCents += nodeShare
		if _, err := s.store.UpdateAccount(ctx, nodeAcct); err != nil {
			return payment.Hold{}, fmt.Errorf("credit node account: %w", err)
		}
	}
	if fee > 0 {
		platformAcct.BalanceCents += fee
		if _, err := s.store.UpdateAccount(ctx, platformAcct); err != nil {
			return payment.Hold{}, fmt.Errorf("credit platform account: %w", err)
		}
	}
	if refundShare > 0 {
		sourceAcct.BalanceCents += refundShare
		if _, err := s.store.UpdateAccount(ctx, sourceAcct); err != nil {
			return payment.Hold{}, fmt.Errorf("refund remainder: %w", err)
		}
	}

	hold.Status = payment.StatusSettled
	hold.DestAccountID = nodeAccountID
	hold.ResolvedAt = time.Now().UTC()
	hold, err = s.holds.UpdateHold(ctx, hold)
	if err != nil {
		return payment.Hold{}, fmt.Errorf("update hold record: %w", err)
	}

	s.log.WithField("hold_id", hold.ID).
		WithField("node_account_id", nodeAccountID).
		WithField("node_share_cents", nodeShare).
		WithField("fee_cents", fee).
		WithField("refund_cents", refundShare).
		Info("hold settled")
	return hold, nil
}

// Refund returns the full held amount to the source account and marks the
// record refunded.
func (s *Service) Refund(ctx context.Context, holdID string) (payment.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hold, err := s.holds.GetHold(ctx, holdID)
	if err != nil {
		return payment.Hold{}, err
	}
	if hold.Status != payment.StatusHeld {
		return payment.Hold{}, ErrNotHeld
	}

	acct, err := s.store.GetAccount(ctx, hold.SourceAccountID)
	if err != nil {
		return payment.Hold{}, err
	}
	acct.BalanceCents += hold.AmountCents
	if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
		return payment.Hold{}, fmt.Errorf("refund account: %w", err)
	}

	hold.Status = payment.StatusRefunded
	hold.ResolvedAt = time.Now().UTC()
	hold, err = s.holds.UpdateHold(ctx, hold)
	if err != nil {
		return payment.Hold{}, fmt.Errorf("update hold record: %w", err)
	}

	s.log.WithField("hold_id", hold.ID).WithField("account_id", hold.SourceAccountID).WithField("cents", hold.AmountCents).Info("hold refunded")
	return hold, nil
}

// RequestDeposit records an externally-triggered deposit instruction. The
// balance is not affected until ConfirmDeposit is called; the engine treats
// wallet/crypto rails as an opaque, externally-confirmed signal.
func (s *Service) RequestDeposit(ctx context.Context, accountID string, cents int64, currency string) (payment.Deposit, error) {
	if cents <= 0 {
		return payment.Deposit{}, ErrInvalidAmount
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return payment.Deposit{}, err
	}
	return s.holds.CreateDeposit(ctx, payment.Deposit{
		AccountID:   accountID,
		AmountCents: cents,
		Currency:    currency,
	})
}

// ConfirmDeposit credits the account once, idempotently: a deposit already
// confirmed is returned unchanged rather than credited twice.
func (s *Service) ConfirmDeposit(ctx context.Context, depositID string) (payment.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dep, err := s.holds.GetDeposit(ctx, depositID)
	if err != nil {
		return payment.Deposit{}, err
	}
	if dep.Confirmed {
		return dep, nil
	}

	acct, err := s.store.GetAccount(ctx, dep.AccountID)
	if err != nil {
		return payment.Deposit{}, err
	}
	acct.BalanceCents += dep.AmountCents
	if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
		return payment.Deposit{}, fmt.Errorf("credit account: %w", err)
	}

	dep.Confirmed = true
	dep.ConfirmedAt = time.Now().UTC()
	dep, err = s.holds.UpdateDeposit(ctx, dep)
	if err != nil {
		return payment.Deposit{}, fmt.Errorf("update deposit record: %w", err)
	}
	s.log.WithField("deposit_id", dep.ID).WithField("account_id", dep.AccountID).WithField("cents", dep.AmountCents).Info("deposit confirmed")
	return dep, nil
}

// TestCredit is an admin-only operation that credits a balance directly,
// bypassing the deposit confirmation flow. It exists for seeding test and
// staging accounts.
func (s *Service) TestCredit(ctx context.Context, accountID string, cents int64) (payment.Account, error) {
	if cents <= 0 {
		return payment.Account{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return payment.Account{}, err
	}
	acct.BalanceCents += cents
	acct, err = s.store.UpdateAccount(ctx, acct)
	if err != nil {
		return payment.Account{}, err
	}
	s.log.WithField("account_id", accountID).WithField("cents", cents).Warn("test credit applied")
	return acct, nil
}

func (s *Service) getOrCreatePlatformAccountLocked(ctx context.Context, currency string) (payment.Account, error) {
	acct, err := s.store.GetAccount(ctx, payment.PlatformAccountID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return payment.Account{}, err
	}
	return s.store.CreateAccount(ctx, payment.Account{
		ID:       payment.PlatformAccountID,
		WalletID: payment.PlatformAccountID,
		Currency: currency,
	})
}

// roundHalfEvenFee computes the platform fee on cents using round-half-to-
// even (banker's rounding) on the fractional cent, keeping the ledger
// entirely in integer arithmetic.
func roundHalfEvenFee(cents int64) int64 {
	numerator := cents * FeeRateNumerator
	quotient := numerator / FeeRateDenominator
	remainder := numerator % FeeRateDenominator
	twice := remainder * 2
	switch {
	case twice < FeeRateDenominator:
		return quotient
	case twice > FeeRateDenominator:
		return quotient + 1
	default:
		// Exactly half: round to even.
		if quotient%2 == 0 {
			return quotient
		}
		return quotient + 1
	}
}
