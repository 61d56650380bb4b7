// Package payment defines the ledger's data model: accounts and escrow
// hold records. All amounts are integer cents; the package never imports
// math/big or float64 by design (see the payment service for rounding).
package payment

import "time"

// HoldStatus is the lifecycle state of a payment record.
type HoldStatus string

const (
	StatusHeld     HoldStatus = "held"
	StatusSettled  HoldStatus = "settled"
	StatusRefunded HoldStatus = "refunded"
)

// PlatformAccountID names the distinguished account that collects fees.
const PlatformAccountID = "platform"

// Account is an opaque-id ledger account with a non-negative integer
// balance in cents.
type Account struct {
	ID        string    `json:"id"`
	WalletID  string    `json:"wallet_id"`
	Currency  string    `json:"currency"`
	BalanceCents int64  `json:"balance_cents"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Hold is a payment record created by an escrow hold and resolved exactly
// once by settle or refund.
type Hold struct {
	ID              string     `json:"id"`
	SourceAccountID string     `json:"source_account_id"`
	DestAccountID   string     `json:"dest_account_id,omitempty"`
	AmountCents     int64      `json:"amount_cents"`
	Currency        string     `json:"currency"`
	JobID           string     `json:"job_id"`
	Status          HoldStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      time.Time  `json:"resolved_at,omitempty"`
}

// Deposit models an externally-triggered, opaque deposit instruction.
// Confirmation is the only path by which a balance increases outside of a
// refund, an admin test-credit, or the node and platform credits made when
// a hold is settled.
type Deposit struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Confirmed   bool      `json:"confirmed"`
	CreatedAt   time.Time `json:"created_at"`
	ConfirmedAt time.Time `json:"confirmed_at,omitempty"`
}
