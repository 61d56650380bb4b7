// Package user defines account holders on the API surface, distinct from
// the ledger's payment.Account (a user may own zero or more payment
// accounts).
package user

import "time"

// User is an authenticated principal: a human or service submitting jobs,
// owning nodes, and belonging to workspaces.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session binds an opaque bearer token to a user for the token's lifetime.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session token is no longer valid as of now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
