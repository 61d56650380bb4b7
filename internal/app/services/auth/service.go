// Package auth implements signup/login and bearer-token sessions for the
// API surface. Passwords are hashed with bcrypt; sessions are JWTs signed
// with a server secret whose validity is also tracked in a pluggable
// SessionStore so a session can be revoked (logout) before its JWT expires.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/user"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
	"github.com/r3e-network/fleet-orchestrator/pkg/logger"
)

var (
	// ErrInvalidCredentials is returned by Login for an unknown username
	// or a password that does not match the stored hash.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUsernameTaken is returned by Signup when the username already
	// has an account.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrSessionExpired is returned by Me for a token past its
	// expiry, or one that has been revoked via Logout.
	ErrSessionExpired = errors.New("session expired or revoked")
)

// DefaultSessionTTL is how long an issued token remains valid.
const DefaultSessionTTL = 24 * time.Hour

// SessionStore persists the bearer-token-to-user binding so a token can be
// revoked independently of its JWT expiry. Two implementations exist: one
// backed by the process's UserStore (default, in-memory or Postgres), one
// backed by Redis for deployments that want sessions shared across a
// restart or, eventually, across instances.
type SessionStore interface {
	Put(ctx context.Context, sess user.Session) error
	Get(ctx context.Context, token string) (user.Session, error)
	Delete(ctx context.Context, token string) error
}

// claims is the JWT payload. Re-deriving user identity from the token
// avoids a store round trip on every request; the SessionStore lookup
// still gates revocation.
type claims struct {
	UserID   string `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service issues and validates bearer sessions over a user store.
type Service struct {
	users      storage.UserStore
	sessions   SessionStore
	log        *logger.Logger
	signingKey []byte
	ttl        time.Duration
}

// New constructs the auth service. signingKey must be non-empty in any
// deployment that issues real sessions; it is the HMAC secret for session
// JWTs.
func New(users storage.UserStore, sessions SessionStore, signingKey string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	if sessions == nil {
		sessions = storeSessionStore{users: users}
	}
	return &Service{
		users:      users,
		sessions:   sessions,
		log:        log,
		signingKey: []byte(signingKey),
		ttl:        DefaultSessionTTL,
	}
}

// Descriptor advertises the service's architectural placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "auth",
		Domain:       "auth",
		Layer:        core.LayerSecurity,
		Capabilities: []string{"signup", "login", "sessions"},
	}
}

// Signup creates a new user with a bcrypt-hashed password and immediately
// issues a session, matching the API surface's combined signup+token
// response.
func (s *Service) Signup(ctx context.Context, username, password string) (user.User, string, time.Time, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(password) < 8 {
		return user.User{}, "", time.Time{}, fmt.Errorf("username is required and password must be at least 8 characters")
	}

	if _, err := s.users.GetUserByUsername(ctx, username); err == nil {
		return user.User{}, "", time.Time{}, ErrUsernameTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return user.User{}, "", time.Time{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, "", time.Time{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.users.CreateUser(ctx, user.User{Username: username, PasswordHash: string(hash)})
	if err != nil {
		return user.User{}, "", time.Time{}, err
	}

	token, expiresAt, err := s.issue(ctx, created)
	if err != nil {
		return user.User{}, "", time.Time{}, err
	}
	s.log.WithField("user_id", created.ID).WithField("username", username).Info("user signed up")
	return created, token, expiresAt, nil
}

// Login verifies credentials and issues a fresh session.
func (s *Service) Login(ctx context.Context, username, password string) (user.User, string, time.Time, error) {
	u, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, "", time.Time{}, ErrInvalidCredentials
		}
		return user.User{}, "", time.Time{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return user.User{}, "", time.Time{}, ErrInvalidCredentials
	}

	token, expiresAt, err := s.issue(ctx, u)
	if err != nil {
		return user.User{}, "", time.Time{}, err
	}
	s.log.WithField("user_id", u.ID).Info("user logged in")
	return u, token, expiresAt, nil
}

// Logout revokes a session token. It is a no-op (not an error) for a token
// that is already gone, matching the idempotent-cancellation flavor used
// elsewhere in the orchestrator.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

// Me resolves a bearer token to its session, failing if the signature is
// invalid, the JWT has expired, or the session has been revoked.
func (s *Service) Me(ctx context.Context, token string) (user.Session, error) {
	parsed := &claims{}
	_, err := jwt.ParseWithClaims(token, parsed, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return user.Session{}, ErrSessionExpired
	}

	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return user.Session{}, ErrSessionExpired
	}
	if sess.Expired(time.Now().UTC()) {
		return user.Session{}, ErrSessionExpired
	}
	return sess, nil
}

func (s *Service) issue(ctx context.Context, u user.User) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:   u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Subject:   u.ID,
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}

	sess := user.Session{
		Token:     signed,
		UserID:    u.ID,
		Username:  u.Username,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		return "", time.Time{}, fmt.Errorf("persist session: %w", err)
	}
	return signed, expiresAt, nil
}

// storeSessionStore is the default SessionStore, delegating to the same
// UserStore backing accounts (in-memory or Postgres).
type storeSessionStore struct {
	users storage.UserStore
}

func (m storeSessionStore) Put(ctx context.Context, sess user.Session) error {
	_, err := m.users.CreateSession(ctx, sess)
	return err
}

func (m storeSessionStore) Get(ctx context.Context, token string) (user.Session, error) {
	return m.users.GetSession(ctx, token)
}

func (m storeSessionStore) Delete(ctx context.Context, token string) error {
	return m.users.DeleteSession(ctx, token)
}
