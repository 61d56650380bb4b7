// Package memory is a thread-safe in-memory persistence layer implementing
// the storage interfaces. It backs the default deployment mode and the test
// suite; Postgres-backed storage is an opt-in alternative behind
// DATABASE_URL (see the storage/postgres package).
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/job"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/node"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/user"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
)

// Store is an in-memory implementation of every storage interface the
// application needs. A single coarse mutex per subsystem satisfies the
// serialization discipline without the complexity of lock striping.
type Store struct {
	accountsMu sync.RWMutex
	accounts   map[string]payment.Account

	paymentsMu sync.RWMutex
	holds      map[string]payment.Hold
	deposits   map[string]payment.Deposit

	nodesMu sync.RWMutex
	nodes   map[string]node.Node

	jobsMu sync.RWMutex
	jobs   map[string]job.Job

	usersMu  sync.RWMutex
	users    map[string]user.User
	sessions map[string]user.Session
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]payment.Account),
		holds:    make(map[string]payment.Hold),
		deposits: make(map[string]payment.Deposit),
		nodes:    make(map[string]node.Node),
		jobs:     make(map[string]job.Job),
		users:    make(map[string]user.User),
		sessions: make(map[string]user.Session),
	}
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.PaymentStore = (*Store)(nil)
var _ storage.NodeStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.UserStore = (*Store)(nil)

// Accounts -------------------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct payment.Account) (payment.Account, error) {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return payment.Account{}, fmt.Errorf("account %s already exists", acct.ID)
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) UpdateAccount(_ context.Context, acct payment.Account) (payment.Account, error) {
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	original, ok := s.accounts[acct.ID]
	if !ok {
		return payment.Account{}, fmt.Errorf("%w: account %s", storage.ErrNotFound, acct.ID)
	}
	acct.CreatedAt = original.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (payment.Account, error) {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return payment.Account{}, fmt.Errorf("%w: account %s", storage.ErrNotFound, id)
	}
	return acct, nil
}

func (s *Store) GetAccountByWallet(_ context.Context, wallet string) (payment.Account, error) {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()

	for _, acct := range s.accounts {
		if acct.WalletID == wallet {
			return acct, nil
		}
	}
	return payment.Account{}, fmt.Errorf("%w: wallet %s", storage.ErrNotFound, wallet)
}

func (s *Store) ListAccounts(_ context.Context) ([]payment.Account, error) {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()

	out := make([]payment.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct)
	}
	return out, nil
}

// Payments (holds + deposits) -------------------------------------------

func (s *Store) CreateHold(_ context.Context, hold payment.Hold) (payment.Hold, error) {
	s.paymentsMu.Lock()
	defer s.paymentsMu.Unlock()

	if hold.ID == "" {
		hold.ID = uuid.NewString()
	} else if _, exists := s.holds[hold.ID]; exists {
		return payment.Hold{}, fmt.Errorf("hold %s already exists", hold.ID)
	}
	hold.CreatedAt = time.Now().UTC()
	s.holds[hold.ID] = hold
	return hold, nil
}

func (s *Store) UpdateHold(_ context.Context, hold payment.Hold) (payment.Hold, error) {
	s.paymentsMu.Lock()
	defer s.paymentsMu.Unlock()

	original, ok := s.holds[hold.ID]
	if !ok {
		return payment.Hold{}, fmt.Errorf("%w: hold %s", storage.ErrNotFound, hold.ID)
	}
	hold.CreatedAt = original.CreatedAt
	s.holds[hold.ID] = hold
	return hold, nil
}

func (s *Store) GetHold(_ context.Context, id string) (payment.Hold, error) {
	s.paymentsMu.RLock()
	defer s.paymentsMu.RUnlock()

	hold, ok := s.holds[id]
	if !ok {
		return payment.Hold{}, fmt.Errorf("%w: hold %s", storage.ErrNotFound, id)
	}
	return hold, nil
}

func (s *Store) ListHoldsByJob(_ context.Context, jobID string) ([]payment.Hold, error) {
	s.paymentsMu.RLock()
	defer s.paymentsMu.RUnlock()

	var out []payment.Hold
	for _, hold := range s.holds {
		if hold.JobID == jobID {
			out = append(out, hold)
		}
	}
	return out, nil
}

func (s *Store) CreateDeposit(_ context.Context, dep payment.Deposit) (payment.Deposit, error) {
	s.paymentsMu.Lock()
	defer s.paymentsMu.Unlock()

	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	dep.CreatedAt = time.Now().UTC()
	s.deposits[dep.ID] = dep
	return dep, nil
}

func (s *Store) UpdateDeposit(_ context.Context, dep payment.Deposit) (payment.Deposit, error) {
	s.paymentsMu.Lock()
	defer s.paymentsMu.Unlock()

	original, ok := s.deposits[dep.ID]
	if !ok {
		return payment.Deposit{}, fmt.Errorf("%w: deposit %s", storage.ErrNotFound, dep.ID)
	}
	dep.CreatedAt = original.CreatedAt
	s.deposits[dep.ID] = dep
	return dep, nil
}

func (s *Store) GetDeposit(_ context.Context, id string) (payment.Deposit, error) {
	s.paymentsMu.RLock()
	defer s.paymentsMu.RUnlock()

	dep, ok := s.deposits[id]
	if !ok {
		return payment.Deposit{}, fmt.Errorf("%w: deposit %s", storage.ErrNotFound, id)
	}
	return dep, nil
}

// Nodes -------------------------------------------------------------------

func (s *Store) UpsertNode(_ context.Context, n node.Node) (node.Node, error) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
		n.CreatedAt = time.Now().UTC()
	} else if existing, ok := s.nodes[n.ID]; ok {
		n.CreatedAt = existing.CreatedAt
	} else {
		n.CreatedAt = time.Now().UTC()
	}
	s.nodes[n.ID] = n.Clone()
	return n.Clone(), nil
}

func (s *Store) GetNode(_ context.Context, id string) (node.Node, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return node.Node{}, fmt.Errorf("%w: node %s", storage.ErrNotFound, id)
	}
	return n.Clone(), nil
}

func (s *Store) GetNodeByReconnectToken(_ context.Context, token string) (node.Node, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	for _, n := range s.nodes {
		if n.ReconnectToken != "" && n.ReconnectToken == token {
			return n.Clone(), nil
		}
	}
	return node.Node{}, fmt.Errorf("%w: reconnect token", storage.ErrNotFound)
}

func (s *Store) ListNodes(_ context.Context) ([]node.Node, error) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()

	out := make([]node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	return out, nil
}

func (s *Store) DeleteNode(_ context.Context, id string) error {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("%w: node %s", storage.ErrNotFound, id)
	}
	delete(s.nodes, id)
	return nil
}

// Jobs ----------------------------------------------------------------------

func (s *Store) CreateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	} else if _, exists := s.jobs[j.ID]; exists {
		return job.Job{}, fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return j.Clone(), nil
}

func (s *Store) UpdateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return job.Job{}, fmt.Errorf("%w: job %s", storage.ErrNotFound, j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return j.Clone(), nil
}

func (s *Store) GetJob(_ context.Context, id string) (job.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("%w: job %s", storage.ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (s *Store) ListJobs(_ context.Context, clientID string) ([]job.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	out := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if clientID == "" || j.ClientID == clientID {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *Store) ListPending(_ context.Context) ([]job.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	var out []job.Job
	for _, j := range s.jobs {
		if j.Status == job.StatusPending {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *Store) ListByNode(_ context.Context, nodeID string) ([]job.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	var out []job.Job
	for _, j := range s.jobs {
		if j.AssignedNodeID == nodeID {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *Store) ListTerminalBefore(_ context.Context, before time.Time) ([]job.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	var out []job.Job
	for _, j := range s.jobs {
		if j.Status.Terminal() && !j.CompletedAt.IsZero() && j.CompletedAt.Before(before) {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *Store) DeleteJob(_ context.Context, id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: job %s", storage.ErrNotFound, id)
	}
	delete(s.jobs, id)
	return nil
}

// Users and sessions ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return user.User{}, fmt.Errorf("username %s already taken", u.Username)
		}
	}
	u.CreatedAt = time.Now().UTC()
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("%w: user %s", storage.ErrNotFound, id)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (user.User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return user.User{}, fmt.Errorf("%w: username %s", storage.ErrNotFound, username)
}

func (s *Store) CreateSession(_ context.Context, sess user.Session) (user.Session, error) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	s.sessions[sess.Token] = sess
	return sess, nil
}

func (s *Store) GetSession(_ context.Context, token string) (user.Session, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	sess, ok := s.sessions[token]
	if !ok {
		return user.Session{}, fmt.Errorf("%w: session", storage.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) DeleteSession(_ context.Context, token string) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	delete(s.sessions, token)
	return nil
}
