// Package app composes the orchestrator's services into a single value and
// manages their lifecycle. Per the design notes in spec.md ("re-express as
// an application value composed at startup and threaded into handlers;
// avoid any hidden global state"), nothing here is a package-level
// singleton: every dependency is constructed once in New and returned to
// the caller (typically cmd/orchestrator's main) to start, stop, and wire
// into HTTP handlers.
package app

import (
	"context"
	"fmt"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
	"github.com/r3e-network/fleet-orchestrator/internal/app/httpapi"
	"github.com/r3e-network/fleet-orchestrator/internal/app/metrics"
	"github.com/r3e-network/fleet-orchestrator/internal/app/nodeconn"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/auth"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/registry"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/scheduler"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/workspace"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage/memory"
	"github.com/r3e-network/fleet-orchestrator/internal/app/system"
	"github.com/r3e-network/fleet-orchestrator/pkg/config"
	"github.com/r3e-network/fleet-orchestrator/pkg/logger"
)

// Stores bundles the persistence dependencies the application wires into
// its services. Any nil field falls back to the in-memory implementation,
// so a caller can mix a durable Postgres store for most interfaces with the
// default workspace snapshot store, or vice versa.
type Stores struct {
	Accounts   storage.AccountStore
	Payments   storage.PaymentStore
	Nodes      storage.NodeStore
	Jobs       storage.JobStore
	Workspaces storage.WorkspaceStore
	Users      storage.UserStore
}

func (s *Stores) applyDefaults(mem *memory.Store, ws *memory.WorkspaceStore) {
	if s.Accounts == nil {
		s.Accounts = mem
	}
	if s.Payments == nil {
		s.Payments = mem
	}
	if s.Nodes == nil {
		s.Nodes = mem
	}
	if s.Jobs == nil {
		s.Jobs = mem
	}
	if s.Users == nil {
		s.Users = mem
	}
	if s.Workspaces == nil {
		s.Workspaces = ws
	}
}

// Application owns every orchestrator service plus the system.Manager that
// starts and stops them in a deterministic order: registry and scheduler
// before the node channel and HTTP surface that depend on them, and the
// reverse order on shutdown.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Auth       *auth.Service
	Payments   *payment.Service
	Registry   *registry.Service
	Scheduler  *scheduler.Service
	Workspaces *workspace.Service
	Hub        *nodeconn.Hub
	HTTP       *httpapi.Service
}

// New builds a fully wired application. cfg must be non-nil; pass the
// result of config.Load(). Stores left zero-valued default to the
// in-memory implementation (see Stores.applyDefaults).
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	wsMem := memory.NewWorkspaceStore()
	stores.applyDefaults(mem, wsMem)

	manager := system.NewManager()

	var sessionStore auth.SessionStore
	if cfg.UsesRedisSessions() {
		if cfg.Session.RedisAddr == "" {
			return nil, fmt.Errorf("app: SESSION_STORE=redis requires REDIS_ADDR")
		}
		sessionStore = auth.NewRedisSessionStore(cfg.Session.RedisAddr)
		log.WithField("addr", cfg.Session.RedisAddr).Info("auth sessions backed by redis")
	}

	authService := auth.New(stores.Users, sessionStore, cfg.Auth.SigningKey, log)

	paymentsService := payment.New(stores.Accounts, stores.Payments, log)

	registryTracer := metrics.NewTracer("fleet", "registry")
	registryService := registry.New(stores.Nodes, nil, log)
	registryService.WithTracer(registryTracer)

	schedulerTracer := metrics.NewTracer("fleet", "scheduler")
	schedulerService := scheduler.New(stores.Jobs, paymentsService, registryService, nil, log)
	schedulerService.WithTracer(schedulerTracer)

	// The node channel hub implements both registry.Transport and
	// scheduler.Dispatcher but depends on both services at construction, so
	// the dependency is wired back onto registry/scheduler once the hub
	// exists (see SetTransport/SetDispatcher).
	hub := nodeconn.New(cfg.Server.WSPath, registryService, schedulerService, paymentsService, log)
	registryService.SetTransport(hub)
	schedulerService.SetDispatcher(hub)

	registryService.OnEvict(func(nodeID string) {
		schedulerService.HandleNodeEvicted(context.Background(), nodeID)
	})

	workspaceSnapshotPath := cfg.Workspace.StorePath
	if cfg.UsesPostgres() {
		// The workspace directory's JSON snapshot is a deliberate
		// simplification for the small, low-churn default deployment;
		// Postgres-backed deployments persist the same data in a real
		// table instead (internal/app/storage/postgres), so the redundant
		// file snapshot is disabled.
		workspaceSnapshotPath = ""
	}
	workspaceService := workspace.New(stores.Workspaces, workspaceSnapshotPath, log)

	httpDeps := httpapi.Deps{
		Auth:       authService,
		Payments:   paymentsService,
		Registry:   registryService,
		Scheduler:  schedulerService,
		Workspaces: workspaceService,
		Hub:        hub,
		Descriptors: func() []system.DescriptorProvider {
			return manager.DescriptorProviders()
		},
	}
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpService := httpapi.New(addr, cfg.Admin.Key, httpDeps, log)

	for _, svc := range []system.Service{registryService, schedulerService, hub, httpService} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("app: register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Auth:       authService,
		Payments:   paymentsService,
		Registry:   registryService,
		Scheduler:  schedulerService,
		Workspaces: workspaceService,
		Hub:        hub,
		HTTP:       httpService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start; the manager rejects late registration.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start restores the workspace directory from its snapshot file (if any),
// then begins every registered service in registration order. Workspace
// restoration happens here rather than in New because it is the one piece
// of startup state-loading that isn't itself a system.Service, and it must
// complete before the HTTP and node-channel surfaces start accepting
// traffic against a workspace store they'd otherwise see as empty.
func (a *Application) Start(ctx context.Context) error {
	if err := a.Workspaces.LoadSnapshot(ctx); err != nil {
		return fmt.Errorf("app: restore workspace snapshot: %w", err)
	}
	return a.manager.Start(ctx)
}

// Stop stops every registered service in reverse order. Safe to call once;
// subsequent calls are no-ops.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns the architectural placement of every registered
// service, sorted by layer then name, for the /system/descriptors endpoint.
func (a *Application) Descriptors() []core.Descriptor {
	return a.manager.Descriptors()
}
