// Package httpapi is the REST surface: signup/login, workspace and node
// management, job submission, and the ledger's account endpoints, fronted
// by gin. It wraps an *http.Server so it can be started and stopped like
// every other lifecycle-managed component.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
	"github.com/r3e-network/fleet-orchestrator/internal/app/metrics"
	"github.com/r3e-network/fleet-orchestrator/internal/app/nodeconn"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/auth"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/registry"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/scheduler"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/workspace"
	"github.com/r3e-network/fleet-orchestrator/internal/app/system"
	"github.com/r3e-network/fleet-orchestrator/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

var _ system.Service = (*Service)(nil)

// Service is the lifecycle-managed HTTP API surface.
type Service struct {
	addr     string
	adminKey string

	auth       *auth.Service
	payments   *payment.Service
	registry   *registry.Service
	scheduler  *scheduler.Service
	workspaces *workspace.Service
	hub        *nodeconn.Hub
	descriptorProviders func() []system.DescriptorProvider

	log *logger.Logger

	jobLimiter   *rateLimiter
	loginLimiter *rateLimiter

	server *http.Server
}

// Deps bundles the services the API surface dispatches to.
type Deps struct {
	Auth       *auth.Service
	Payments   *payment.Service
	Registry   *registry.Service
	Scheduler  *scheduler.Service
	Workspaces *workspace.Service
	Hub        *nodeconn.Hub
	// Descriptors is called lazily by GET /system/descriptors so it always
	// reflects every service registered with the application's manager,
	// including this one.
	Descriptors func() []system.DescriptorProvider
}

// New constructs the HTTP API surface bound to addr (host:port).
func New(addr, adminKey string, deps Deps, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Service{
		addr:                addr,
		adminKey:            adminKey,
		auth:                deps.Auth,
		payments:            deps.Payments,
		registry:            deps.Registry,
		scheduler:           deps.Scheduler,
		workspaces:          deps.Workspaces,
		hub:                 deps.Hub,
		descriptorProviders: deps.Descriptors,
		log:                 log,
		jobLimiter:          newRateLimiter(rate.Limit(5), 10),
		loginLimiter:        newRateLimiter(rate.Limit(1), 5),
	}
}

// Name identifies the service to the lifecycle manager.
func (s *Service) Name() string { return "http-api" }

// Descriptor advertises the service's architectural placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "http-api",
		Domain:       "httpapi",
		Layer:        core.LayerIngress,
		Capabilities: []string{"rest", "auth", "metrics"},
	}
}

func (s *Service) router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), metrics.GinMiddleware(), s.authMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/system/descriptors", s.handleDescriptors)

	r.POST("/auth/signup", s.handleSignup)
	r.POST("/auth/login", limitMiddleware(s.loginLimiter), s.handleLogin)
	r.POST("/auth/logout", s.handleLogout)
	r.GET("/auth/me", s.handleMe)

	r.POST("/workspaces", s.handleCreateWorkspace)
	r.POST("/workspaces/join", s.handleJoinWorkspace)
	r.GET("/workspaces", s.handleListWorkspaces)
	r.GET("/workspaces/:id/nodes", s.handleWorkspaceNodes)
	r.GET("/workspaces/:id/members", s.handleWorkspaceMembers)
	r.POST("/workspaces/:id/members/:userID/role", s.handleSetMemberRole)
	r.POST("/workspaces/:id/leave", s.handleLeaveWorkspace)
	r.DELETE("/workspaces/:id", s.handleDeleteWorkspace)
	r.POST("/workspaces/:id/invite-code", s.handleRegenerateInviteCode)

	r.GET("/my-nodes", s.handleMyNodes)
	r.POST("/nodes/:id/claim", s.handleClaimNode)
	r.POST("/nodes/:id/workspaces", s.handleUpdateNodeWorkspaces)

	r.POST("/jobs", limitMiddleware(s.jobLimiter), s.handleSubmitJob)
	r.GET("/jobs", s.handleListJobs)
	r.GET("/jobs/:id", s.handleGetJob)
	r.DELETE("/jobs/:id", s.handleCancelJob)

	r.POST("/accounts", s.handleCreateAccount)
	r.GET("/accounts/:id", s.handleGetAccount)
	r.POST("/accounts/:id/deposit", s.handleRequestDeposit)
	r.POST("/deposits/:id/confirm", s.handleConfirmDeposit)
	r.POST("/accounts/:id/test-credit", s.handleTestCredit)

	if s.hub != nil {
		r.Any(s.hub.Path(), gin.WrapH(s.hub))
	}

	return r
}

// Start launches the HTTP listener in a background goroutine.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{Addr: s.addr, Handler: s.router()}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http api server exited unexpectedly")
		}
	}()
	s.log.WithField("addr", s.addr).Info("http api listening")
	return nil
}

// Stop gracefully drains in-flight requests before shutting down.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}
	s.log.Info("http api stopped")
	return nil
}
