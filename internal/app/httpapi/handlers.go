package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/tidwall/gjson"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/capability"
	wsdomain "github.com/r3e-network/fleet-orchestrator/internal/app/domain/workspace"
	"github.com/r3e-network/fleet-orchestrator/internal/app/metrics"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/auth"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/registry"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/scheduler"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/workspace"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
	"github.com/r3e-network/fleet-orchestrator/internal/app/system"
	"github.com/r3e-network/fleet-orchestrator/pkg/apierr"
)

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) handleDescriptors(c *gin.Context) {
	if s.descriptorProviders == nil {
		c.JSON(http.StatusOK, gin.H{"services": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": system.CollectDescriptors(s.descriptorProviders())})
}

// --- auth ---

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Service) handleSignup(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Invalid("invalid JSON body"))
		return
	}
	u, token, expiresAt, err := s.auth.Signup(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUsernameTaken):
			writeError(c, apierr.Conflict(err.Error()))
		default:
			writeError(c, apierr.Invalid(err.Error()))
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u, "token": token, "expires_at": expiresAt})
}

func (s *Service) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Invalid("invalid JSON body"))
		return
	}
	u, token, expiresAt, err := s.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, apierr.Unauthenticated(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u, "token": token, "expires_at": expiresAt})
}

func (s *Service) handleLogout(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		c.Status(http.StatusNoContent)
		return
	}
	if err := s.auth.Logout(c.Request.Context(), token); err != nil {
		writeError(c, apierr.Internal("logout failed"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) handleMe(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID})
}

// --- workspaces ---

type createWorkspaceRequest struct {
	Name string `json:"name"`
}

func (s *Service) handleCreateWorkspace(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		writeError(c, apierr.Invalid("name is required"))
		return
	}
	w, err := s.workspaces.Create(c.Request.Context(), req.Name, userID)
	if err != nil {
		writeError(c, apierr.Internal("failed to create workspace"))
		return
	}
	c.JSON(http.StatusCreated, w)
}

type joinWorkspaceRequest struct {
	InviteCode string `json:"invite_code"`
}

func (s *Service) handleJoinWorkspace(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	var req joinWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.InviteCode == "" {
		writeError(c, apierr.Invalid("invite_code is required"))
		return
	}
	w, err := s.workspaces.Join(c.Request.Context(), req.InviteCode, userID)
	if err != nil && !errors.Is(err, workspace.ErrAlreadyMember) {
		writeError(c, workspaceErrToAPI(err))
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Service) handleListWorkspaces(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	list, err := s.workspaces.ListForUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, apierr.Internal("failed to list workspaces"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": list})
}

func (s *Service) handleWorkspaceNodes(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	w, err := s.workspaces.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, notFoundOr(err, "workspace"))
		return
	}
	if !w.IsMember(userID) {
		writeError(c, apierr.Forbidden("not a member of this workspace"))
		return
	}
	nodes, err := s.registry.ListVisible(c.Request.Context(), map[string]struct{}{w.ID: {}})
	if err != nil {
		writeError(c, apierr.Internal("failed to list nodes"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (s *Service) handleWorkspaceMembers(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	w, err := s.workspaces.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, notFoundOr(err, "workspace"))
		return
	}
	if !w.IsMember(userID) {
		writeError(c, apierr.Forbidden("not a member of this workspace"))
		return
	}
	members, err := s.workspaces.ListMembers(c.Request.Context(), w.ID)
	if err != nil {
		writeError(c, apierr.Internal("failed to list members"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (s *Service) handleSetMemberRole(c *gin.Context) {
	callerID, ok := requireAuth(c)
	if !ok {
		return
	}
	var req setRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Role == "" {
		writeError(c, apierr.Invalid("role is required"))
		return
	}
	w, err := s.workspaces.SetRole(c.Request.Context(), c.Param("id"), callerID, c.Param("userID"), wsdomain.Role(req.Role))
	if err != nil {
		writeError(c, workspaceErrToAPI(err))
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Service) handleLeaveWorkspace(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	if err := s.workspaces.Leave(c.Request.Context(), c.Param("id"), userID); err != nil {
		writeError(c, workspaceErrToAPI(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) handleDeleteWorkspace(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	if err := s.workspaces.Delete(c.Request.Context(), c.Param("id"), userID); err != nil {
		writeError(c, workspaceErrToAPI(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) handleRegenerateInviteCode(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	w, err := s.workspaces.RegenerateInviteCode(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		writeError(c, workspaceErrToAPI(err))
		return
	}
	c.JSON(http.StatusOK, w)
}

func workspaceErrToAPI(err error) error {
	switch {
	case errors.Is(err, workspace.ErrForbidden):
		return apierr.Forbidden(err.Error())
	case errors.Is(err, workspace.ErrNotMember):
		return apierr.NotFound(err.Error())
	case errors.Is(err, workspace.ErrOwnerCannotLeave):
		return apierr.Conflict(err.Error())
	case errors.Is(err, workspace.ErrAlreadyMember):
		return apierr.Conflict(err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return apierr.NotFound("workspace not found")
	default:
		return apierr.Internal("workspace operation failed")
	}
}

// --- nodes ---

func (s *Service) handleMyNodes(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	all, err := s.registry.List(c.Request.Context())
	if err != nil {
		writeError(c, apierr.Internal("failed to list nodes"))
		return
	}
	owned := make([]any, 0)
	for _, n := range all {
		if n.OwnerUserID == userID {
			owned = append(owned, n)
		}
	}
	c.JSON(http.StatusOK, gin.H{"nodes": owned})
}

func (s *Service) handleClaimNode(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	n, err := s.registry.Claim(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAlreadyClaimed):
			writeError(c, apierr.Conflict(err.Error()))
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, apierr.NotFound("node not found"))
		default:
			writeError(c, apierr.Internal("claim failed"))
		}
		return
	}
	c.JSON(http.StatusOK, n)
}

type updateWorkspacesRequest struct {
	WorkspaceIDs []string `json:"workspace_ids"`
}

func (s *Service) handleUpdateNodeWorkspaces(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	n, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, apierr.NotFound("node not found"))
		return
	}
	if n.OwnerUserID != userID {
		writeError(c, apierr.Forbidden("only the owning user may update node visibility"))
		return
	}
	var req updateWorkspacesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Invalid("invalid JSON body"))
		return
	}
	updated, err := s.registry.UpdateWorkspaces(c.Request.Context(), n.ID, req.WorkspaceIDs)
	if err != nil {
		writeError(c, apierr.Internal("failed to update node workspaces"))
		return
	}
	c.JSON(http.StatusOK, updated)
}

// --- jobs ---

// submitJobRequest mirrors spec.md's job submission shape. Payload is
// decoded into a generic map and passed through to the node unchanged;
// gjson checks only the type discriminator on the raw body (see
// handleSubmitJob), and no other payload field is inspected.
type submitJobRequest struct {
	WorkspaceID    string                  `json:"workspace_id"`
	AccountID      string                  `json:"account_id"`
	Requirements   capability.Requirements `json:"requirements"`
	Payload        map[string]any          `json:"payload"`
	TimeoutSeconds int                     `json:"timeout_seconds"`
	Priority       int                     `json:"priority"`
}

func (s *Service) handleSubmitJob(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}

	var req submitJobRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		writeError(c, apierr.Invalid("invalid JSON body"))
		return
	}

	// The body is now cached by ShouldBindBodyWith under gin.BodyBytesKey;
	// gjson checks the one field the API boundary validates ahead of full
	// decode (spec.md §9's opaque-payload design) without a second read.
	raw, _ := c.Get(gin.BodyBytesKey)
	rawBytes, _ := raw.([]byte)
	if !gjson.GetBytes(rawBytes, "payload.type").Exists() {
		metrics.RecordJobSubmission("rejected_missing_payload_type")
		writeError(c, apierr.Invalid("payload.type is required").WithField("payload.type", "missing"))
		return
	}

	j, err := s.scheduler.Submit(c.Request.Context(), userID, req.Requirements, req.Payload, req.AccountID, req.WorkspaceID, req.TimeoutSeconds, req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrQueueFull):
			metrics.RecordJobSubmission("rejected_queue_full")
			writeError(c, apierr.New(apierr.KindInvalidRequest, err.Error()))
		case errors.Is(err, payment.ErrInsufficientFunds):
			metrics.RecordJobSubmission("rejected_insufficient_funds")
			writeError(c, apierr.InsufficientFunds(err.Error()))
		default:
			metrics.RecordJobSubmission("rejected_error")
			writeError(c, apierr.Internal("job admission failed"))
		}
		return
	}
	metrics.RecordJobSubmission("accepted")
	c.JSON(http.StatusCreated, j)
}

func (s *Service) handleGetJob(c *gin.Context) {
	if _, ok := requireAuth(c); !ok {
		return
	}
	j, err := s.scheduler.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, apierr.NotFound("job not found"))
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Service) handleListJobs(c *gin.Context) {
	userID, ok := requireAuth(c)
	if !ok {
		return
	}
	jobs, err := s.scheduler.List(c.Request.Context(), userID)
	if err != nil {
		writeError(c, apierr.Internal("failed to list jobs"))
		return
	}
	requested, _ := strconv.Atoi(c.Query("limit"))
	limit := core.ClampLimit(requested, core.DefaultListLimit, core.MaxListLimit)
	if limit < len(jobs) {
		jobs = jobs[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Service) handleCancelJob(c *gin.Context) {
	if _, ok := requireAuth(c); !ok {
		return
	}
	if err := s.scheduler.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrAlreadyTerminal):
			writeError(c, apierr.Conflict(err.Error()))
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, apierr.NotFound("job not found"))
		default:
			writeError(c, apierr.Internal("cancel failed"))
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// --- accounts / ledger ---

type createAccountRequest struct {
	WalletID string `json:"wallet_id"`
	Currency string `json:"currency"`
}

func (s *Service) handleCreateAccount(c *gin.Context) {
	if _, ok := requireAuth(c); !ok {
		return
	}
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WalletID == "" {
		writeError(c, apierr.Invalid("wallet_id is required"))
		return
	}
	acct, err := s.payments.GetOrCreateAccount(c.Request.Context(), req.WalletID, req.Currency)
	if err != nil {
		writeError(c, apierr.Invalid(err.Error()))
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Service) handleGetAccount(c *gin.Context) {
	if _, ok := requireAuth(c); !ok {
		return
	}
	acct, err := s.payments.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, apierr.NotFound("account not found"))
		return
	}
	c.JSON(http.StatusOK, acct)
}

type depositRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

func (s *Service) handleRequestDeposit(c *gin.Context) {
	if _, ok := requireAuth(c); !ok {
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Invalid("invalid JSON body"))
		return
	}
	dep, err := s.payments.RequestDeposit(c.Request.Context(), c.Param("id"), req.AmountCents, req.Currency)
	if err != nil {
		writeError(c, apierr.Invalid(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (s *Service) handleConfirmDeposit(c *gin.Context) {
	if _, ok := requireAuth(c); !ok {
		return
	}
	dep, err := s.payments.ConfirmDeposit(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, apierr.NotFound("deposit not found"))
		return
	}
	c.JSON(http.StatusOK, dep)
}

type testCreditRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

func (s *Service) handleTestCredit(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var req testCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Invalid("invalid JSON body"))
		return
	}
	acct, err := s.payments.TestCredit(c.Request.Context(), c.Param("id"), req.AmountCents)
	if err != nil {
		writeError(c, apierr.Invalid(err.Error()))
		return
	}
	c.JSON(http.StatusOK, acct)
}

func notFoundOr(err error, resource string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.NotFound(resource + " not found")
	}
	return apierr.Internal("internal error")
}
