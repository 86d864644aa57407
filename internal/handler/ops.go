package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"crawlmaster/internal/assignment"
	"crawlmaster/internal/auth"
	"crawlmaster/internal/registry"
	"crawlmaster/internal/repository"
)

// OpsHandler exposes the operator surface: worker fleet and account state
// over plain HTTP, mirroring the admin channel's get_workers/get_accounts.
type OpsHandler struct {
	Registry *registry.Registry
	Assign   *assignment.Manager
	Repo     repository.Repository
}

func (h *OpsHandler) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	v1.GET("/workers", h.listWorkers)
	v1.GET("/accounts", h.listAccounts)
	v1.POST("/accounts", h.createAccount)
	v1.POST("/accounts/:id/assign", h.assignAccount)
	v1.GET("/accounts/:id/entities", h.listEntities)
}

// @Summary List workers
// @Tags ops
// @Router /api/v1/workers [get]
func (h *OpsHandler) listWorkers(c *gin.Context) {
	Ok(c, h.Registry.List(), nil)
}

// @Summary List accounts
// @Tags ops
// @Router /api/v1/accounts [get]
func (h *OpsHandler) listAccounts(c *gin.Context) {
	Ok(c, h.Assign.List(), nil)
}

type createAccountRequest struct {
	ID       string `json:"id" binding:"required"`
	Platform string `json:"platform" binding:"required"`
}

// @Summary Create a managed account
// @Tags ops
// @Router /api/v1/accounts [post]
func (h *OpsHandler) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	acc, err := h.Assign.Create(c.Request.Context(), req.ID, req.Platform)
	if err != nil {
		if errors.Is(err, assignment.ErrAccountExists) {
			Error(c, http.StatusConflict, err.Error(), nil)
			return
		}
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	Created(c, acc)
}

type assignAccountRequest struct {
	WorkerID string `json:"worker_id"`
}

// @Summary Assign (or pin) an account to a worker
// @Tags ops
// @Router /api/v1/accounts/{id}/assign [post]
func (h *OpsHandler) assignAccount(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	var req assignAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	workerID, err := h.Assign.Assign(c.Request.Context(), id, req.WorkerID)
	if err != nil {
		switch {
		case errors.Is(err, assignment.ErrUnknownAccount):
			Error(c, http.StatusNotFound, err.Error(), nil)
		case errors.Is(err, assignment.ErrNoCapacity):
			// Non-fatal: the account stays pending and is retried.
			Error(c, http.StatusConflict, err.Error(), nil)
		default:
			Error(c, http.StatusBadRequest, err.Error(), nil)
		}
		return
	}
	Ok(c, gin.H{"account_id": id, "worker_id": workerID}, nil)
}

// @Summary List cached entities for an account
// @Tags ops
// @Router /api/v1/accounts/{id}/entities [get]
func (h *OpsHandler) listEntities(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	params := repository.ListEntitiesParams{AccountID: id}
	if v := strings.TrimSpace(c.Query("type")); v != "" {
		params.EntityType = &v
	}
	if v := strings.TrimSpace(c.Query("conversation_id")); v != "" {
		params.ConversationID = &v
	}
	params.UnreadOnly = c.Query("unread") == "true"
	params.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	params.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := h.Repo.ListEntities(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

// AuthHandler issues channel tokens for admin consoles and clients. The
// endpoint itself is unauthenticated, so callers must present the configured
// operator key before anything gets signed.
type AuthHandler struct {
	JWT         auth.JWT
	OperatorKey string
}

func (h *AuthHandler) Register(r *gin.Engine) {
	r.POST("/api/v1/auth/token", h.issue)
}

type tokenRequest struct {
	Subject string `json:"subject" binding:"required"`
	Role    string `json:"role" binding:"required"`
	APIKey  string `json:"api_key"`
}

// @Summary Issue a channel token
// @Tags auth
// @Router /api/v1/auth/token [post]
func (h *AuthHandler) issue(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if h.OperatorKey == "" {
		Error(c, http.StatusServiceUnavailable, "token issuance not configured", nil)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(h.OperatorKey)) != 1 {
		Error(c, http.StatusUnauthorized, "invalid operator key", nil)
		return
	}
	if req.Role != auth.RoleAdmin && req.Role != auth.RoleClient {
		Error(c, http.StatusBadRequest, "role must be admin or client", nil)
		return
	}
	claims := auth.Claims{Role: req.Role}
	claims.Subject = req.Subject
	token, expiresAt, err := h.JWT.Sign(claims)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"token": token, "expires_at": expiresAt}, nil)
}
