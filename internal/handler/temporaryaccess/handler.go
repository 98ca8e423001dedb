package temporaryaccess

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/access-api/internal/handler"
	"github.com/jwalitptl/access-api/internal/middleware"
	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/service/temporary"
	"github.com/jwalitptl/access-api/pkg/httputil"
)

type Handler struct {
	service *temporary.Service
	actors  handler.ActorResolver
}

func NewHandler(service *temporary.Service, actors handler.ActorResolver) *Handler {
	return &Handler{service: service, actors: actors}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	grants := r.Group("/temporary-access")
	{
		grants.POST("", h.Request)
		grants.GET("", h.List)
		grants.DELETE("/:id", h.Revoke)
	}
}

// Request returns 201 for an immediate grant and 202 when the request waits for approval.
func (h *Handler) Request(c *gin.Context) {
	actor, ok := handler.Actor(c, h.actors)
	if !ok {
		return
	}
	var req model.TemporaryAccessRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	result, err := h.service.RequestTemporaryAccess(c.Request.Context(), actor, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	status := http.StatusCreated
	switch {
	case result.RequiresApproval:
		status = http.StatusAccepted
	case result.RedirectToEmergency:
		status = http.StatusOK
	}
	httputil.RespondWithStatus(c, status, result)
}

// List returns the caller's own grants.
func (h *Handler) List(c *gin.Context) {
	grants, err := h.service.ListGrants(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, grants)
}

func (h *Handler) Revoke(c *gin.Context) {
	actor, ok := handler.Actor(c, h.actors)
	if !ok {
		return
	}
	id, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}

	grant, err := h.service.RevokeGrant(c.Request.Context(), actor, id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, grant)
}

// ApprovalHandler serves the approval workflow's callback. It is mounted only behind
// workflow service credentials, never on the user API.
type ApprovalHandler struct {
	service *temporary.Service
}

func NewApprovalHandler(service *temporary.Service) *ApprovalHandler {
	return &ApprovalHandler{service: service}
}

func (h *ApprovalHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/temporary-access/approvals", h.Decide)
}

// Decide applies a decision delivered over HTTP. Decisions relayed over the broker take
// the listener path instead.
func (h *ApprovalHandler) Decide(c *gin.Context) {
	var decision model.ApprovalDecision
	if !handler.BindJSON(c, &decision) {
		return
	}

	grant, err := h.service.OnApprovalDecision(c.Request.Context(), decision)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, grant)
}
