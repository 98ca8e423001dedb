package referral

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/handler"
	"github.com/jwalitptl/access-api/internal/model"
	referralService "github.com/jwalitptl/access-api/internal/service/referral"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/httputil"
)

type Handler struct {
	service *referralService.Service
	actors  handler.ActorResolver
}

func NewHandler(service *referralService.Service, actors handler.ActorResolver) *Handler {
	return &Handler{service: service, actors: actors}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	referrals := r.Group("/referrals")
	{
		referrals.POST("", h.Create)
		referrals.GET("", h.List)
		referrals.GET("/:id", h.Get)
		referrals.POST("/:id/accept", h.Accept)
		referrals.POST("/:id/decline", h.Decline)
	}
}

func (h *Handler) Create(c *gin.Context) {
	actor, ok := handler.Actor(c, h.actors)
	if !ok {
		return
	}
	var req model.CreateReferralRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	ref, err := h.service.CreateReferral(c.Request.Context(), actor, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, ref)
}

// List returns referrals touching the caller's home site unless another site is named.
func (h *Handler) List(c *gin.Context) {
	actor, ok := handler.Actor(c, h.actors)
	if !ok {
		return
	}
	var filter model.ReferralFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		httputil.RespondWithError(c, errors.Validation("invalid query", err))
		return
	}
	if filter.SiteID == "" {
		filter.SiteID = actor.HomeSite
	}

	refs, total, err := h.service.ListReferrals(c.Request.Context(), filter)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	page := filter.Pagination.Normalize()
	httputil.RespondWithPagination(c, refs, page.Page, page.PageSize, total)
}

func (h *Handler) Get(c *gin.Context) {
	if _, ok := handler.Actor(c, h.actors); !ok {
		return
	}
	id, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}

	ref, err := h.service.GetReferral(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, ref)
}

func (h *Handler) Accept(c *gin.Context) {
	h.respond(c, h.service.AcceptReferral)
}

func (h *Handler) Decline(c *gin.Context) {
	h.respond(c, h.service.DeclineReferral)
}

type responder func(ctx context.Context, actor *model.UserPermission, id uuid.UUID) (*model.CrossSiteReferral, error)

func (h *Handler) respond(c *gin.Context, fn responder) {
	actor, ok := handler.Actor(c, h.actors)
	if !ok {
		return
	}
	id, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}

	ref, err := fn(c.Request.Context(), actor, id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, ref)
}
