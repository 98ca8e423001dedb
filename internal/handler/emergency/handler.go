package emergency

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/access-api/internal/handler"
	"github.com/jwalitptl/access-api/internal/model"
	emergencyService "github.com/jwalitptl/access-api/internal/service/emergency"
	"github.com/jwalitptl/access-api/pkg/httputil"
)

type Handler struct {
	service *emergencyService.Service
	actors  handler.ActorResolver
}

func NewHandler(service *emergencyService.Service, actors handler.ActorResolver) *Handler {
	return &Handler{service: service, actors: actors}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/emergency/break-glass", h.BreakGlass)
}

func (h *Handler) BreakGlass(c *gin.Context) {
	actor, ok := handler.Actor(c, h.actors)
	if !ok {
		return
	}
	var req model.BreakGlassRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	result, err := h.service.BreakGlass(c.Request.Context(), actor, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, result)
}
