package site

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/access-api/internal/handler"
	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/service/directory"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/httputil"
)

type Handler struct {
	directory *directory.Service
	actors    handler.ActorResolver
}

func NewHandler(dir *directory.Service, actors handler.ActorResolver) *Handler {
	return &Handler{directory: dir, actors: actors}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sites := r.Group("/sites")
	{
		sites.GET("", h.List)
		sites.GET("/:id", h.Get)
		sites.PUT("/:id", h.Register)
	}
	r.GET("/network/settings", h.Settings)
}

func (h *Handler) List(c *gin.Context) {
	sites, err := h.directory.ListSites(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, sites)
}

func (h *Handler) Get(c *gin.Context) {
	s, err := h.directory.GetSite(c.Request.Context(), c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, s)
}

// Register creates or replaces a site. Only network administrators may change the directory.
func (h *Handler) Register(c *gin.Context) {
	actor, ok := handler.Actor(c, h.actors)
	if !ok {
		return
	}
	if !actor.CanManageNetwork() {
		httputil.RespondWithError(c, errors.Forbidden("only administrators may register sites"))
		return
	}
	var s model.NetworkSite
	if !handler.BindJSON(c, &s) {
		return
	}
	s.ID = c.Param("id")

	if err := h.directory.RegisterSite(c.Request.Context(), &s); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, s)
}

func (h *Handler) Settings(c *gin.Context) {
	httputil.RespondWithSuccess(c, h.directory.Settings())
}
