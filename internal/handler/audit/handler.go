package audit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/access-api/internal/handler"
	"github.com/jwalitptl/access-api/internal/middleware"
	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/service/audit"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/httputil"
)

type Handler struct {
	service *audit.Service
	actors  handler.ActorResolver
}

func NewHandler(service *audit.Service, actors handler.ActorResolver) *Handler {
	return &Handler{
		service: service,
		actors:  actors,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	trail := r.Group("/audit")
	trail.Use(h.requireAuditReader())
	{
		trail.GET("/entries", h.ListEntries)
		trail.GET("/entries/:id", h.GetEntry)
		trail.POST("/entries/:id/corrections", h.AppendCorrection)
		trail.POST("/entries/:id/review", h.ReviewBreakGlass)
		trail.GET("/export", h.Export)
		trail.GET("/chains/:resource_id/verify", h.VerifyChain)
	}
}

const contextActor = "audit_actor"

// requireAuditReader resolves the caller once and admits only audit readers.
func (h *Handler) requireAuditReader() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := handler.Actor(c, h.actors)
		if !ok {
			return
		}
		if !actor.CanReadAuditTrail() {
			httputil.RespondWithError(c, errors.Forbidden("audit trail access requires audit_review or a compliance role"))
			return
		}
		c.Set(contextActor, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) *model.UserPermission {
	actor, _ := c.MustGet(contextActor).(*model.UserPermission)
	return actor
}

func bindFilter(c *gin.Context) (model.AuditFilter, bool) {
	var filter model.AuditFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		httputil.RespondWithError(c, errors.Validation("invalid query", err))
		return filter, false
	}
	return filter, true
}

func (h *Handler) ListEntries(c *gin.Context) {
	filter, ok := bindFilter(c)
	if !ok {
		return
	}
	page, err := h.service.Query(c.Request.Context(), filter)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPagination(c, page.Entries, page.Page, page.PageSize, page.Total)
}

func (h *Handler) GetEntry(c *gin.Context) {
	id, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}
	entry, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, entry)
}

func (h *Handler) AppendCorrection(c *gin.Context) {
	id, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}
	var req model.AuditCorrectionRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	if req.Reason == "" {
		httputil.RespondWithError(c, errors.Validation("reason is required", nil))
		return
	}

	entry, err := h.service.AppendCorrection(c.Request.Context(), middleware.UserID(c), id, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, entry)
}

func (h *Handler) ReviewBreakGlass(c *gin.Context) {
	id, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}
	var req model.BreakGlassReviewRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	switch req.Outcome {
	case model.ReviewOutcomeJustified, model.ReviewOutcomeUnjustified, model.ReviewOutcomeEscalated:
	default:
		httputil.RespondWithError(c, errors.Validation("outcome must be justified, unjustified or escalated", nil))
		return
	}

	entry, err := h.service.ReviewBreakGlass(c.Request.Context(), actorFrom(c), id, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, entry)
}

// Export streams the filtered trail as an attachment. Once streaming starts a failure
// can only truncate the body, so it is logged through the context errors.
func (h *Handler) Export(c *gin.Context) {
	filter, ok := bindFilter(c)
	if !ok {
		return
	}
	format := audit.ExportFormat(c.DefaultQuery("format", string(audit.ExportCSV)))
	contentType := "text/csv"
	switch format {
	case audit.ExportCSV:
	case audit.ExportJSON:
		contentType = "application/json"
	default:
		httputil.RespondWithError(c, errors.Validation("unsupported format", nil))
		return
	}

	filename := fmt.Sprintf("audit_%s.%s", time.Now().UTC().Format("20060102_150405"), format)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Status(http.StatusOK)

	if err := h.service.Export(c.Request.Context(), filter, format, c.Writer); err != nil {
		_ = c.Error(err)
	}
}

func (h *Handler) VerifyChain(c *gin.Context) {
	result, err := h.service.VerifyChain(c.Request.Context(), c.Param("resource_id"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, result)
}
