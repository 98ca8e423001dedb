package access

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/access-api/internal/handler"
	"github.com/jwalitptl/access-api/internal/middleware"
	"github.com/jwalitptl/access-api/internal/model"
	accessService "github.com/jwalitptl/access-api/internal/service/access"
	"github.com/jwalitptl/access-api/pkg/httputil"
)

type Handler struct {
	engine *accessService.Engine
}

func NewHandler(engine *accessService.Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	access := r.Group("/access")
	{
		access.POST("/evaluate", h.Evaluate)
	}
}

// Evaluate answers whether the caller may act on a patient's record. A denial is a
// successful response carrying allowed=false; only failures use the error envelope.
func (h *Handler) Evaluate(c *gin.Context) {
	var req model.EvaluateRequest
	if !handler.BindJSON(c, &req) {
		return
	}

	decision, err := h.engine.Authorize(c.Request.Context(), middleware.UserID(c), req.PatientID, req.Action)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, decision)
}
