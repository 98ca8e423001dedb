package consent

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/access-api/internal/handler"
	"github.com/jwalitptl/access-api/internal/model"
	consentService "github.com/jwalitptl/access-api/internal/service/consent"
	"github.com/jwalitptl/access-api/pkg/httputil"
)

type Handler struct {
	service *consentService.Service
	actors  handler.ActorResolver
}

func NewHandler(service *consentService.Service, actors handler.ActorResolver) *Handler {
	return &Handler{service: service, actors: actors}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/patients/:patient_id/consents", h.List)
	r.POST("/patients/:patient_id/consents", h.Record)
	r.DELETE("/consents/:id", h.Withdraw)
}

func (h *Handler) Record(c *gin.Context) {
	actor, ok := handler.Actor(c, h.actors)
	if !ok {
		return
	}
	var req model.RecordConsentRequest
	if !handler.BindJSON(c, &req) {
		return
	}
	req.PatientID = c.Param("patient_id")

	consent, err := h.service.RecordConsent(c.Request.Context(), actor, req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, consent)
}

func (h *Handler) List(c *gin.Context) {
	actor, ok := handler.Actor(c, h.actors)
	if !ok {
		return
	}
	consents, err := h.service.ListConsents(c.Request.Context(), actor, c.Param("patient_id"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, consents)
}

func (h *Handler) Withdraw(c *gin.Context) {
	actor, ok := handler.Actor(c, h.actors)
	if !ok {
		return
	}
	id, ok := handler.ParamUUID(c, "id")
	if !ok {
		return
	}

	consent, err := h.service.WithdrawConsent(c.Request.Context(), actor, id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, consent)
}
