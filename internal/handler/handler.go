package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/middleware"
	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/httputil"
)

// ActorResolver turns the authenticated subject into its current permission record.
type ActorResolver interface {
	Resolve(ctx context.Context, userID string) (*model.UserPermission, error)
}

// Actor resolves the caller. On failure the error response is written and ok is false.
func Actor(c *gin.Context, resolver ActorResolver) (*model.UserPermission, bool) {
	userID := middleware.UserID(c)
	if userID == "" {
		httputil.RespondWithError(c, errors.ErrAuthenticationRequired)
		return nil, false
	}
	actor, err := resolver.Resolve(c.Request.Context(), userID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return nil, false
	}
	return actor, true
}

// BindJSON decodes the body into req, answering Validation on malformed input.
func BindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httputil.RespondWithError(c, errors.Validation("invalid request body", err))
		return false
	}
	return true
}

// ParamUUID parses a path parameter as a UUID, answering Validation when it is not one.
func ParamUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		httputil.RespondWithError(c, errors.Validation("invalid "+name, err))
		return uuid.Nil, false
	}
	return id, true
}
