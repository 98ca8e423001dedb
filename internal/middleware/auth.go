package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/access-api/pkg/auth"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/httputil"
)

const ContextUserID = "user_id"

type AuthMiddleware struct {
	tokens *auth.JWTService
}

func NewAuthMiddleware(tokens *auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Authenticate verifies the bearer token and puts the subject in the context.
// The actor's permissions are resolved per operation, never taken from the token.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httputil.RespondWithError(c, errors.New(errors.KindAuthenticationRequired, "missing authorization header", nil))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.RespondWithError(c, errors.New(errors.KindAuthenticationRequired, "invalid authorization format", nil))
			return
		}

		claims, err := m.tokens.ValidateToken(parts[1])
		if err != nil {
			httputil.RespondWithError(c, errors.New(errors.KindAuthenticationRequired, "invalid token", err))
			return
		}

		c.Set(ContextUserID, claims.UserID())
		c.Next()
	}
}

// UserID returns the authenticated subject, or "" outside Authenticate.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
