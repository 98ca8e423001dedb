package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/access-api/pkg/httputil"
	"github.com/jwalitptl/access-api/pkg/logger"
)

// ErrorHandler logs errors recorded on the context and writes the error envelope
// when a handler recorded an error without responding.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		for _, e := range c.Errors {
			log.Debug("request error",
				"request_id", c.GetString(ContextRequestID),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", e.Err.Error())
		}

		if c.Writer.Written() {
			return
		}
		status, body := httputil.ErrorBody(c.Errors.Last().Err)
		c.JSON(status, body)
	}
}
