package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/jsusurcia/pryGobierno-sub000/pkg/logger"
)

// Recovery turns a panic in a handler into a 500 with the same error body
// the handlers use for unknown failures.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(c.Request.Context(), "panic recovered",
					"error", err,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "Internal server error",
					"kind":       "unknown",
					"request_id": GetRequestID(c),
				})
			}
		}()

		c.Next()
	}
}
