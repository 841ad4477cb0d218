package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jsusurcia/pryGobierno-sub000/pkg/logger"
)

// RequestLogger writes one line per request. Request and user ids come from
// the request context, so RequestID and AuthMiddleware must have run for
// them to appear.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"status", status,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"route", c.FullPath(),
			"bytes", c.Writer.Size(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if query != "" {
			attrs = append(attrs, "query", query)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		ctx := c.Request.Context()
		logger.WithContext(ctx).Log(ctx, levelForStatus(status, c.FullPath()), "request completed", attrs...)
	}
}

func levelForStatus(status int, route string) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case route == "/health":
		// probes hit this every few seconds
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
