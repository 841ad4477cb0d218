package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jsusurcia/pryGobierno-sub000/pkg/logger"
	"github.com/jsusurcia/pryGobierno-sub000/service"
)

// statusFor maps an orchestrator error kind to an HTTP status.
func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindState:
		return http.StatusConflict
	case service.KindConnectivity:
		return http.StatusServiceUnavailable
	case service.KindProcessing:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error", "kind"} for err. Only user-facing messages
// leave the process; wrapped causes are logged.
func respondError(c *gin.Context, err error) {
	kind := service.KindOf(err)
	status := statusFor(kind)
	_ = c.Error(err)

	msg := service.Message(err)
	if kind == service.KindUnknown {
		msg = "Internal server error"
	}
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", "kind", kind.String(), "error", err)
	}

	c.AbortWithStatusJSON(status, gin.H{"error": msg, "kind": kind.String()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "kind": service.KindValidation.String()})
}
