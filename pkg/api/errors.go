package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/fault"
)

// statusOf maps fault kinds to HTTP status codes.
func statusOf(err error) int {
	switch fault.KindOf(err) {
	case fault.BadRequest, fault.CycleDetected, fault.CycleExceeded:
		return http.StatusBadRequest
	case fault.Unauthorized:
		return http.StatusUnauthorized
	case fault.NotFound, fault.UnknownAgent, fault.NoSources:
		return http.StatusNotFound
	case fault.Conflict, fault.Cancelled:
		return http.StatusConflict
	case fault.Timeout:
		return http.StatusRequestTimeout
	case fault.Throttled:
		return http.StatusTooManyRequests
	case fault.ProviderError, fault.BadResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error response and logs server-side failures.
func fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed",
			"path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	})
}
