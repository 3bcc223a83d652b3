package handlers

import (
	"net/http"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/gin-gonic/gin"
)

// statusFor maps a failure kind to the HTTP status the UI reacts to.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.PermissionDenied:
		return http.StatusForbidden
	case apperr.GeofenceFailed:
		return http.StatusUnprocessableEntity
	case apperr.RemoteUnavailable:
		return http.StatusServiceUnavailable
	case apperr.InvariantViolation:
		return http.StatusConflict
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	body := gin.H{
		"error":     e.Reason,
		"kind":      e.Kind,
		"retryable": apperr.Retryable(e),
	}
	if e.Kind == apperr.GeofenceFailed {
		body["distanceKm"] = e.DistanceKm
	}
	c.JSON(statusFor(e.Kind), body)
}
