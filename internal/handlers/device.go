package handlers

import (
	"net/http"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/chachabrian/mooveit-tanker/internal/tracking"
	"github.com/chachabrian/mooveit-tanker/pkg/utils"
	"github.com/gin-gonic/gin"
)

// PushFix receives a position fix from the device shell.
func PushFix(feed *tracking.Feed) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Latitude   *float64   `json:"latitude" binding:"required"`
			Longitude  *float64   `json:"longitude" binding:"required"`
			Altitude   float64    `json:"altitude"`
			Speed      float64    `json:"speed"`
			Heading    float64    `json:"heading"`
			Accuracy   float64    `json:"accuracy"`
			CapturedAt *time.Time `json:"capturedAt"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, apperr.Wrap(apperr.InvalidInput, "latitude and longitude are required", err))
			return
		}
		if !utils.ValidCoordinate(*input.Latitude, *input.Longitude) {
			respondError(c, apperr.New(apperr.InvalidInput, "coordinates out of range"))
			return
		}
		if input.Accuracy < 0 {
			respondError(c, apperr.New(apperr.InvalidInput, "accuracy must be non-negative"))
			return
		}

		captured := time.Now()
		if input.CapturedAt != nil {
			captured = *input.CapturedAt
		}
		feed.Push(models.LocationPing{
			Latitude:   *input.Latitude,
			Longitude:  *input.Longitude,
			Altitude:   input.Altitude,
			Speed:      input.Speed,
			Heading:    input.Heading,
			Accuracy:   input.Accuracy,
			CapturedAt: captured,
		})
		c.Status(http.StatusNoContent)
	}
}

// SetPermissions receives the OS permission state from the device shell.
func SetPermissions(feed *tracking.Feed) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input tracking.PermissionState
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, apperr.Wrap(apperr.InvalidInput, "invalid permission state", err))
			return
		}
		feed.SetPermissions(input)
		c.JSON(http.StatusOK, feed.Current())
	}
}

// Resume is called when the app returns to the foreground.
func Resume(m TripMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.Resume(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, m.Status())
	}
}
