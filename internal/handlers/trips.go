package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/chachabrian/mooveit-tanker/internal/tracking"
	"github.com/chachabrian/mooveit-tanker/internal/trip"
	"github.com/gin-gonic/gin"
)

const (
	maxPhotoBytes = 20 << 20
	maxVideoBytes = 200 << 20
)

// TripMachine is the part of the trip state machine the HTTP API drives.
type TripMachine interface {
	Bookings(ctx context.Context) ([]models.Booking, error)
	LoadTrip(ctx context.Context, bookingID string) (models.Trip, error)
	Accept(ctx context.Context, bookingID string) (trip.Outcome, error)
	Reject(ctx context.Context, bookingID string) (trip.Outcome, error)
	Start(ctx context.Context, bookingID string) (trip.Outcome, error)
	ReachHydrant(ctx context.Context, bookingID string, photo *models.MediaAsset) (trip.Outcome, error)
	DeliverWater(ctx context.Context, bookingID string, video models.MediaAsset) (trip.Outcome, error)
	RequestCompletionCode(ctx context.Context, bookingID string) (models.VerificationSession, error)
	ConfirmCompletion(ctx context.Context, bookingID, verificationID, code string) (trip.Outcome, error)
	Status() tracking.Status
	Resume(ctx context.Context) error
}

func ListBookings(m TripMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		bookings, err := m.Bookings(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"bookings": bookings})
	}
}

func GetTrip(m TripMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := m.LoadTrip(c.Request.Context(), c.Param("bookingId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

type transition func(ctx context.Context, bookingID string) (trip.Outcome, error)

// Transition serves accept, reject and start, which take no body.
func Transition(do transition) gin.HandlerFunc {
	return func(c *gin.Context) {
		respondOutcome(c)(do(c.Request.Context(), c.Param("bookingId")))
	}
}

// ReachHydrant takes an optional multipart "photo".
func ReachHydrant(m TripMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		photo, err := formAsset(c, "photo", maxPhotoBytes)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOutcome(c)(m.ReachHydrant(c.Request.Context(), c.Param("bookingId"), photo))
	}
}

// DeliverWater takes the delivery proof as multipart "video". A missing video
// is passed on empty so the machine can tell a denied camera from a skipped one.
func DeliverWater(m TripMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		video, err := formAsset(c, "video", maxVideoBytes)
		if err != nil {
			respondError(c, err)
			return
		}
		var asset models.MediaAsset
		if video != nil {
			asset = *video
		}
		respondOutcome(c)(m.DeliverWater(c.Request.Context(), c.Param("bookingId"), asset))
	}
}

func RequestCompletionCode(m TripMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := m.RequestCompletionCode(c.Request.Context(), c.Param("bookingId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"verificationId": session.VerificationID,
			"expiresAt":      session.ExpiresAt,
		})
	}
}

func ConfirmCompletion(m TripMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			VerificationID string `json:"verificationId" binding:"required"`
			Code           string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, apperr.Wrap(apperr.InvalidInput, "verificationId and code are required", err))
			return
		}
		respondOutcome(c)(m.ConfirmCompletion(c.Request.Context(), c.Param("bookingId"), input.VerificationID, input.Code))
	}
}

func TrackingStatus(m TripMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Status())
	}
}

func respondOutcome(c *gin.Context) func(trip.Outcome, error) {
	return func(out trip.Outcome, err error) {
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// formAsset reads a multipart file field. A missing field is not an error.
func formAsset(c *gin.Context, field string, limit int64) (*models.MediaAsset, error) {
	header, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "could not read the upload", err)
	}
	if header.Size > limit {
		return nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("%s is larger than %d MB", field, limit>>20))
	}

	file, err := header.Open()
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "could not read the upload", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "could not read the upload", err)
	}
	return &models.MediaAsset{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}
