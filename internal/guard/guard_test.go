package guard

import (
	"testing"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func booking(id string, status models.BookingStatus, trip models.TripStatus) models.Booking {
	return models.Booking{BookingID: id, VehicleID: "V1", Status: status, TripStatus: trip}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvariantViolation, e.Kind)
	return e.Reason
}

func TestAcceptBlockedByAcceptedBooking(t *testing.T) {
	set := []models.Booking{
		booking("B1", models.BookingStatusAccepted, ""),
		booking("B2", models.BookingStatusPending, ""),
	}

	for _, action := range []Action{ActionAccept, ActionReject, ActionStart} {
		err := Evaluate(action, "B2", set)
		assert.Equal(t, ReasonTripAccepted, reasonOf(t, err), "action %s", action)
	}
}

func TestActiveTripTakesPrecedence(t *testing.T) {
	set := []models.Booking{
		booking("B1", models.BookingStatusAccepted, models.TripStatusAccepted),
		booking("B2", models.BookingStatusAccepted, models.TripStatusPickup),
		booking("B3", models.BookingStatusPending, ""),
	}

	assert.Equal(t, ReasonTripActive, reasonOf(t, Evaluate(ActionAccept, "B3", set)))
}

func TestDeliveredTripStillBlocks(t *testing.T) {
	set := []models.Booking{
		booking("B1", models.BookingStatusAccepted, models.TripStatusDelivered),
		booking("B2", models.BookingStatusPending, ""),
	}

	assert.Equal(t, ReasonTripActive, reasonOf(t, Evaluate(ActionAccept, "B2", set)))
}

func TestTerminalAndPendingBookingsDoNotBlock(t *testing.T) {
	set := []models.Booking{
		booking("B1", models.BookingStatusAccepted, models.TripStatusCompleted),
		booking("B2", models.BookingStatusRejected, ""),
		booking("B3", models.BookingStatusCancelled, ""),
		booking("B4", models.BookingStatusPending, ""),
		booking("B5", models.BookingStatusPending, ""),
	}

	assert.NoError(t, Evaluate(ActionAccept, "B5", set))
	assert.NoError(t, Evaluate(ActionReject, "B5", set))
}

func TestOwnBookingIsIgnored(t *testing.T) {
	set := []models.Booking{booking("B1", models.BookingStatusAccepted, models.TripStatusAccepted)}

	assert.NoError(t, Evaluate(ActionStart, "B1", set))
}
