// Package guard enforces the one-live-trip-per-vehicle rule across bookings.
package guard

import (
	"fmt"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/models"
)

type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionStart  Action = "start"
)

const (
	ReasonTripActive   = "trip already active"
	ReasonTripAccepted = "trip already accepted"
)

// Evaluate decides whether action may be taken on bookingID given the
// vehicle's full booking set. The set must be freshly listed by the caller.
// It returns nil or an InvariantViolation naming the blocking booking.
func Evaluate(action Action, bookingID string, bookings []models.Booking) error {
	var accepted *models.Booking
	for i := range bookings {
		b := &bookings[i]
		if b.BookingID == bookingID {
			continue
		}
		switch st := b.EffectiveStatus(); {
		case st.IsInTransit(), st == models.TripStatusDelivered:
			return violation(action, ReasonTripActive, b)
		case st == models.TripStatusAccepted && accepted == nil:
			accepted = b
		}
	}
	if accepted != nil {
		return violation(action, ReasonTripAccepted, accepted)
	}
	return nil
}

func violation(action Action, reason string, blocking *models.Booking) error {
	return apperr.Wrap(apperr.InvariantViolation, reason,
		fmt.Errorf("cannot %s: booking %s is %s", action, blocking.BookingID, blocking.EffectiveStatus()))
}
