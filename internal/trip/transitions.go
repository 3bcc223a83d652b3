package trip

import (
	"context"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/guard"
	"github.com/chachabrian/mooveit-tanker/internal/models"
)

const (
	eventAccept   = "accept"
	eventReject   = "reject"
	eventStart    = "start"
	eventHydrant  = "hydrant"
	eventDelivery = "delivery"
	eventComplete = "complete"
)

// Accept takes a pending booking for this vehicle.
func (m *Machine) Accept(ctx context.Context, bookingID string) (Outcome, error) {
	return m.attempt(ctx, bookingID, eventAccept, models.TripStatusPending, m.bookingAction(guard.ActionAccept, models.TripStatusAccepted))
}

// Reject declines a pending booking.
func (m *Machine) Reject(ctx context.Context, bookingID string) (Outcome, error) {
	return m.attempt(ctx, bookingID, eventReject, models.TripStatusPending, m.bookingAction(guard.ActionReject, models.TripStatusRejected))
}

func (m *Machine) bookingAction(action guard.Action, to models.TripStatus) step {
	return func(ctx context.Context, t models.Trip) (func(*models.Trip), error) {
		if _, err := m.guarded(ctx, action, t.BookingID); err != nil {
			return nil, err
		}

		rctx, cancel := m.remote(ctx)
		defer cancel()
		if err := m.deps.Service.TripAction(rctx, t.BookingID, m.vehicle.VehicleID, string(action)); err != nil {
			return nil, apperr.Remote("could not "+string(action)+" the booking", err)
		}
		return func(c *models.Trip) { c.Status = to }, nil
	}
}

// guarded lists the booking set fresh and evaluates the fleet guard on it.
func (m *Machine) guarded(ctx context.Context, action guard.Action, bookingID string) (models.Booking, error) {
	bookings, err := m.listBookings(ctx)
	if err != nil {
		return models.Booking{}, err
	}
	b, err := findBooking(bookings, bookingID)
	if err != nil {
		return models.Booking{}, err
	}
	if err := guard.Evaluate(action, bookingID, bookings); err != nil {
		return models.Booking{}, err
	}
	return b, nil
}

// Start begins the trip of an accepted booking and starts location tracking.
// Background location permission is checked before the trip service is told,
// so a started trip always has tracking.
func (m *Machine) Start(ctx context.Context, bookingID string) (Outcome, error) {
	out, err := m.attempt(ctx, bookingID, eventStart, models.TripStatusAccepted, func(ctx context.Context, t models.Trip) (func(*models.Trip), error) {
		b, err := m.guarded(ctx, guard.ActionStart, t.BookingID)
		if err != nil {
			return nil, err
		}
		tripID := b.TripID
		if tripID == "" {
			tripID = t.TripID
		}
		if tripID == "" {
			return nil, apperr.Wrap(apperr.RemoteUnavailable, "the trip is not ready yet; try again", errNoTrip)
		}
		details, err := m.tripDetails(ctx, tripID)
		if err != nil {
			return nil, err
		}
		if err := m.deps.Tracker.CheckPermission(); err != nil {
			return nil, err
		}

		rctx, cancel := m.remote(ctx)
		defer cancel()
		if err := m.deps.Service.StartTrip(rctx, tripID); err != nil {
			return nil, apperr.Remote("could not start the trip", err)
		}

		started := m.now()
		return func(c *models.Trip) {
			c.TripID = tripID
			c.Status = models.TripStatusOngoing
			c.StartTime = &started
			c.Hydrant, c.Destination = details.Hydrant, details.Destination
			if details.CumulativeDistanceKm > c.CumulativeDistanceKm {
				c.CumulativeDistanceKm = details.CumulativeDistanceKm
			}
			if c.CustomerPhone == "" {
				c.CustomerPhone = b.Customer.ContactNumber
			}
		}, nil
	})
	if err != nil || !out.Changed {
		return out, err
	}

	t, _ := m.Trip(bookingID)
	if terr := m.deps.Tracker.Start(m.odometer(t)); terr != nil {
		m.logger.Error("trip started but tracking did not", "trip_id", t.TripID, "error", terr)
		out.Reason = "trip started, but location tracking could not start: " + terr.Error()
		return out, nil
	}
	m.publish(models.TripEvent{Type: models.EventTrackingChanged, BookingID: bookingID, TripID: t.TripID,
		Status: t.Status, DistanceKm: t.CumulativeDistanceKm, Tracking: true})
	return out, nil
}

// ReachHydrant records that the tanker filled up at the hydrant. The device
// must be within the geofence of the hydrant checkpoint. The photo is optional.
func (m *Machine) ReachHydrant(ctx context.Context, bookingID string, photo *models.MediaAsset) (Outcome, error) {
	return m.attempt(ctx, bookingID, eventHydrant, models.TripStatusOngoing, func(ctx context.Context, t models.Trip) (func(*models.Trip), error) {
		if _, err := m.deps.Verifier.Verify(ctx, "hydrant", t.Hydrant); err != nil {
			return nil, err
		}

		var url string
		if photo != nil && len(photo.Data) > 0 {
			var err error
			if url, err = m.upload(ctx, *photo, "hydrant-photos"); err != nil {
				return nil, err
			}
		}

		rctx, cancel := m.remote(ctx)
		defer cancel()
		if err := m.deps.Service.ReportHydrantReached(rctx, t.TripID, url); err != nil {
			return nil, apperr.Remote("could not report reaching the hydrant", err)
		}
		return func(c *models.Trip) {
			c.Status = models.TripStatusPickup
			c.HydrantProofRef = url
		}, nil
	})
}

// DeliverWater records delivery at the destination with a required video.
// Tracking stops once the delivery is confirmed.
func (m *Machine) DeliverWater(ctx context.Context, bookingID string, video models.MediaAsset) (Outcome, error) {
	out, err := m.attempt(ctx, bookingID, eventDelivery, models.TripStatusPickup, func(ctx context.Context, t models.Trip) (func(*models.Trip), error) {
		if len(video.Data) == 0 {
			if m.deps.Permissions != nil && !m.deps.Permissions.Current().Camera {
				return nil, apperr.New(apperr.PermissionDenied,
					"camera access is off; allow it in the device settings to record the delivery")
			}
			return nil, apperr.New(apperr.InvalidInput, "a delivery video is required")
		}
		if _, err := m.deps.Verifier.Verify(ctx, "destination", t.Destination); err != nil {
			return nil, err
		}

		url, err := m.upload(ctx, video, "delivery-videos")
		if err != nil {
			return nil, err
		}

		rctx, cancel := m.remote(ctx)
		defer cancel()
		if err := m.deps.Service.ReportWaterDelivered(rctx, t.TripID, url); err != nil {
			return nil, apperr.Remote("could not report the delivery", err)
		}
		return func(c *models.Trip) {
			c.Status = models.TripStatusDelivered
			c.DeliveryProofRef = url
		}, nil
	})
	if err == nil && out.Changed {
		m.stopTracking(ctx, bookingID)
	}
	return out, err
}

// RequestCompletionCode sends the customer a code to close a delivered trip.
// A code already outstanding for the trip is superseded.
func (m *Machine) RequestCompletionCode(ctx context.Context, bookingID string) (models.VerificationSession, error) {
	if prev, busy := m.begin(bookingID, "code request"); busy {
		return models.VerificationSession{}, apperr.New(apperr.InvalidInput, prev+" is still in progress")
	}
	defer m.end(bookingID)

	t, err := m.current(ctx, bookingID)
	if err != nil {
		return models.VerificationSession{}, err
	}
	if t.Status != models.TripStatusDelivered {
		return models.VerificationSession{}, apperr.New(apperr.InvalidInput,
			"a completion code can only be requested once the water is delivered")
	}
	return m.deps.Gate.Issue(ctx, t.TripID, t.CustomerPhone)
}

// ConfirmCompletion closes a delivered trip with the customer's code.
func (m *Machine) ConfirmCompletion(ctx context.Context, bookingID, verificationID, code string) (Outcome, error) {
	var tripID string
	out, err := m.attempt(ctx, bookingID, eventComplete, models.TripStatusDelivered, func(ctx context.Context, t models.Trip) (func(*models.Trip), error) {
		if verificationID == "" {
			return nil, apperr.New(apperr.InvalidInput, "request a completion code first")
		}
		if s, ok := m.deps.Gate.Session(t.TripID); !ok || s.VerificationID != verificationID {
			return nil, apperr.New(apperr.InvalidInput, "this code request is no longer valid; request a new code")
		}
		if _, err := m.deps.Gate.Confirm(ctx, verificationID, code); err != nil {
			return nil, err
		}
		tripID = t.TripID
		ended := m.now()
		return func(c *models.Trip) {
			c.Status = models.TripStatusCompleted
			c.EndTime = &ended
		}, nil
	})
	if err == nil && out.Changed {
		m.deps.Gate.Discard(tripID)
		m.stopTracking(ctx, bookingID)
	}
	return out, err
}
