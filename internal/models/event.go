package models

import "time"

type EventType string

const (
	EventTripUpdated     EventType = "trip.updated"
	EventDistanceUpdated EventType = "trip.distance"
	EventTrackingChanged EventType = "tracking.changed"
)

// TripEvent is pushed to the driver UI whenever confirmed state changes.
type TripEvent struct {
	Type       EventType  `json:"type"`
	VehicleID  string     `json:"vehicleId"`
	BookingID  string     `json:"bookingId,omitempty"`
	TripID     string     `json:"tripId,omitempty"`
	Status     TripStatus `json:"status,omitempty"`
	DistanceKm float64    `json:"distanceKm"`
	Tracking   bool       `json:"tracking"`
	At         time.Time  `json:"at"`
}
