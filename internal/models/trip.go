package models

import (
	"time"
)

// TripStatus is the lifecycle state of a trip as last confirmed by the trip service.
type TripStatus string

// TripStatus constants
const (
	TripStatusPending   TripStatus = "pending"
	TripStatusAccepted  TripStatus = "accepted"
	TripStatusOngoing   TripStatus = "ongoing"
	TripStatusPickup    TripStatus = "pickup"
	TripStatusDelivered TripStatus = "delivered"
	TripStatusCompleted TripStatus = "completed"
	TripStatusRejected  TripStatus = "rejected"
)

// IsTerminal reports whether no further transition can leave this status.
func (s TripStatus) IsTerminal() bool {
	return s == TripStatusCompleted || s == TripStatusRejected
}

// IsInTransit reports whether the vehicle is between start and delivery.
func (s TripStatus) IsInTransit() bool {
	return s == TripStatusOngoing || s == TripStatusPickup
}

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Checkpoint is a fixed point a trip must geofence-verify against.
type Checkpoint struct {
	Coordinate
	Address string `json:"address"`
}

// Trip is the confirmed view of a single delivery run.
type Trip struct {
	TripID               string     `json:"tripId"`
	BookingID            string     `json:"bookingId"`
	VehicleID            string     `json:"vehicleId"`
	Status               TripStatus `json:"status"`
	StartTime            *time.Time `json:"startTime,omitempty"`
	EndTime              *time.Time `json:"endTime,omitempty"`
	CumulativeDistanceKm float64    `json:"cumulativeDistanceKm"`
	HydrantProofRef      string     `json:"hydrantProofRef,omitempty"`
	DeliveryProofRef     string     `json:"deliveryProofRef,omitempty"`
	Hydrant              Checkpoint `json:"hydrant"`
	Destination          Checkpoint `json:"destination"`
	CustomerPhone        string     `json:"customerPhone,omitempty"`
}

// TripDetails is the trip service's representation returned by getTrip.
type TripDetails struct {
	TripID               string     `json:"tripId"`
	BookingID            string     `json:"bookingId"`
	Status               TripStatus `json:"status"`
	StartTime            *time.Time `json:"startTime,omitempty"`
	EndTime              *time.Time `json:"endTime,omitempty"`
	CumulativeDistanceKm float64    `json:"distance"`
	HydrantPhotoURL      string     `json:"hydrantPhotoUrl,omitempty"`
	DeliveryVideoURL     string     `json:"deliveryVideoUrl,omitempty"`
	Hydrant              Checkpoint `json:"hydrant"`
	Destination          Checkpoint `json:"destination"`
}

// MediaAsset is a captured proof photo or video awaiting upload.
type MediaAsset struct {
	Filename    string
	ContentType string
	Data        []byte
}
