package models

import "time"

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusAccepted  BookingStatus = "accepted"
	BookingStatusRejected  BookingStatus = "rejected"
	BookingStatusCancelled BookingStatus = "cancelled"
)

type Customer struct {
	Name          string `json:"name"`
	ContactNumber string `json:"contactNumber"`
	Address       string `json:"address"`
}

// Booking is a customer's request for a water delivery on a given day.
// TripID and TripStatus are empty until the booking has been accepted.
type Booking struct {
	BookingID   string        `json:"bookingId"`
	JourneyDate time.Time     `json:"journeyDate"`
	Status      BookingStatus `json:"status"`
	VehicleID   string        `json:"vehicleId"`
	Customer    Customer      `json:"customer"`
	TripID      string        `json:"tripId,omitempty"`
	TripStatus  TripStatus    `json:"tripStatus,omitempty"`
}

// EffectiveStatus folds the booking and trip status into one machine state.
func (b Booking) EffectiveStatus() TripStatus {
	switch b.Status {
	case BookingStatusPending:
		return TripStatusPending
	case BookingStatusRejected, BookingStatusCancelled:
		return TripStatusRejected
	}
	if b.TripStatus != "" && b.TripStatus != TripStatusPending {
		return b.TripStatus
	}
	return TripStatusAccepted
}

// Vehicle identifies the tanker this agent runs on.
type Vehicle struct {
	VehicleID     string `json:"vehicleId"`
	VehicleNumber string `json:"vehicleNumber"`
	ContactNumber string `json:"contactNumber"`
}

// VehicleCheck is the trip service's answer to checkVehicle.
type VehicleCheck struct {
	Exists        bool   `json:"exists"`
	VehicleID     string `json:"vehicleId"`
	ContactNumber string `json:"contactNumber"`
}
