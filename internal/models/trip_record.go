package models

import (
	"time"

	"gorm.io/gorm"
)

// TripRecord is the locally persisted snapshot of the last confirmed trip state
type TripRecord struct {
	gorm.Model
	BookingID            string     `json:"bookingId" gorm:"not null;uniqueIndex"`
	TripID               string     `json:"tripId" gorm:"index"`
	VehicleID            string     `json:"vehicleId" gorm:"not null;index"`
	Status               string     `json:"status" gorm:"not null;default:'pending'"`
	StartTime            *time.Time `json:"startTime,omitempty"`
	EndTime              *time.Time `json:"endTime,omitempty"`
	CumulativeDistanceKm float64    `json:"cumulativeDistanceKm" gorm:"not null;default:0"`
	HydrantProofRef      string     `json:"hydrantProofRef,omitempty"`
	DeliveryProofRef     string     `json:"deliveryProofRef,omitempty"`
	HydrantLat           float64    `json:"hydrantLat"`
	HydrantLng           float64    `json:"hydrantLng"`
	HydrantAddr          string     `json:"hydrantAddress"`
	DestLat              float64    `json:"destLat"`
	DestLng              float64    `json:"destLng"`
	DestAddr             string     `json:"destAddress"`
	CustomerPhone        string     `json:"customerPhone,omitempty"`
}

// TableName specifies the table name
func (TripRecord) TableName() string {
	return "trip_records"
}

// ToTrip converts the record back into the in-memory trip view.
func (r *TripRecord) ToTrip() Trip {
	return Trip{
		TripID:               r.TripID,
		BookingID:            r.BookingID,
		VehicleID:            r.VehicleID,
		Status:               TripStatus(r.Status),
		StartTime:            r.StartTime,
		EndTime:              r.EndTime,
		CumulativeDistanceKm: r.CumulativeDistanceKm,
		HydrantProofRef:      r.HydrantProofRef,
		DeliveryProofRef:     r.DeliveryProofRef,
		Hydrant: Checkpoint{
			Coordinate: Coordinate{Latitude: r.HydrantLat, Longitude: r.HydrantLng},
			Address:    r.HydrantAddr,
		},
		Destination: Checkpoint{
			Coordinate: Coordinate{Latitude: r.DestLat, Longitude: r.DestLng},
			Address:    r.DestAddr,
		},
		CustomerPhone: r.CustomerPhone,
	}
}

// Apply copies a trip view onto the record, keeping the gorm metadata.
func (r *TripRecord) Apply(t Trip) {
	r.BookingID = t.BookingID
	r.TripID = t.TripID
	r.VehicleID = t.VehicleID
	r.Status = string(t.Status)
	r.StartTime = t.StartTime
	r.EndTime = t.EndTime
	r.CumulativeDistanceKm = t.CumulativeDistanceKm
	r.HydrantProofRef = t.HydrantProofRef
	r.DeliveryProofRef = t.DeliveryProofRef
	r.HydrantLat = t.Hydrant.Latitude
	r.HydrantLng = t.Hydrant.Longitude
	r.HydrantAddr = t.Hydrant.Address
	r.DestLat = t.Destination.Latitude
	r.DestLng = t.Destination.Longitude
	r.DestAddr = t.Destination.Address
	r.CustomerPhone = t.CustomerPhone
}
