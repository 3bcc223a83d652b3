package models

import (
	"time"
)

// LocationPing is a single sample from the device's positioning subsystem
type LocationPing struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	Accuracy   float64   `json:"accuracy"` // horizontal accuracy in meters, 0 if unknown
	CapturedAt time.Time `json:"capturedAt"`
}

// Coordinate returns the horizontal position of the ping.
func (p LocationPing) Coordinate() Coordinate {
	return Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
}

// QueuedPing is a ping that failed delivery and waits in the retry queue.
type QueuedPing struct {
	ID       string       `json:"id"`
	TripID   string       `json:"tripId"`
	Geohash  string       `json:"geohash"`
	Ping     LocationPing `json:"ping"`
	QueuedAt time.Time    `json:"queuedAt"`
	Attempts int          `json:"attempts"`
}
