package models

import (
	"time"
)

// VerificationSession is an outstanding one-time-code challenge for closing a trip
type VerificationSession struct {
	VerificationID string    `json:"verificationId"`
	TripID         string    `json:"tripId"`
	PhoneNumber    string    `json:"phoneNumber"`
	IssuedAt       time.Time `json:"issuedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Consumed       bool      `json:"consumed"`
	Attempts       int       `json:"attempts"`
}

// IsValid checks if the session can still be confirmed (not expired and not used)
func (s *VerificationSession) IsValid(now time.Time) bool {
	return !s.Consumed && now.Before(s.ExpiresAt)
}
