// Package apperr defines the structured failure kinds returned by the trip agent.
// Every failure surfaced to a caller resolves to exactly one Kind.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller is expected to react to it.
type Kind string

const (
	// InvalidInput is recovered locally and never reaches the network.
	InvalidInput Kind = "invalid_input"
	// PermissionDenied is terminal until the user changes a device setting.
	PermissionDenied Kind = "permission_denied"
	// GeofenceFailed carries the measured distance; retry by re-sampling position.
	GeofenceFailed Kind = "geofence_failed"
	// RemoteUnavailable is retryable by re-invoking the same transition.
	RemoteUnavailable Kind = "remote_unavailable"
	// InvariantViolation is terminal for the attempted action.
	InvariantViolation Kind = "invariant_violation"
	// Timeout means a bounded wait expired.
	Timeout Kind = "timeout"
)

// Error is a failure with a kind and a user-facing reason.
type Error struct {
	Kind   Kind
	Reason string
	// DistanceKm is set for GeofenceFailed.
	DistanceKm float64
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: Timeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Geofence builds a GeofenceFailed error for a check that measured distanceKm.
func Geofence(checkpoint string, distanceKm float64) *Error {
	return &Error{
		Kind:       GeofenceFailed,
		Reason:     fmt.Sprintf("you are %.0f m away from the %s; move closer and try again", distanceKm*1000, checkpoint),
		DistanceKm: distanceKm,
	}
}

// FromContext maps a context failure to Timeout, or wraps anything else as
// RemoteUnavailable with the given reason.
func FromContext(reason string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Timeout, reason+": timed out", err)
	}
	return Wrap(RemoteUnavailable, reason, err)
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As returns err as an *Error if it is one.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Retryable reports whether re-invoking the same operation may succeed without
// any user action.
func Retryable(err error) bool {
	switch KindOf(err) {
	case RemoteUnavailable, Timeout, GeofenceFailed:
		return true
	}
	return false
}

// Remote classifies the failure of a call to the trip service. Errors already
// carrying a kind keep it; everything else goes through FromContext.
func Remote(reason string, err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return FromContext(reason, err)
}
