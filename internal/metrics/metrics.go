// Package metrics holds the Prometheus collectors exported by the trip agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts attempted trip transitions by event and outcome
	// (applied, noop, or the failure kind).
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tanker_trip_transitions_total",
		Help: "Trip transition attempts by event and outcome",
	}, []string{"event", "outcome"})

	// TransitionDuration tracks how long a transition takes end to end.
	TransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tanker_trip_transition_duration_seconds",
		Help:    "Trip transition duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"event"})

	// GeofenceChecksTotal counts geofence checks by checkpoint and result
	// (passed, failed, inconclusive).
	GeofenceChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tanker_geofence_checks_total",
		Help: "Geofence checks by checkpoint and result",
	}, []string{"checkpoint", "result"})

	// LocationSamplesTotal counts location samples by what happened to them
	// (accepted, out_of_order, stationary, skipped).
	LocationSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tanker_location_samples_total",
		Help: "Location samples by result",
	}, []string{"result"})

	// LocationDeliveriesTotal counts sink deliveries by result
	// (delivered, queued, redelivered, dropped).
	LocationDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tanker_location_deliveries_total",
		Help: "Location ping deliveries to the trip service by result",
	}, []string{"result"})

	// TrackingActive is 1 while a tracking subscription is registered.
	TrackingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tanker_tracking_active",
		Help: "Whether location tracking is currently active",
	})

	// WebSocketClients is the number of connected websocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tanker_websocket_clients",
		Help: "Connected websocket clients",
	})

	// VerificationAttemptsTotal counts completion code confirmations by result.
	VerificationAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tanker_verification_attempts_total",
		Help: "Completion code confirmation attempts by result",
	}, []string{"result"})
)
