// Package trip is the trip state machine. It holds the last confirmed state of
// every booking the vehicle has seen, gates transitions through the fleet
// guard, and drives the geofence verifier, the tracking aggregator and the
// verification gate at the right points of the lifecycle.
//
// Local state only ever moves after the trip service confirms a transition.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/geofence"
	"github.com/chachabrian/mooveit-tanker/internal/metrics"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/chachabrian/mooveit-tanker/internal/tracking"
)

// TripService is the remote store of bookings and trips.
type TripService interface {
	ListBookings(ctx context.Context, vehicleID string) ([]models.Booking, error)
	TripAction(ctx context.Context, bookingID, vehicleID, action string) error
	StartTrip(ctx context.Context, tripID string) error
	GetTrip(ctx context.Context, tripID string) (models.TripDetails, error)
	ReportHydrantReached(ctx context.Context, tripID, photoURL string) error
	ReportWaterDelivered(ctx context.Context, tripID, videoURL string) error
}

// Uploader stores a proof asset and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, asset models.MediaAsset, folder string) (string, error)
}

// Store persists confirmed trip snapshots across agent restarts.
type Store interface {
	Save(ctx context.Context, t models.Trip) error
	Load(ctx context.Context, bookingID string) (models.Trip, bool, error)
}

type Notifier interface {
	Publish(ev models.TripEvent)
}

type Tracker interface {
	CheckPermission() error
	Start(odo *tracking.Odometer) error
	Stop()
	Resume() error
	Status() tracking.Status
	Updates() <-chan tracking.Update
}

type Verifier interface {
	Verify(ctx context.Context, name string, target models.Checkpoint) (geofence.Verdict, error)
}

type Gate interface {
	Issue(ctx context.Context, tripID, phoneNumber string) (models.VerificationSession, error)
	Confirm(ctx context.Context, verificationID, code string) (models.VerificationSession, error)
	Session(tripID string) (models.VerificationSession, bool)
	Discard(tripID string)
}

type Config struct {
	// RemoteTimeout bounds every call to the trip service and the uploader.
	RemoteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{RemoteTimeout: 15 * time.Second}
}

// Deps groups the collaborators of a Machine.
type Deps struct {
	Service     TripService
	Uploader    Uploader
	Store       Store
	Notifier    Notifier
	Tracker     Tracker
	Verifier    Verifier
	Gate        Gate
	Permissions tracking.Permissions
}

// Outcome is the result of an attempted transition. Changed is false for a
// benign no-op, with Reason telling the caller why nothing happened.
type Outcome struct {
	Status  models.TripStatus `json:"status"`
	Changed bool              `json:"changed"`
	Reason  string            `json:"reason,omitempty"`
}

type Machine struct {
	vehicle models.Vehicle
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	trips    map[string]*models.Trip // by booking ID, last confirmed
	byTrip   map[string]string       // trip ID -> booking ID
	inflight map[string]string       // booking ID -> event in flight
	stale    map[string]bool         // bookings whose last remote call had no clear answer
	odos     map[string]*tracking.Odometer
}

func NewMachine(vehicle models.Vehicle, deps Deps, cfg Config, logger *slog.Logger) *Machine {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultConfig().RemoteTimeout
	}
	return &Machine{
		vehicle:  vehicle,
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With("vehicle_id", vehicle.VehicleID),
		now:      time.Now,
		trips:    make(map[string]*models.Trip),
		byTrip:   make(map[string]string),
		inflight: make(map[string]string),
		stale:    make(map[string]bool),
		odos:     make(map[string]*tracking.Odometer),
	}
}

func (m *Machine) Vehicle() models.Vehicle { return m.vehicle }

// Bookings lists the vehicle's bookings straight from the trip service.
func (m *Machine) Bookings(ctx context.Context) ([]models.Booking, error) {
	return m.listBookings(ctx)
}

// Trip returns the confirmed view of a booking's trip. While tracking, the
// distance is read live from the trip's odometer.
func (m *Machine) Trip(bookingID string) (models.Trip, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trips[bookingID]
	if !ok {
		return models.Trip{}, false
	}
	out := *t
	if odo, ok := m.odos[t.TripID]; ok && odo.TotalKm() > out.CumulativeDistanceKm {
		out.CumulativeDistanceKm = odo.TotalKm()
	}
	return out, true
}

// LoadTrip returns the confirmed view, fetching it from the trip service when
// the booking has not been seen yet or a transition ended without a clear answer.
func (m *Machine) LoadTrip(ctx context.Context, bookingID string) (models.Trip, error) {
	if t, ok := m.Trip(bookingID); ok && !m.isStale(bookingID) {
		return t, nil
	}
	if _, err := m.current(ctx, bookingID); err != nil {
		return models.Trip{}, err
	}
	t, _ := m.Trip(bookingID)
	return t, nil
}

// Status reports whether location tracking is running.
func (m *Machine) Status() tracking.Status {
	return m.deps.Tracker.Status()
}

// Resume is called when the host process comes back from suspension.
func (m *Machine) Resume(ctx context.Context) error {
	if err := m.deps.Tracker.Resume(); err != nil {
		return err
	}
	st := m.deps.Tracker.Status()
	m.publish(models.TripEvent{Type: models.EventTrackingChanged, TripID: st.TripID,
		DistanceKm: st.DistanceKm, Tracking: st.Active})
	return nil
}

// Restore reloads the vehicle's trips after an agent restart and restarts
// tracking for a trip still in transit, seeded with its persisted distance.
func (m *Machine) Restore(ctx context.Context) error {
	bookings, err := m.listBookings(ctx)
	if err != nil {
		return err
	}
	for _, b := range bookings {
		if !b.EffectiveStatus().IsInTransit() {
			continue
		}
		t, err := m.load(ctx, b)
		if err != nil {
			return err
		}
		m.logger.Info("restoring in-transit trip", "booking_id", b.BookingID, "trip_id", t.TripID,
			"distance_km", t.CumulativeDistanceKm)
		if err := m.deps.Tracker.Start(m.odometer(t)); err != nil {
			m.logger.Error("failed to restart tracking for restored trip", "trip_id", t.TripID, "error", err)
		}
	}
	return nil
}

// Run folds tracking updates into the confirmed trip until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	updates := m.deps.Tracker.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			m.applyDistance(ctx, u)
		}
	}
}

func (m *Machine) applyDistance(ctx context.Context, u tracking.Update) {
	m.mu.Lock()
	bookingID, ok := m.byTrip[u.TripID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t := m.trips[bookingID]
	if !t.Status.IsInTransit() || u.TotalKm <= t.CumulativeDistanceKm {
		m.mu.Unlock()
		return
	}
	t.CumulativeDistanceKm = u.TotalKm
	snap := *t
	m.mu.Unlock()

	m.save(ctx, snap)
	m.publish(models.TripEvent{Type: models.EventDistanceUpdated, BookingID: snap.BookingID,
		TripID: snap.TripID, Status: snap.Status, DistanceKm: snap.CumulativeDistanceKm, Tracking: true})
}

// step is the body of a transition. It runs with the booking marked in flight
// and returns the mutation to apply once the trip service has confirmed.
type step func(ctx context.Context, t models.Trip) (func(*models.Trip), error)

func (m *Machine) attempt(ctx context.Context, bookingID, event string, from models.TripStatus, body step) (Outcome, error) {
	started := m.now()
	defer func() {
		metrics.TransitionDuration.WithLabelValues(event).Observe(time.Since(started).Seconds())
	}()

	if bookingID == "" {
		metrics.TransitionsTotal.WithLabelValues(event, string(apperr.InvalidInput)).Inc()
		return Outcome{}, apperr.New(apperr.InvalidInput, "booking id is required")
	}
	if prev, busy := m.begin(bookingID, event); busy {
		metrics.TransitionsTotal.WithLabelValues(event, "noop").Inc()
		t, _ := m.Trip(bookingID)
		return Outcome{Status: t.Status, Reason: fmt.Sprintf("%s is still in progress", prev)}, nil
	}
	defer m.end(bookingID)

	t, err := m.current(ctx, bookingID)
	if err != nil {
		return m.failed(event, bookingID, Outcome{}, err)
	}
	if t.Status != from {
		metrics.TransitionsTotal.WithLabelValues(event, "noop").Inc()
		m.logger.Debug("ignoring transition not legal from current state",
			"event", event, "booking_id", bookingID, "status", t.Status)
		return Outcome{Status: t.Status, Reason: fmt.Sprintf("cannot %s a trip that is %s", event, t.Status)}, nil
	}

	apply, err := body(ctx, t)
	if err != nil {
		if kind := apperr.KindOf(err); kind == apperr.Timeout || kind == apperr.RemoteUnavailable {
			// The trip service may have applied the call before the reply was lost.
			m.markStale(bookingID)
		}
		return m.failed(event, bookingID, Outcome{Status: t.Status}, err)
	}

	m.mu.Lock()
	confirmed := m.trips[bookingID]
	apply(confirmed)
	if confirmed.TripID != "" {
		m.byTrip[confirmed.TripID] = bookingID
	}
	snap := *confirmed
	m.mu.Unlock()

	metrics.TransitionsTotal.WithLabelValues(event, "applied").Inc()
	m.logger.Info("trip transition confirmed", "event", event, "booking_id", bookingID,
		"trip_id", snap.TripID, "status", snap.Status)
	m.save(ctx, snap)
	m.publish(models.TripEvent{Type: models.EventTripUpdated, BookingID: bookingID, TripID: snap.TripID,
		Status: snap.Status, DistanceKm: snap.CumulativeDistanceKm})
	return Outcome{Status: snap.Status, Changed: true}, nil
}

func (m *Machine) failed(event, bookingID string, out Outcome, err error) (Outcome, error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Wrap(apperr.RemoteUnavailable, event+" failed", err)
	}
	metrics.TransitionsTotal.WithLabelValues(event, string(e.Kind)).Inc()
	m.logger.Warn("trip transition failed", "event", event, "booking_id", bookingID,
		"kind", e.Kind, "reason", e.Reason, "error", e.Err)
	return out, e
}

func (m *Machine) begin(bookingID, event string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.inflight[bookingID]; ok {
		return prev, true
	}
	m.inflight[bookingID] = event
	return "", false
}

func (m *Machine) end(bookingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, bookingID)
}

// current returns the confirmed trip for a booking, loading it from the trip
// service the first time the booking is seen and re-syncing it when stale.
func (m *Machine) current(ctx context.Context, bookingID string) (models.Trip, error) {
	m.mu.Lock()
	t, cached := m.trips[bookingID]
	if cached && !m.stale[bookingID] {
		out := *t
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	bookings, err := m.listBookings(ctx)
	if err != nil {
		return models.Trip{}, err
	}
	b, err := findBooking(bookings, bookingID)
	if err != nil {
		return models.Trip{}, err
	}
	if cached {
		return m.reconcile(ctx, b)
	}
	return m.load(ctx, b)
}

func (m *Machine) markStale(bookingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale[bookingID] = true
}

func (m *Machine) isStale(bookingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale[bookingID]
}

// reconcile brings a stale booking up to the state the trip service reports,
// so a transition it already applied is not sent again. Tracking follows the
// new state.
func (m *Machine) reconcile(ctx context.Context, b models.Booking) (models.Trip, error) {
	status := b.EffectiveStatus()

	m.mu.Lock()
	t := m.trips[b.BookingID]
	if t.Status == status {
		delete(m.stale, b.BookingID)
		out := *t
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	var details models.TripDetails
	if b.TripID != "" {
		d, err := m.tripDetails(ctx, b.TripID)
		if err != nil {
			return models.Trip{}, err
		}
		details = d
	}

	m.mu.Lock()
	t = m.trips[b.BookingID]
	prev := t.Status
	t.Status = status
	if b.TripID != "" {
		t.TripID = b.TripID
		m.byTrip[b.TripID] = b.BookingID
		mergeDetails(t, details)
	}
	if t.CustomerPhone == "" {
		t.CustomerPhone = b.Customer.ContactNumber
	}
	delete(m.stale, b.BookingID)
	snap := *t
	m.mu.Unlock()

	m.logger.Warn("trip state caught up with the trip service", "booking_id", b.BookingID,
		"trip_id", snap.TripID, "from", prev, "to", snap.Status)
	m.save(ctx, snap)
	m.publish(models.TripEvent{Type: models.EventTripUpdated, BookingID: snap.BookingID, TripID: snap.TripID,
		Status: snap.Status, DistanceKm: snap.CumulativeDistanceKm})

	tracked := m.deps.Tracker.Status()
	switch {
	case snap.Status.IsInTransit() && (!tracked.Active || tracked.TripID != snap.TripID):
		if err := m.deps.Tracker.Start(m.odometer(snap)); err != nil {
			m.logger.Error("failed to start tracking for caught up trip", "trip_id", snap.TripID, "error", err)
			break
		}
		m.publish(models.TripEvent{Type: models.EventTrackingChanged, BookingID: snap.BookingID, TripID: snap.TripID,
			Status: snap.Status, DistanceKm: snap.CumulativeDistanceKm, Tracking: true})
	case !snap.Status.IsInTransit() && prev.IsInTransit() && tracked.TripID == snap.TripID:
		m.stopTracking(ctx, snap.BookingID)
	}
	return snap, nil
}

// load builds the confirmed view of a booking from the listing, the local
// snapshot and the trip details.
func (m *Machine) load(ctx context.Context, b models.Booking) (models.Trip, error) {
	t := models.Trip{
		TripID:        b.TripID,
		BookingID:     b.BookingID,
		VehicleID:     m.vehicle.VehicleID,
		Status:        b.EffectiveStatus(),
		CustomerPhone: b.Customer.ContactNumber,
	}

	if m.deps.Store != nil {
		saved, ok, err := m.deps.Store.Load(ctx, b.BookingID)
		if err != nil {
			m.logger.Warn("failed to load trip snapshot", "booking_id", b.BookingID, "error", err)
		} else if ok {
			t.CumulativeDistanceKm = saved.CumulativeDistanceKm
			t.StartTime, t.EndTime = saved.StartTime, saved.EndTime
			t.HydrantProofRef, t.DeliveryProofRef = saved.HydrantProofRef, saved.DeliveryProofRef
			t.Hydrant, t.Destination = saved.Hydrant, saved.Destination
		}
	}

	if t.TripID != "" {
		details, err := m.tripDetails(ctx, t.TripID)
		if err != nil {
			return models.Trip{}, err
		}
		mergeDetails(&t, details)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.trips[b.BookingID]; ok {
		return *existing, nil
	}
	m.trips[b.BookingID] = &t
	if t.TripID != "" {
		m.byTrip[t.TripID] = b.BookingID
	}
	return t, nil
}

func mergeDetails(t *models.Trip, d models.TripDetails) {
	t.Hydrant, t.Destination = d.Hydrant, d.Destination
	if d.CumulativeDistanceKm > t.CumulativeDistanceKm {
		t.CumulativeDistanceKm = d.CumulativeDistanceKm
	}
	if d.StartTime != nil {
		t.StartTime = d.StartTime
	}
	if d.EndTime != nil {
		t.EndTime = d.EndTime
	}
	if d.HydrantPhotoURL != "" {
		t.HydrantProofRef = d.HydrantPhotoURL
	}
	if d.DeliveryVideoURL != "" {
		t.DeliveryProofRef = d.DeliveryVideoURL
	}
}

func findBooking(bookings []models.Booking, bookingID string) (models.Booking, error) {
	for _, b := range bookings {
		if b.BookingID == bookingID {
			return b, nil
		}
	}
	return models.Booking{}, apperr.New(apperr.InvalidInput, "booking not found or no longer available")
}

// odometer returns the trip's odometer, creating it at the confirmed distance.
func (m *Machine) odometer(t models.Trip) *tracking.Odometer {
	m.mu.Lock()
	defer m.mu.Unlock()
	odo, ok := m.odos[t.TripID]
	if !ok {
		odo = tracking.NewOdometer(t.TripID, t.CumulativeDistanceKm)
		m.odos[t.TripID] = odo
	}
	return odo
}

// stopTracking ends tracking for a trip that left transit and records the
// final odometer reading.
func (m *Machine) stopTracking(ctx context.Context, bookingID string) {
	m.deps.Tracker.Stop()

	m.mu.Lock()
	t := m.trips[bookingID]
	if odo, ok := m.odos[t.TripID]; ok {
		if odo.TotalKm() > t.CumulativeDistanceKm {
			t.CumulativeDistanceKm = odo.TotalKm()
		}
		delete(m.odos, t.TripID)
	}
	snap := *t
	m.mu.Unlock()

	m.save(ctx, snap)
	m.publish(models.TripEvent{Type: models.EventTrackingChanged, BookingID: bookingID, TripID: snap.TripID,
		Status: snap.Status, DistanceKm: snap.CumulativeDistanceKm, Tracking: false})
}

func (m *Machine) remote(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.RemoteTimeout)
}

func (m *Machine) listBookings(ctx context.Context) ([]models.Booking, error) {
	rctx, cancel := m.remote(ctx)
	defer cancel()
	bookings, err := m.deps.Service.ListBookings(rctx, m.vehicle.VehicleID)
	if err != nil {
		return nil, apperr.Remote("could not load bookings", err)
	}
	return bookings, nil
}

func (m *Machine) tripDetails(ctx context.Context, tripID string) (models.TripDetails, error) {
	rctx, cancel := m.remote(ctx)
	defer cancel()
	d, err := m.deps.Service.GetTrip(rctx, tripID)
	if err != nil {
		return models.TripDetails{}, apperr.Remote("could not load trip details", err)
	}
	return d, nil
}

func (m *Machine) upload(ctx context.Context, asset models.MediaAsset, folder string) (string, error) {
	rctx, cancel := m.remote(ctx)
	defer cancel()
	url, err := m.deps.Uploader.Upload(rctx, asset, folder)
	if err != nil {
		return "", apperr.Remote("could not upload "+folder, err)
	}
	return url, nil
}

func (m *Machine) save(ctx context.Context, t models.Trip) {
	if m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.Save(context.WithoutCancel(ctx), t); err != nil {
		m.logger.Error("failed to persist trip snapshot", "booking_id", t.BookingID, "error", err)
	}
}

func (m *Machine) publish(ev models.TripEvent) {
	if m.deps.Notifier == nil {
		return
	}
	ev.VehicleID = m.vehicle.VehicleID
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.deps.Notifier.Publish(ev)
}

var errNoTrip = errors.New("booking has no trip yet")
