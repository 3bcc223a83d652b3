package trip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/geofence"
	"github.com/chachabrian/mooveit-tanker/internal/guard"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/chachabrian/mooveit-tanker/internal/tracking"
	"github.com/chachabrian/mooveit-tanker/internal/verification"
	"github.com/chachabrian/mooveit-tanker/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hydrant     = models.Checkpoint{Coordinate: models.Coordinate{Latitude: 19.0760, Longitude: 72.8777}, Address: "Hydrant, Fort"}
	destination = models.Checkpoint{Coordinate: models.Coordinate{Latitude: 18.9750, Longitude: 72.8258}, Address: "Worli Sea Face"}
)

const customerPhone = "+919800000001"

type fakeService struct {
	mu       sync.Mutex
	bookings []models.Booking
	details  map[string]models.TripDetails
	fail     map[string]error
	calls    map[string]int

	entered    chan struct{}
	release    chan struct{}
	blockStart bool
}

func newFakeService(bookings ...models.Booking) *fakeService {
	return &fakeService{
		bookings: bookings,
		details:  make(map[string]models.TripDetails),
		fail:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (f *fakeService) hit(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.fail[name]
}

func (f *fakeService) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeService) setFail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = err
}

func (f *fakeService) booking(id string) models.Booking {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.BookingID == id {
			return b
		}
	}
	return models.Booking{}
}

func (f *fakeService) update(match func(*models.Booking) bool, fn func(*models.Booking)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.bookings {
		if match(&f.bookings[i]) {
			fn(&f.bookings[i])
		}
	}
}

func byTripID(id string) func(*models.Booking) bool {
	return func(b *models.Booking) bool { return b.TripID == id }
}

func (f *fakeService) ListBookings(ctx context.Context, vehicleID string) ([]models.Booking, error) {
	if err := f.hit("listBookings"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Booking(nil), f.bookings...), nil
}

func (f *fakeService) TripAction(ctx context.Context, bookingID, vehicleID, action string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if err := f.hit("tripAction"); err != nil {
		return err
	}
	f.update(func(b *models.Booking) bool { return b.BookingID == bookingID }, func(b *models.Booking) {
		if action == string(guard.ActionReject) {
			b.Status = models.BookingStatusRejected
			return
		}
		b.Status = models.BookingStatusAccepted
		b.TripID = "T-" + bookingID
	})
	f.mu.Lock()
	f.details["T-"+bookingID] = models.TripDetails{TripID: "T-" + bookingID, BookingID: bookingID,
		Status: models.TripStatusPending, Hydrant: hydrant, Destination: destination}
	f.mu.Unlock()
	return nil
}

func (f *fakeService) StartTrip(ctx context.Context, tripID string) error {
	if f.blockStart {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := f.hit("startTrip"); err != nil {
		return err
	}
	f.update(byTripID(tripID), func(b *models.Booking) { b.TripStatus = models.TripStatusOngoing })
	return nil
}

func (f *fakeService) GetTrip(ctx context.Context, tripID string) (models.TripDetails, error) {
	if err := f.hit("getTrip"); err != nil {
		return models.TripDetails{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.details[tripID], nil
}

func (f *fakeService) ReportHydrantReached(ctx context.Context, tripID, photoURL string) error {
	if err := f.hit("reportHydrantReached"); err != nil {
		return err
	}
	f.update(byTripID(tripID), func(b *models.Booking) { b.TripStatus = models.TripStatusPickup })
	return nil
}

func (f *fakeService) ReportWaterDelivered(ctx context.Context, tripID, videoURL string) error {
	if err := f.hit("reportWaterDelivered"); err != nil {
		return err
	}
	f.update(byTripID(tripID), func(b *models.Booking) { b.TripStatus = models.TripStatusDelivered })
	return nil
}

type fakeOTP struct{ issued int }

func (f *fakeOTP) IssueOtp(ctx context.Context, phone string) (string, error) {
	f.issued++
	return "ver-" + phone, nil
}

func (f *fakeOTP) VerifyOtp(ctx context.Context, verificationID, code, tripID string) error {
	if code != "4321" {
		return apperr.New(apperr.InvalidInput, "invalid code")
	}
	return nil
}

type fakeUploader struct{}

func (fakeUploader) Upload(ctx context.Context, asset models.MediaAsset, folder string) (string, error) {
	return "https://media.test/" + folder + "/" + asset.Filename, nil
}

type fakeTracker struct {
	mu      sync.Mutex
	allowed bool
	started []*tracking.Odometer
	stops   int
	updates chan tracking.Update
}

func (f *fakeTracker) CheckPermission() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.allowed {
		return apperr.New(apperr.PermissionDenied, "background location access is off")
	}
	return nil
}

func (f *fakeTracker) Start(odo *tracking.Odometer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, odo)
	return nil
}

func (f *fakeTracker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeTracker) Resume() error                   { return nil }
func (f *fakeTracker) Status() tracking.Status          { return tracking.Status{} }
func (f *fakeTracker) Updates() <-chan tracking.Update { return f.updates }

type memStore struct {
	mu    sync.Mutex
	trips map[string]models.Trip
}

func (s *memStore) Save(ctx context.Context, t models.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[t.BookingID] = t
	return nil
}

func (s *memStore) Load(ctx context.Context, bookingID string) (models.Trip, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[bookingID]
	return t, ok, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.TripEvent
}

func (n *recordingNotifier) Publish(ev models.TripEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

type harness struct {
	svc     *fakeService
	feed    *tracking.Feed
	tracker *fakeTracker
	store   *memStore
	notes   *recordingNotifier
	m       *Machine
}

func newHarness(t *testing.T, svc *fakeService, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		svc:     svc,
		feed:    tracking.NewFeed(time.Minute),
		tracker: &fakeTracker{allowed: true, updates: make(chan tracking.Update, 8)},
		store:   &memStore{trips: make(map[string]models.Trip)},
		notes:   &recordingNotifier{},
	}
	h.feed.SetPermissions(tracking.PermissionState{Location: true, BackgroundLocation: true, Camera: true})
	verifier := geofence.NewVerifier(h.feed,
		geofence.Config{MaxFixAge: time.Minute, FixTimeout: 50 * time.Millisecond, MaxAttempts: 1}, logger)
	h.m = NewMachine(models.Vehicle{VehicleID: "V1", VehicleNumber: "MH01AB1234"}, Deps{
		Service:     svc,
		Uploader:    fakeUploader{},
		Store:       h.store,
		Notifier:    h.notes,
		Tracker:     h.tracker,
		Verifier:    verifier,
		Gate:        verification.NewGate(&fakeOTP{}, verification.DefaultConfig(), logger),
		Permissions: h.feed,
	}, cfg, logger)
	return h
}

// at places the device metersNorth of a checkpoint.
func (h *harness) at(c models.Checkpoint, metersNorth float64) {
	h.feed.Push(models.LocationPing{
		Latitude:   utils.OffsetNorth(c.Latitude, metersNorth/1000),
		Longitude:  c.Longitude,
		Accuracy:   5,
		CapturedAt: time.Now(),
	})
}

func pending(id string) models.Booking {
	return models.Booking{BookingID: id, VehicleID: "V1", Status: models.BookingStatusPending,
		Customer: models.Customer{Name: "Asha", ContactNumber: customerPhone}}
}

func status(t *testing.T, m *Machine, bookingID string) models.TripStatus {
	t.Helper()
	tr, ok := m.Trip(bookingID)
	require.True(t, ok)
	return tr.Status
}

func TestLifecycleFromAcceptToCompleted(t *testing.T) {
	h := newHarness(t, newFakeService(pending("B1")), DefaultConfig())
	ctx := context.Background()

	out, err := h.m.Accept(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, models.TripStatusAccepted, out.Status)

	out, err = h.m.Start(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, models.TripStatusOngoing, out.Status)
	require.Len(t, h.tracker.started, 1)
	assert.Equal(t, "T-B1", h.tracker.started[0].TripID())

	h.at(hydrant, 30)
	out, err = h.m.ReachHydrant(ctx, "B1", &models.MediaAsset{Filename: "hydrant.jpg", Data: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, models.TripStatusPickup, out.Status)

	// still at the hydrant
	out, err = h.m.DeliverWater(ctx, "B1", models.MediaAsset{Filename: "delivery.mp4", Data: []byte{1}})
	assert.Equal(t, apperr.GeofenceFailed, apperr.KindOf(err))
	assert.Equal(t, models.TripStatusPickup, out.Status)
	assert.Equal(t, models.TripStatusPickup, status(t, h.m, "B1"))

	h.at(destination, 20)
	out, err = h.m.DeliverWater(ctx, "B1", models.MediaAsset{Filename: "delivery.mp4", Data: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, models.TripStatusDelivered, out.Status)
	assert.Equal(t, 1, h.tracker.stops)

	session, err := h.m.RequestCompletionCode(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "T-B1", session.TripID)
	assert.Equal(t, customerPhone, session.PhoneNumber)

	_, err = h.m.ConfirmCompletion(ctx, "B1", session.VerificationID, "12a4")
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))

	out, err = h.m.ConfirmCompletion(ctx, "B1", session.VerificationID, "4321")
	require.NoError(t, err)
	assert.Equal(t, models.TripStatusCompleted, out.Status)

	tr, _ := h.m.Trip("B1")
	assert.NotNil(t, tr.StartTime)
	assert.NotNil(t, tr.EndTime)
	assert.Equal(t, "https://media.test/hydrant-photos/hydrant.jpg", tr.HydrantProofRef)
	assert.Equal(t, "https://media.test/delivery-videos/delivery.mp4", tr.DeliveryProofRef)

	saved, ok, _ := h.store.Load(ctx, "B1")
	require.True(t, ok)
	assert.Equal(t, models.TripStatusCompleted, saved.Status)
}

func TestAcceptWhileAnotherBookingAcceptedIsRefused(t *testing.T) {
	accepted := pending("B1")
	accepted.Status = models.BookingStatusAccepted
	accepted.TripID = "T-B1"
	svc := newFakeService(accepted, pending("B2"))
	h := newHarness(t, svc, DefaultConfig())

	out, err := h.m.Accept(context.Background(), "B2")

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.InvariantViolation, e.Kind)
	assert.Equal(t, guard.ReasonTripAccepted, e.Reason)
	assert.False(t, out.Changed)
	assert.Equal(t, 0, svc.count("tripAction"))
	assert.Equal(t, models.BookingStatusAccepted, svc.booking("B1").Status)
	assert.Equal(t, models.BookingStatusPending, svc.booking("B2").Status)
	assert.Equal(t, models.TripStatusPending, status(t, h.m, "B2"))
}

func TestDuplicateAcceptIsNoop(t *testing.T) {
	svc := newFakeService(pending("B1"))
	h := newHarness(t, svc, DefaultConfig())

	_, err := h.m.Accept(context.Background(), "B1")
	require.NoError(t, err)
	out, err := h.m.Accept(context.Background(), "B1")

	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, models.TripStatusAccepted, out.Status)
	assert.NotEmpty(t, out.Reason)
	assert.Equal(t, 1, svc.count("tripAction"))
}

func TestTransitionWhileInFlightIsNoop(t *testing.T) {
	svc := newFakeService(pending("B1"))
	svc.entered = make(chan struct{})
	svc.release = make(chan struct{})
	h := newHarness(t, svc, DefaultConfig())

	type result struct {
		out Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		out, err := h.m.Accept(context.Background(), "B1")
		first <- result{out, err}
	}()
	<-svc.entered

	out, err := h.m.Reject(context.Background(), "B1")
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Contains(t, out.Reason, "in progress")

	close(svc.release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, models.TripStatusAccepted, r.out.Status)
}

func TestRemoteFailureAppliesNothing(t *testing.T) {
	svc := newFakeService(pending("B1"))
	svc.setFail("tripAction", errors.New("502 bad gateway"))
	h := newHarness(t, svc, DefaultConfig())

	out, err := h.m.Accept(context.Background(), "B1")

	assert.Equal(t, apperr.RemoteUnavailable, apperr.KindOf(err))
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, models.TripStatusPending, out.Status)
	assert.Equal(t, models.TripStatusPending, status(t, h.m, "B1"))

	svc.setFail("tripAction", nil)
	out, err = h.m.Accept(context.Background(), "B1")
	require.NoError(t, err)
	assert.True(t, out.Changed)
}

func startedHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := newHarness(t, newFakeService(pending("B1")), cfg)
	_, err := h.m.Accept(context.Background(), "B1")
	require.NoError(t, err)
	_, err = h.m.Start(context.Background(), "B1")
	require.NoError(t, err)
	return h
}

func TestHydrantProofFarFromHydrantKeepsOngoing(t *testing.T) {
	h := startedHarness(t, DefaultConfig())
	h.at(hydrant, 200)

	out, err := h.m.ReachHydrant(context.Background(), "B1", nil)

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.GeofenceFailed, e.Kind)
	assert.InDelta(t, 0.2, e.DistanceKm, 1e-6)
	assert.Equal(t, models.TripStatusOngoing, out.Status)
	assert.Equal(t, models.TripStatusOngoing, status(t, h.m, "B1"))
	assert.Equal(t, 0, h.svc.count("reportHydrantReached"))
}

func TestHydrantPhotoIsOptional(t *testing.T) {
	h := startedHarness(t, DefaultConfig())
	h.at(hydrant, 10)

	out, err := h.m.ReachHydrant(context.Background(), "B1", nil)

	require.NoError(t, err)
	assert.Equal(t, models.TripStatusPickup, out.Status)
	tr, _ := h.m.Trip("B1")
	assert.Empty(t, tr.HydrantProofRef)
}

func TestStartWithoutBackgroundPermission(t *testing.T) {
	svc := newFakeService(pending("B1"))
	h := newHarness(t, svc, DefaultConfig())
	h.tracker.allowed = false
	_, err := h.m.Accept(context.Background(), "B1")
	require.NoError(t, err)

	out, err := h.m.Start(context.Background(), "B1")

	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
	assert.False(t, apperr.Retryable(err))
	assert.Equal(t, models.TripStatusAccepted, out.Status)
	assert.Equal(t, 0, svc.count("startTrip"))
	assert.Empty(t, h.tracker.started)
}

func TestStartTimesOut(t *testing.T) {
	svc := newFakeService(pending("B1"))
	svc.blockStart = true
	h := newHarness(t, svc, Config{RemoteTimeout: 20 * time.Millisecond})
	_, err := h.m.Accept(context.Background(), "B1")
	require.NoError(t, err)

	out, err := h.m.Start(context.Background(), "B1")

	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))
	assert.Equal(t, models.TripStatusAccepted, out.Status)
}

func TestStartWithLostReplyCatchesUpWithoutResending(t *testing.T) {
	svc := newFakeService(pending("B1"))
	h := newHarness(t, svc, DefaultConfig())
	ctx := context.Background()
	_, err := h.m.Accept(ctx, "B1")
	require.NoError(t, err)

	// The trip service starts the trip but the reply never arrives.
	svc.setFail("startTrip", apperr.New(apperr.Timeout, "trip service did not answer in time"))
	_, err = h.m.Start(ctx, "B1")
	require.Equal(t, apperr.Timeout, apperr.KindOf(err))
	svc.update(byTripID("T-B1"), func(b *models.Booking) { b.TripStatus = models.TripStatusOngoing })
	svc.setFail("startTrip", nil)

	tr, err := h.m.LoadTrip(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, models.TripStatusOngoing, tr.Status)
	require.Len(t, h.tracker.started, 1)
	assert.Equal(t, "T-B1", h.tracker.started[0].TripID())

	out, err := h.m.Start(ctx, "B1")
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, models.TripStatusOngoing, out.Status)
	assert.Equal(t, 1, svc.count("startTrip"))
	assert.Len(t, h.tracker.started, 1)
}

func TestRetryAfterLostReplySkipsAppliedTransition(t *testing.T) {
	svc := newFakeService(pending("B1"))
	h := newHarness(t, svc, DefaultConfig())
	ctx := context.Background()
	_, err := h.m.Accept(ctx, "B1")
	require.NoError(t, err)

	svc.setFail("startTrip", apperr.New(apperr.Timeout, "trip service did not answer in time"))
	_, err = h.m.Start(ctx, "B1")
	require.Error(t, err)
	svc.update(byTripID("T-B1"), func(b *models.Booking) { b.TripStatus = models.TripStatusOngoing })
	svc.setFail("startTrip", nil)

	h.at(hydrant, 10)
	out, err := h.m.ReachHydrant(ctx, "B1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.TripStatusPickup, out.Status)
	assert.Equal(t, 1, svc.count("startTrip"))
}

func TestDeliveryWithoutVideo(t *testing.T) {
	h := startedHarness(t, DefaultConfig())
	h.at(hydrant, 0)
	_, err := h.m.ReachHydrant(context.Background(), "B1", nil)
	require.NoError(t, err)

	_, err = h.m.DeliverWater(context.Background(), "B1", models.MediaAsset{})
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))

	h.feed.SetPermissions(tracking.PermissionState{Location: true, BackgroundLocation: true})
	_, err = h.m.DeliverWater(context.Background(), "B1", models.MediaAsset{})
	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
	assert.Equal(t, models.TripStatusPickup, status(t, h.m, "B1"))
}

func TestCompletionCodeNeedsDeliveredTrip(t *testing.T) {
	h := startedHarness(t, DefaultConfig())

	_, err := h.m.RequestCompletionCode(context.Background(), "B1")

	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestRunFoldsTrackingUpdates(t *testing.T) {
	h := startedHarness(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.m.Run(ctx)

	h.tracker.updates <- tracking.Update{TripID: "T-B1", TotalKm: 1.5, DeltaKm: 1.5}
	h.tracker.updates <- tracking.Update{TripID: "unknown", TotalKm: 9}

	assert.Eventually(t, func() bool {
		saved, ok, _ := h.store.Load(ctx, "B1")
		return ok && saved.CumulativeDistanceKm == 1.5
	}, time.Second, 5*time.Millisecond)
	tr, _ := h.m.Trip("B1")
	assert.Equal(t, 1.5, tr.CumulativeDistanceKm)
}

func TestRestoreResumesTrackingWithSavedDistance(t *testing.T) {
	inTransit := pending("B1")
	inTransit.Status = models.BookingStatusAccepted
	inTransit.TripID = "T-B1"
	inTransit.TripStatus = models.TripStatusPickup
	svc := newFakeService(inTransit, pending("B2"))
	svc.details["T-B1"] = models.TripDetails{TripID: "T-B1", Hydrant: hydrant, Destination: destination, CumulativeDistanceKm: 2.0}
	h := newHarness(t, svc, DefaultConfig())
	require.NoError(t, h.store.Save(context.Background(), models.Trip{BookingID: "B1", TripID: "T-B1", CumulativeDistanceKm: 3.2}))

	require.NoError(t, h.m.Restore(context.Background()))

	require.Len(t, h.tracker.started, 1)
	assert.Equal(t, "T-B1", h.tracker.started[0].TripID())
	assert.InDelta(t, 3.2, h.tracker.started[0].TotalKm(), 1e-9)
	assert.Equal(t, models.TripStatusPickup, status(t, h.m, "B1"))
}

func TestUnknownBooking(t *testing.T) {
	h := newHarness(t, newFakeService(pending("B1")), DefaultConfig())

	_, err := h.m.Accept(context.Background(), "B9")

	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}
