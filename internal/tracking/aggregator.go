// Package tracking samples the vehicle position for the in-transit part of a
// trip, forwards samples to the trip service and keeps the trip's running
// distance.
package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/metrics"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/chachabrian/mooveit-tanker/pkg/utils"
	"github.com/google/uuid"
)

// TaskName is the single background task registration used for tracking.
const TaskName = "trip-location-tracking"

// Sink receives location samples. Delivery is fire-and-forget from the
// aggregator's point of view.
type Sink interface {
	SendLocationUpdate(ctx context.Context, tripID string, ping models.LocationPing) error
}

type Config struct {
	Interval         time.Duration
	MinDisplacementM float64
	// SampleTimeout bounds each position request; an expired request skips the sample.
	SampleTimeout   time.Duration
	DeliveryTimeout time.Duration
	UpdateBuffer    int
}

func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		MinDisplacementM: 10,
		SampleTimeout:    5 * time.Second,
		DeliveryTimeout:  10 * time.Second,
		UpdateBuffer:     64,
	}
}

// Update is published for every sample folded into a trip's distance.
type Update struct {
	TripID  string              `json:"tripId"`
	Ping    models.LocationPing `json:"ping"`
	DeltaKm float64             `json:"deltaKm"`
	TotalKm float64             `json:"totalKm"`
}

// Status reports the tracking state for reconciliation after a resume.
type Status struct {
	Active     bool    `json:"active"`
	TripID     string  `json:"tripId,omitempty"`
	DistanceKm float64 `json:"distanceKm"`
}

type subscription struct {
	odo    *Odometer
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Aggregator owns the one tracking subscription of the process.
type Aggregator struct {
	cfg       Config
	locator   Locator
	perms     Permissions
	registrar Registrar
	sink      Sink
	queue     RetryQueue
	logger    *slog.Logger
	updates   chan Update
	inflight  sync.WaitGroup

	mu   sync.Mutex
	run  *subscription
	want *Odometer
}

func NewAggregator(cfg Config, locator Locator, perms Permissions, registrar Registrar,
	sink Sink, queue RetryQueue, logger *slog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = def.SampleTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = def.UpdateBuffer
	}
	return &Aggregator{
		cfg:       cfg,
		locator:   locator,
		perms:     perms,
		registrar: registrar,
		sink:      sink,
		queue:     queue,
		logger:    logger,
		updates:   make(chan Update, cfg.UpdateBuffer),
	}
}

// Updates is the queue of folded samples consumed by the trip state machine.
func (a *Aggregator) Updates() <-chan Update {
	return a.updates
}

// CheckPermission fails with PermissionDenied when continuous tracking is not
// allowed. Retrying without user action will not help.
func (a *Aggregator) CheckPermission() error {
	if !a.perms.Current().BackgroundLocation {
		return apperr.New(apperr.PermissionDenied,
			"background location access is off; allow it in the device settings to start the trip")
	}
	return nil
}

// Start begins tracking the odometer's trip. Starting the trip already being
// tracked is a no-op; a subscription for another trip is stopped first.
func (a *Aggregator) Start(odo *Odometer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.run != nil && a.run.odo.TripID() == odo.TripID() && a.run.alive() && a.registrar.IsRegistered(TaskName) {
		return nil
	}
	if a.run != nil {
		a.logger.Info("stopping tracking before starting another trip",
			"previous_trip_id", a.run.odo.TripID(), "trip_id", odo.TripID())
		a.stopLocked()
	}
	// A denied start for another trip must not leave the old trip resumable.
	if a.want != nil && a.want.TripID() != odo.TripID() {
		a.want = nil
	}
	if err := a.CheckPermission(); err != nil {
		return err
	}

	a.want = odo
	return a.launchLocked()
}

// Stop ends tracking. It is synchronous: no sample is folded after it returns.
// Deliveries already in flight finish on their own.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.want = nil
	if a.run == nil {
		return
	}
	a.stopLocked()
}

// Resume re-affirms the registration after the host process was suspended and
// restarts tracking if it was silently dropped. The odometer is kept, so the
// accumulated distance survives the restart.
func (a *Aggregator) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.want == nil {
		return nil
	}
	if a.run != nil && a.run.alive() && a.registrar.IsRegistered(TaskName) {
		return nil
	}

	a.logger.Warn("tracking was dropped while suspended, restarting",
		"trip_id", a.want.TripID(), "distance_km", a.want.TotalKm())
	if a.run != nil {
		a.stopLocked()
	}
	if err := a.CheckPermission(); err != nil {
		return err
	}
	return a.launchLocked()
}

func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		Active: a.run != nil && a.run.alive() && a.registrar.IsRegistered(TaskName),
	}
	if a.want != nil {
		st.TripID = a.want.TripID()
		st.DistanceKm = a.want.TotalKm()
	}
	return st
}

// Shutdown stops tracking and waits for in-flight deliveries or ctx.
func (a *Aggregator) Shutdown(ctx context.Context) {
	a.Stop()
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (a *Aggregator) launchLocked() error {
	if !a.registrar.IsRegistered(TaskName) {
		if err := a.registrar.Register(TaskName); err != nil {
			return apperr.Wrap(apperr.PermissionDenied, "could not register background tracking", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{odo: a.want, cancel: cancel, done: make(chan struct{})}
	a.run = sub
	metrics.TrackingActive.Set(1)
	a.logger.Info("location tracking started", "trip_id", sub.odo.TripID(), "distance_km", sub.odo.TotalKm())

	go a.loop(ctx, sub)
	return nil
}

func (a *Aggregator) stopLocked() {
	sub := a.run
	a.run = nil
	sub.cancel()
	<-sub.done
	if a.registrar.IsRegistered(TaskName) {
		if err := a.registrar.Unregister(TaskName); err != nil {
			a.logger.Error("failed to unregister background tracking", "error", err)
		}
	}
	metrics.TrackingActive.Set(0)
	a.logger.Info("location tracking stopped", "trip_id", sub.odo.TripID(), "distance_km", sub.odo.TotalKm())
}

func (a *Aggregator) loop(ctx context.Context, sub *subscription) {
	defer close(sub.done)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !a.registrar.IsRegistered(TaskName) {
			a.logger.Warn("background tracking registration disappeared", "trip_id", sub.odo.TripID())
			metrics.TrackingActive.Set(0)
			return
		}

		ping, ok := a.sample(ctx)
		if !ok || ctx.Err() != nil {
			continue
		}
		a.fold(sub.odo, ping)
	}
}

func (a *Aggregator) sample(ctx context.Context) (models.LocationPing, bool) {
	sctx, cancel := context.WithTimeout(ctx, a.cfg.SampleTimeout)
	defer cancel()

	ping, err := a.locator.CurrentFix(sctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.LocationSamplesTotal.WithLabelValues("skipped").Inc()
			a.logger.Debug("skipping location sample", "error", err)
		}
		return models.LocationPing{}, false
	}
	return ping, true
}

func (a *Aggregator) fold(odo *Odometer, ping models.LocationPing) {
	if last, ok := odo.Last(); ok {
		if ping.CapturedAt.Equal(last.CapturedAt) {
			return // no new fix since the last tick
		}
		moved := utils.HaversineDistance(last.Latitude, last.Longitude, ping.Latitude, ping.Longitude) * 1000
		if ping.CapturedAt.After(last.CapturedAt) && moved < a.cfg.MinDisplacementM {
			metrics.LocationSamplesTotal.WithLabelValues("stationary").Inc()
			return
		}
	}

	delta, applied := odo.Apply(ping)
	if !applied {
		metrics.LocationSamplesTotal.WithLabelValues("out_of_order").Inc()
		a.logger.Debug("dropping out-of-order location sample",
			"trip_id", odo.TripID(), "captured_at", ping.CapturedAt)
		return
	}
	metrics.LocationSamplesTotal.WithLabelValues("accepted").Inc()

	u := Update{TripID: odo.TripID(), Ping: ping, DeltaKm: delta, TotalKm: odo.TotalKm()}
	select {
	case a.updates <- u:
	default:
		// totals are cumulative, so a later update supersedes this one
		a.logger.Debug("update queue full, skipping distance update", "trip_id", u.TripID)
	}

	a.inflight.Add(1)
	go a.deliver(odo.TripID(), ping)
}

func (a *Aggregator) deliver(tripID string, ping models.LocationPing) {
	defer a.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DeliveryTimeout)
	defer cancel()

	err := a.sink.SendLocationUpdate(ctx, tripID, ping)
	if err == nil {
		metrics.LocationDeliveriesTotal.WithLabelValues("delivered").Inc()
		return
	}

	a.logger.Warn("location update failed, queueing for retry", "trip_id", tripID, "error", err)
	queued := models.QueuedPing{
		ID:       uuid.NewString(),
		TripID:   tripID,
		Geohash:  utils.Geohash(ping.Latitude, ping.Longitude),
		Ping:     ping,
		QueuedAt: time.Now(),
	}
	qctx, qcancel := context.WithTimeout(context.Background(), a.cfg.DeliveryTimeout)
	defer qcancel()
	if qerr := a.queue.Push(qctx, queued); qerr != nil {
		metrics.LocationDeliveriesTotal.WithLabelValues("dropped").Inc()
		a.logger.Error("failed to queue location update", "trip_id", tripID, "error", qerr)
		return
	}
	metrics.LocationDeliveriesTotal.WithLabelValues("queued").Inc()
}
