package geofence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/chachabrian/mooveit-tanker/internal/tracking"
	"github.com/chachabrian/mooveit-tanker/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hydrant = models.Checkpoint{
	Coordinate: models.Coordinate{Latitude: 19.0760, Longitude: 72.8777},
	Address:    "Hydrant, CST",
}

func metersNorth(c models.Coordinate, m float64) models.Coordinate {
	return models.Coordinate{Latitude: utils.OffsetNorth(c.Latitude, m/1000), Longitude: c.Longitude}
}

// scriptedLocator hands out fixes in order, then repeats the last one.
type scriptedLocator struct {
	fixes []models.LocationPing
	errs  []error
	calls int
}

func (s *scriptedLocator) CurrentFix(ctx context.Context) (models.LocationPing, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return models.LocationPing{}, s.errs[i]
	}
	if i >= len(s.fixes) {
		i = len(s.fixes) - 1
	}
	return s.fixes[i], nil
}

func (s *scriptedLocator) NextFix(ctx context.Context, after time.Time) (models.LocationPing, error) {
	return s.CurrentFix(ctx)
}

func fixAt(c models.Coordinate, age time.Duration, accuracy float64) models.LocationPing {
	return models.LocationPing{
		Latitude:   c.Latitude,
		Longitude:  c.Longitude,
		Accuracy:   accuracy,
		CapturedAt: time.Now().Add(-age),
	}
}

func newTestVerifier(l Locator) *Verifier {
	return NewVerifier(l, Config{MaxFixAge: 30 * time.Second, FixTimeout: time.Second, MaxAttempts: 3},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCheckBoundary(t *testing.T) {
	outside := Check(metersNorth(hydrant.Coordinate, 70.0001), hydrant.Coordinate)
	assert.False(t, outside.Passed)
	assert.Greater(t, outside.DistanceKm, RadiusKm)

	inside := Check(metersNorth(hydrant.Coordinate, 69.9999), hydrant.Coordinate)
	assert.True(t, inside.Passed)
	assert.Less(t, inside.DistanceKm, RadiusKm)
}

func TestCheckSymmetricAndZero(t *testing.T) {
	a := hydrant.Coordinate
	b := models.Coordinate{Latitude: 18.9750, Longitude: 72.8258}

	assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-12)
	assert.Equal(t, 0.0, Distance(a, a))
	assert.True(t, Check(a, a).Passed)
}

func TestVerifyPassesWithinRadius(t *testing.T) {
	l := &scriptedLocator{fixes: []models.LocationPing{fixAt(metersNorth(hydrant.Coordinate, 40), time.Second, 5)}}

	verdict, err := newTestVerifier(l).Verify(context.Background(), "hydrant", hydrant)

	require.NoError(t, err)
	assert.True(t, verdict.Passed)
	assert.InDelta(t, 0.04, verdict.DistanceKm, 1e-6)
}

func TestVerifyFailsWithDistance(t *testing.T) {
	l := &scriptedLocator{fixes: []models.LocationPing{fixAt(metersNorth(hydrant.Coordinate, 200), time.Second, 5)}}

	verdict, err := newTestVerifier(l).Verify(context.Background(), "hydrant", hydrant)

	require.Error(t, err)
	assert.Equal(t, apperr.GeofenceFailed, apperr.KindOf(err))
	e, _ := apperr.As(err)
	assert.InDelta(t, 0.2, e.DistanceKm, 1e-6)
	assert.False(t, verdict.Passed)
}

func TestVerifyRerequestsStaleAndImpreciseFixes(t *testing.T) {
	l := &scriptedLocator{fixes: []models.LocationPing{
		fixAt(hydrant.Coordinate, 5*time.Minute, 5), // stale
		fixAt(hydrant.Coordinate, time.Second, 150), // worse than the radius
		fixAt(hydrant.Coordinate, time.Second, 8),
	}}

	verdict, err := newTestVerifier(l).Verify(context.Background(), "hydrant", hydrant)

	require.NoError(t, err)
	assert.True(t, verdict.Passed)
	assert.Equal(t, 3, l.calls)
}

func TestVerifyNeverPassesOnInconclusiveFixes(t *testing.T) {
	l := &scriptedLocator{fixes: []models.LocationPing{fixAt(hydrant.Coordinate, 10*time.Minute, 5)}}

	_, err := newTestVerifier(l).Verify(context.Background(), "hydrant", hydrant)

	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))
	assert.Equal(t, 3, l.calls)
}

func TestVerifyPermissionDeniedIsTerminal(t *testing.T) {
	denied := apperr.New(apperr.PermissionDenied, "location permission is off")
	l := &scriptedLocator{errs: []error{denied}, fixes: []models.LocationPing{fixAt(hydrant.Coordinate, 0, 5)}}

	_, err := newTestVerifier(l).Verify(context.Background(), "hydrant", hydrant)

	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
	assert.Equal(t, 1, l.calls)
}

func TestVerifyRetriesLocatorErrors(t *testing.T) {
	l := &scriptedLocator{
		errs:  []error{errors.New("gps warming up"), context.DeadlineExceeded},
		fixes: []models.LocationPing{{}, {}, fixAt(hydrant.Coordinate, 0, 5)},
	}

	verdict, err := newTestVerifier(l).Verify(context.Background(), "hydrant", hydrant)

	require.NoError(t, err)
	assert.True(t, verdict.Passed)
}

type blockingLocator struct{}

func (blockingLocator) CurrentFix(ctx context.Context) (models.LocationPing, error) {
	<-ctx.Done()
	return models.LocationPing{}, ctx.Err()
}

func (l blockingLocator) NextFix(ctx context.Context, after time.Time) (models.LocationPing, error) {
	return l.CurrentFix(ctx)
}

func TestVerifyBoundedWait(t *testing.T) {
	v := NewVerifier(blockingLocator{}, Config{FixTimeout: 10 * time.Millisecond, MaxAttempts: 2},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	start := time.Now()
	_, err := v.Verify(context.Background(), "destination", hydrant)

	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestVerifyWaitsForFreshFixFromFeed(t *testing.T) {
	feed := tracking.NewFeed(time.Minute)
	feed.SetPermissions(tracking.PermissionState{Location: true})
	feed.Push(fixAt(hydrant.Coordinate, time.Second, 500))

	go func() {
		time.Sleep(50 * time.Millisecond)
		feed.Push(fixAt(metersNorth(hydrant.Coordinate, 10), 0, 5))
	}()

	verdict, err := newTestVerifier(feed).Verify(context.Background(), "hydrant", hydrant)

	require.NoError(t, err)
	assert.True(t, verdict.Passed)
	assert.InDelta(t, 0.01, verdict.DistanceKm, 1e-6)
}

func TestVerifyDoesNotReuseRejectedFeedFix(t *testing.T) {
	feed := tracking.NewFeed(time.Minute)
	feed.SetPermissions(tracking.PermissionState{Location: true})
	feed.Push(fixAt(hydrant.Coordinate, time.Second, 500))

	v := NewVerifier(feed, Config{MaxFixAge: 30 * time.Second, FixTimeout: 20 * time.Millisecond, MaxAttempts: 3},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := v.Verify(context.Background(), "hydrant", hydrant)

	require.Error(t, err)
	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "deadline exceeded")
}
