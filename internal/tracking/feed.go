package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/models"
)

// PermissionState is what the device shell last reported about OS permissions.
type PermissionState struct {
	Location           bool `json:"location"`
	BackgroundLocation bool `json:"backgroundLocation"`
	Camera             bool `json:"camera"`
}

// Permissions exposes the current permission state.
type Permissions interface {
	Current() PermissionState
}

// Locator returns the device's current position fix.
type Locator interface {
	CurrentFix(ctx context.Context) (models.LocationPing, error)
}

// Feed adapts the device positioning subsystem: the shell pushes fixes and
// permission changes in, and CurrentFix hands out the freshest fix, waiting
// for a new one when the latest is too old.
type Feed struct {
	mu      sync.Mutex
	latest  models.LocationPing
	hasFix  bool
	updated chan struct{}
	perms   PermissionState
	maxAge  time.Duration
	now     func() time.Time
}

func NewFeed(maxAge time.Duration) *Feed {
	return &Feed{
		updated: make(chan struct{}),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Push records a new fix from the device and wakes any waiting readers.
// Fixes older than the latest one are ignored.
func (f *Feed) Push(p models.LocationPing) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hasFix && p.CapturedAt.Before(f.latest.CapturedAt) {
		return
	}
	f.latest, f.hasFix = p, true
	close(f.updated)
	f.updated = make(chan struct{})
}

func (f *Feed) SetPermissions(p PermissionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perms = p
}

func (f *Feed) Current() PermissionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perms
}

// CurrentFix returns the latest fix if it is fresh, otherwise waits for the next
// push until ctx is done.
func (f *Feed) CurrentFix(ctx context.Context) (models.LocationPing, error) {
	for {
		f.mu.Lock()
		if !f.perms.Location {
			f.mu.Unlock()
			return models.LocationPing{}, apperr.New(apperr.PermissionDenied,
				"location access is off; enable it in the device settings")
		}
		if f.hasFix && (f.maxAge <= 0 || f.now().Sub(f.latest.CapturedAt) <= f.maxAge) {
			fix := f.latest
			f.mu.Unlock()
			return fix, nil
		}
		wait := f.updated
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.LocationPing{}, ctx.Err()
		case <-wait:
		}
	}
}

// NextFix waits for a fix captured after the given time, so a caller that
// rejected a fix is never handed the same one again.
func (f *Feed) NextFix(ctx context.Context, after time.Time) (models.LocationPing, error) {
	for {
		f.mu.Lock()
		if !f.perms.Location {
			f.mu.Unlock()
			return models.LocationPing{}, apperr.New(apperr.PermissionDenied,
				"location access is off; enable it in the device settings")
		}
		if f.hasFix && f.latest.CapturedAt.After(after) {
			fix := f.latest
			f.mu.Unlock()
			return fix, nil
		}
		wait := f.updated
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.LocationPing{}, ctx.Err()
		case <-wait:
		}
	}
}
