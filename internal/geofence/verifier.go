// Package geofence decides whether the vehicle is physically at a checkpoint.
package geofence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/metrics"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/chachabrian/mooveit-tanker/pkg/utils"
)

// RadiusKm is the proximity threshold for every checkpoint (70 m).
const RadiusKm = 0.07

// Verdict is the outcome of a single proximity check.
type Verdict struct {
	Passed     bool    `json:"passed"`
	DistanceKm float64 `json:"distanceKm"`
}

// Check compares a device position with a checkpoint. Pure.
func Check(fix, target models.Coordinate) Verdict {
	return Verdict{
		Passed:     utils.IsWithinRadius(target.Latitude, target.Longitude, fix.Latitude, fix.Longitude, RadiusKm),
		DistanceKm: Distance(fix, target),
	}
}

// Distance is the haversine distance between two coordinates in kilometers.
func Distance(a, b models.Coordinate) float64 {
	return utils.HaversineDistance(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Locator returns the device's current position fix. NextFix only returns a
// fix captured after the given time.
type Locator interface {
	CurrentFix(ctx context.Context) (models.LocationPing, error)
	NextFix(ctx context.Context, after time.Time) (models.LocationPing, error)
}

type Config struct {
	// MaxFixAge is how old a fix may be before it is re-requested.
	MaxFixAge time.Duration
	// FixTimeout bounds each request to the locator.
	FixTimeout time.Duration
	// MaxAttempts is how many fixes are requested before giving up.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		MaxFixAge:   30 * time.Second,
		FixTimeout:  10 * time.Second,
		MaxAttempts: 3,
	}
}

// Verifier samples the locator and checks the result against a checkpoint.
// Stale or imprecise fixes are treated as inconclusive and re-requested.
type Verifier struct {
	locator Locator
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewVerifier(locator Locator, cfg Config, logger *slog.Logger) *Verifier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Verifier{locator: locator, cfg: cfg, logger: logger, now: time.Now}
}

// Verify returns the verdict for the current position against target. A failed
// check returns the verdict together with a GeofenceFailed error.
func (v *Verifier) Verify(ctx context.Context, name string, target models.Checkpoint) (Verdict, error) {
	var (
		lastReason string
		rejected   *time.Time
	)
	for attempt := 1; attempt <= v.cfg.MaxAttempts; attempt++ {
		fix, err := v.requestFix(ctx, rejected)
		if err != nil {
			if apperr.KindOf(err) == apperr.PermissionDenied {
				return Verdict{}, err
			}
			if ctx.Err() != nil {
				return Verdict{}, apperr.FromContext("checking position at the "+name, ctx.Err())
			}
			lastReason = err.Error()
			v.logger.Warn("location fix failed", "checkpoint", name, "attempt", attempt, "error", err)
			continue
		}

		if reason := v.inconclusive(fix); reason != "" {
			lastReason = reason
			capturedAt := fix.CapturedAt
			rejected = &capturedAt
			metrics.GeofenceChecksTotal.WithLabelValues(name, "inconclusive").Inc()
			v.logger.Info("location fix inconclusive, re-requesting",
				"checkpoint", name, "attempt", attempt, "reason", reason)
			continue
		}

		verdict := Check(fix.Coordinate(), target.Coordinate)
		if !verdict.Passed {
			metrics.GeofenceChecksTotal.WithLabelValues(name, "failed").Inc()
			return verdict, apperr.Geofence(name, verdict.DistanceKm)
		}
		metrics.GeofenceChecksTotal.WithLabelValues(name, "passed").Inc()
		return verdict, nil
	}

	return Verdict{}, apperr.New(apperr.Timeout,
		fmt.Sprintf("could not get a reliable location fix near the %s (%s)", name, lastReason))
}

// requestFix asks for a fix newer than the last rejected one, if any.
func (v *Verifier) requestFix(ctx context.Context, rejected *time.Time) (models.LocationPing, error) {
	fctx, cancel := context.WithTimeout(ctx, v.cfg.FixTimeout)
	defer cancel()
	if rejected != nil {
		return v.locator.NextFix(fctx, *rejected)
	}
	return v.locator.CurrentFix(fctx)
}

func (v *Verifier) inconclusive(fix models.LocationPing) string {
	if age := v.now().Sub(fix.CapturedAt); v.cfg.MaxFixAge > 0 && age > v.cfg.MaxFixAge {
		return fmt.Sprintf("fix is %s old", age.Round(time.Second))
	}
	if fix.Accuracy > RadiusKm*1000 {
		return fmt.Sprintf("accuracy %.0f m is worse than the %.0f m radius", fix.Accuracy, RadiusKm*1000)
	}
	return ""
}
