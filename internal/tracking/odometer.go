package tracking

import (
	"sync"

	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/chachabrian/mooveit-tanker/pkg/utils"
)

// Odometer is the running distance for one trip. It is the trip handle threaded
// through the aggregator and the state machine: a restarted subscription keeps
// folding into the same odometer, so the total is never reset by a restart.
//
// Samples are applied in capture order only. A sample not strictly newer than
// the last accepted one contributes nothing and does not move the reference
// point, which keeps the total monotonically non-decreasing.
type Odometer struct {
	mu      sync.Mutex
	tripID  string
	totalKm float64
	last    models.LocationPing
	hasLast bool
}

// NewOdometer starts an odometer at a previously confirmed distance.
func NewOdometer(tripID string, startKm float64) *Odometer {
	if startKm < 0 {
		startKm = 0
	}
	return &Odometer{tripID: tripID, totalKm: startKm}
}

func (o *Odometer) TripID() string { return o.tripID }

// Apply folds a sample into the total. It returns the distance added and
// whether the sample was accepted.
func (o *Odometer) Apply(p models.LocationPing) (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.hasLast {
		o.last, o.hasLast = p, true
		return 0, true
	}
	if !p.CapturedAt.After(o.last.CapturedAt) {
		return 0, false
	}

	delta := utils.HaversineDistance(o.last.Latitude, o.last.Longitude, p.Latitude, p.Longitude)
	o.totalKm += delta
	o.last = p
	return delta, true
}

func (o *Odometer) TotalKm() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalKm
}

// Last returns the most recent accepted sample.
func (o *Odometer) Last() (models.LocationPing, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, o.hasLast
}
