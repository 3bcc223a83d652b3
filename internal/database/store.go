package database

import (
	"context"
	"errors"
	"sync"

	"github.com/chachabrian/mooveit-tanker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps one snapshot row per booking.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Save upserts the snapshot keyed by booking ID.
func (s *GormStore) Save(ctx context.Context, t models.Trip) error {
	var record models.TripRecord
	record.Apply(t)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "booking_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"trip_id", "vehicle_id", "status", "start_time", "end_time",
			"cumulative_distance_km", "hydrant_proof_ref", "delivery_proof_ref",
			"hydrant_lat", "hydrant_lng", "hydrant_addr",
			"dest_lat", "dest_lng", "dest_addr", "customer_phone", "updated_at",
		}),
	}).Create(&record).Error
}

func (s *GormStore) Load(ctx context.Context, bookingID string) (models.Trip, bool, error) {
	var record models.TripRecord
	err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Trip{}, false, nil
	}
	if err != nil {
		return models.Trip{}, false, err
	}
	return record.ToTrip(), true, nil
}

// MemoryStore is the store used when no database is configured. Snapshots
// do not survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]models.Trip)}
}

func (s *MemoryStore) Save(_ context.Context, t models.Trip) error {
	if t.BookingID == "" {
		return errors.New("trip snapshot without booking id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[t.BookingID] = t
	return nil
}

func (s *MemoryStore) Load(_ context.Context, bookingID string) (models.Trip, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[bookingID]
	return t, ok, nil
}
