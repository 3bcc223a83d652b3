package database

import (
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.TripRecord{}); err != nil {
		return err
	}

	// Restore looks up in-transit trips per vehicle.
	if db.Migrator().HasTable(&models.TripRecord{}) {
		if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_trip_records_vehicle_status ON trip_records (vehicle_id, status)`).Error; err != nil {
			return err
		}
	}
	return nil
}
