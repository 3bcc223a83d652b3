package database

import (
	"log/slog"

	"github.com/chachabrian/mooveit-tanker/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the Postgres database holding trip snapshots and migrates it.
func InitDB(cfg config.DBConfig, log *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(db); err != nil {
		return nil, err
	}
	log.Info("database ready", "host", cfg.Host, "name", cfg.Name)
	return db, nil
}
