package database

import (
	"fmt"

	"pixel-relay-backend/config"
	"pixel-relay-backend/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Connect opens the shared connection pool. TranslateError is on so unique
// violations surface as gorm.ErrDuplicatedKey instead of driver errors.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// AutoMigrate creates/updates all tables owned by this service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Shop{},
		&models.PlatformConfig{},
		&models.ConversionJob{},
		&models.PixelReceipt{},
		&models.WebhookLock{},
	)
}
