package db

import (
	"crawlmaster/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Account{},
		&models.CacheEntity{},
		&models.Notification{},
		&models.ReplyRequest{},
	)
}
