package models

import (
	"log"

	"github.com/mmdatafocus/distribution_backend/config"
	"gorm.io/gorm"
)

// AutoMigrate creates or updates the tables owned by the locking core.
// Production schema changes are applied by the migration pipeline, not at startup.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Batch{},
		&InventoryMovement{},
		&Order{}, &OrderLineItem{},
	)
}

func MigrateTable() {
	if err := AutoMigrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}
