package db

import (
	"log"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
)

func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20250901_create_identity_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.User{}, &models.Group{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("groups", "users")
			},
		},
		{
			ID: "20250901_create_desktop_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.DesktopImage{}, &models.DesktopAssignment{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("desktop_assignments", "desktop_images")
			},
		},
		{
			ID: "20250901_create_desktop_sessions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.Session{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("desktop_sessions")
			},
		},
	}
}

func Migrate(db *gorm.DB) {
	m := gormigrate.New(db, gormigrate.DefaultOptions, Migrations())
	if err := m.Migrate(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Database migrations applied")
}
