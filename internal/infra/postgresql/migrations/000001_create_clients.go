package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"gorm.io/gorm"
)

func createClientsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_clients",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.ClientModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ClientModel{})
		},
	}
}
