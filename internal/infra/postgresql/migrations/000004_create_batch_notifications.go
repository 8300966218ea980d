package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"gorm.io/gorm"
)

func createBatchNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_batch_notifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchNotificationModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_notifications_pending ON batch_notifications (created_at) WHERE delivered_at IS NULL`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchNotificationModel{})
		},
	}
}
