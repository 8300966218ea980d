package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"gorm.io/gorm"
)

func createBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_batches_eligible ON batches (priority DESC, queue_position ASC, created_at ASC) WHERE status = 'PENDING'`,
				`CREATE INDEX IF NOT EXISTS idx_batches_lock_expires_at ON batches (lock_expires_at) WHERE locked_by IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_batches_status_created ON batches (status, created_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchModel{})
		},
	}
}
