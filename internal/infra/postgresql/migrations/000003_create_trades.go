package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"gorm.io/gorm"
)

func createTradesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_trades",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.TradeModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_trades_batch_status ON trades (batch_id, status)`,
				`CREATE INDEX IF NOT EXISTS idx_trades_batch_created ON trades (batch_id, created_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.TradeModel{})
		},
	}
}
