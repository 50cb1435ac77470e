package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/outreach-engine/internal/repository"
	"gorm.io/gorm"
)

func createSendResultsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_send_results",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.SendResultModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_send_results_pending_send ON send_results (pending_send_id, attempt_number)`,
				`CREATE INDEX IF NOT EXISTS idx_send_results_unapplied ON send_results (created_at) WHERE applied_at IS NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SendResultModel{})
		},
	}
}
