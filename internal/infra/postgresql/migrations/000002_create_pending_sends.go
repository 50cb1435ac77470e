package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/outreach-engine/internal/repository"
	"gorm.io/gorm"
)

func createPendingSendsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_pending_sends",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.PendingSendModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_sends_idempotency_key ON pending_sends (idempotency_key)`,
				`CREATE INDEX IF NOT EXISTS idx_pending_sends_pool ON pending_sends (account_id, earliest_eligible) WHERE status = 'PENDING'`,
				`CREATE INDEX IF NOT EXISTS idx_pending_sends_expiry ON pending_sends (expires_at) WHERE status = 'PENDING' AND expires_at IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_pending_sends_dispatching ON pending_sends (updated_at) WHERE status = 'DISPATCHING'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.PendingSendModel{})
		},
	}
}
