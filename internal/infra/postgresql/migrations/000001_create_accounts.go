package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/outreach-engine/internal/repository"
	"gorm.io/gorm"
)

func createAccountsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_accounts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AccountModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_accounts_warmup_state ON accounts (warmup_state)`,
				`ALTER TABLE accounts ADD CONSTRAINT chk_accounts_reputation CHECK (reputation >= 0 AND reputation <= 1)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AccountModel{})
		},
	}
}
