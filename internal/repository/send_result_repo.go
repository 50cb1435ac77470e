package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SendResultRepository is the append-only send result log. Rows are never
// updated except for the applied_at marker.
type SendResultRepository interface {
	// Append stores r; an existing id yields domain.ErrConflict.
	Append(ctx context.Context, r *domain.SendResult) error
	// MarkApplied sets applied_at once and reports whether this call set it.
	MarkApplied(ctx context.Context, id string, at time.Time) (bool, error)
	// ApplyToAccount marks the result applied and saves the account changed
	// by fn in one transaction. It reports false without calling fn when the
	// result is unknown or already applied. Any error, including a stale
	// account version (domain.ErrConflict), leaves both rows untouched.
	ApplyToAccount(ctx context.Context, id string, at time.Time, accountID string, fn func(a *domain.Account) error) (*domain.Account, bool, error)
	ListByPendingSend(ctx context.Context, pendingSendID string) ([]domain.SendResult, error)
	ListUnapplied(ctx context.Context, limit int) ([]domain.SendResult, error)
}

type GormSendResultRepo struct {
	db *gorm.DB
}

func NewGormSendResultRepo(db *gorm.DB) *GormSendResultRepo {
	return &GormSendResultRepo{db: db}
}

func (r *GormSendResultRepo) Append(ctx context.Context, res *domain.SendResult) error {
	model := sendResultModelFromDomain(res)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	if res != nil {
		*res = *sendResultModelToDomain(model)
	}
	return nil
}

func (r *GormSendResultRepo) MarkApplied(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&SendResultModel{}).
		Where("id = ? AND applied_at IS NULL", id).
		Update("applied_at", at.UTC())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormSendResultRepo) ApplyToAccount(
	ctx context.Context,
	id string,
	at time.Time,
	accountID string,
	fn func(a *domain.Account) error,
) (*domain.Account, bool, error) {
	var account *domain.Account
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marked, err := (&GormSendResultRepo{db: tx}).MarkApplied(ctx, id, at)
		if err != nil || !marked {
			return err
		}

		accounts := NewGormAccountRepo(tx)
		a, err := accounts.GetByID(ctx, accountID)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		if err := accounts.Save(ctx, a); err != nil {
			return err
		}
		account = a
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return account, account != nil, nil
}

func (r *GormSendResultRepo) ListByPendingSend(ctx context.Context, pendingSendID string) ([]domain.SendResult, error) {
	var models []SendResultModel
	err := r.db.WithContext(ctx).
		Where("pending_send_id = ?", pendingSendID).
		Order("created_at ASC, attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return sendResultsToDomain(models), nil
}

func (r *GormSendResultRepo) ListUnapplied(ctx context.Context, limit int) ([]domain.SendResult, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []SendResultModel
	err := r.db.WithContext(ctx).
		Where("applied_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return sendResultsToDomain(models), nil
}

func sendResultsToDomain(models []SendResultModel) []domain.SendResult {
	results := make([]domain.SendResult, 0, len(models))
	for i := range models {
		results = append(results, *sendResultModelToDomain(&models[i]))
	}
	return results
}
