package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository interface {
	Create(ctx context.Context, a *domain.Account) error
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	List(ctx context.Context) ([]domain.Account, error)
	// Save writes the full account state when a.Version matches the stored
	// version and bumps it; a stale version yields domain.ErrConflict.
	Save(ctx context.Context, a *domain.Account) error
}

type GormAccountRepo struct {
	db *gorm.DB
}

func NewGormAccountRepo(db *gorm.DB) *GormAccountRepo {
	return &GormAccountRepo{db: db}
}

func (r *GormAccountRepo) Create(ctx context.Context, a *domain.Account) error {
	model := accountModelFromDomain(a)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	if a != nil {
		*a = *accountModelToDomain(model)
	}
	return nil
}

func (r *GormAccountRepo) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	var model AccountModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return accountModelToDomain(&model), nil
}

func (r *GormAccountRepo) List(ctx context.Context) ([]domain.Account, error) {
	var models []AccountModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	accounts := make([]domain.Account, 0, len(models))
	for i := range models {
		accounts = append(accounts, *accountModelToDomain(&models[i]))
	}
	return accounts, nil
}

func (r *GormAccountRepo) Save(ctx context.Context, a *domain.Account) error {
	if a == nil {
		return domain.ErrValidation
	}

	model := accountModelFromDomain(a)
	model.Version = a.Version + 1
	model.UpdatedAt = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&AccountModel{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Select("*").
		Omit("id", "created_at").
		Updates(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, a.ID); err != nil {
			return err
		}
		return domain.ErrConflict
	}

	a.Version = model.Version
	a.UpdatedAt = model.UpdatedAt
	return nil
}
