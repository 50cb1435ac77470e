package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PendingSendRepository interface {
	// Enqueue inserts p unless its idempotency key exists, in which case p is
	// replaced by the stored send and created is false.
	Enqueue(ctx context.Context, p *domain.PendingSend) (created bool, err error)
	GetByID(ctx context.Context, id string) (*domain.PendingSend, error)
	ListPending(ctx context.Context) ([]domain.PendingSend, error)
	// Claim moves a PENDING send to DISPATCHING. It returns nil when another
	// dispatcher already took it or the send left the pool.
	Claim(ctx context.Context, id string) (*domain.PendingSend, error)
	Complete(ctx context.Context, id string, status domain.SendStatus, lastError *string) error
	Requeue(ctx context.Context, id string, eligibleAt time.Time, lastError *string) error
	Release(ctx context.Context, id string) error
	MarkBounced(ctx context.Context, id string, detail string) error
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
	// RecoverStale returns DISPATCHING sends claimed before olderThan to the
	// pool when no result was logged for their in-flight attempt.
	RecoverStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type GormPendingSendRepo struct {
	db *gorm.DB
}

func NewGormPendingSendRepo(db *gorm.DB) *GormPendingSendRepo {
	return &GormPendingSendRepo{db: db}
}

func (r *GormPendingSendRepo) Enqueue(ctx context.Context, p *domain.PendingSend) (bool, error) {
	model := pendingSendModelFromDomain(p)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}

	if result.RowsAffected == 0 {
		var existing PendingSendModel
		err := r.db.WithContext(ctx).
			Where("idempotency_key = ?", p.IdempotencyKey).
			First(&existing).Error
		if err != nil {
			return false, err
		}
		*p = *pendingSendModelToDomain(&existing)
		return false, nil
	}

	*p = *pendingSendModelToDomain(model)
	return true, nil
}

func (r *GormPendingSendRepo) GetByID(ctx context.Context, id string) (*domain.PendingSend, error) {
	var model PendingSendModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pendingSendModelToDomain(&model), nil
}

func (r *GormPendingSendRepo) ListPending(ctx context.Context) ([]domain.PendingSend, error) {
	var models []PendingSendModel
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.SendStatusPending).
		Order("account_id ASC, earliest_eligible ASC, idempotency_key ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	sends := make([]domain.PendingSend, 0, len(models))
	for i := range models {
		sends = append(sends, *pendingSendModelToDomain(&models[i]))
	}
	return sends, nil
}

func (r *GormPendingSendRepo) Claim(ctx context.Context, id string) (*domain.PendingSend, error) {
	var models []PendingSendModel
	result := r.db.WithContext(ctx).
		Model(&models).
		Clauses(clause.Returning{}).
		Where("id = ? AND status = ?", id, domain.SendStatusPending).
		Updates(map[string]any{
			"status":     domain.SendStatusDispatching,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 || len(models) == 0 {
		return nil, nil
	}
	return pendingSendModelToDomain(&models[0]), nil
}

func (r *GormPendingSendRepo) Complete(ctx context.Context, id string, status domain.SendStatus, lastError *string) error {
	if !status.IsTerminal() {
		return domain.ErrValidation
	}
	return r.transition(ctx, id, domain.SendStatusDispatching, map[string]any{
		"status":        status,
		"last_error":    lastError,
		"attempt_count": gorm.Expr("attempt_count + 1"),
		"updated_at":    time.Now().UTC(),
	})
}

func (r *GormPendingSendRepo) Requeue(ctx context.Context, id string, eligibleAt time.Time, lastError *string) error {
	return r.transition(ctx, id, domain.SendStatusDispatching, map[string]any{
		"status":            domain.SendStatusPending,
		"earliest_eligible": eligibleAt,
		"last_error":        lastError,
		"attempt_count":     gorm.Expr("attempt_count + 1"),
		"updated_at":        time.Now().UTC(),
	})
}

func (r *GormPendingSendRepo) Release(ctx context.Context, id string) error {
	return r.transition(ctx, id, domain.SendStatusDispatching, map[string]any{
		"status":     domain.SendStatusPending,
		"updated_at": time.Now().UTC(),
	})
}

func (r *GormPendingSendRepo) MarkBounced(ctx context.Context, id string, detail string) error {
	return r.transition(ctx, id, domain.SendStatusSent, map[string]any{
		"status":     domain.SendStatusBounced,
		"last_error": detail,
		"updated_at": time.Now().UTC(),
	})
}

func (r *GormPendingSendRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&PendingSendModel{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", domain.SendStatusPending, now).
		Updates(map[string]any{
			"status":     domain.SendStatusExpired,
			"updated_at": now.UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *GormPendingSendRepo) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&PendingSendModel{}).
		Where("status = ? AND updated_at < ?", domain.SendStatusDispatching, olderThan).
		Where(`NOT EXISTS (
			SELECT 1 FROM send_results r
			WHERE r.pending_send_id = pending_sends.id
			  AND r.attempt_number = pending_sends.attempt_count + 1
		)`).
		Updates(map[string]any{
			"status":     domain.SendStatusPending,
			"updated_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

// transition applies updates only while the send is in from. A miss is
// ErrNotFound for unknown ids and ErrConflict otherwise.
func (r *GormPendingSendRepo) transition(ctx context.Context, id string, from domain.SendStatus, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&PendingSendModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}
