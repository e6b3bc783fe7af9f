package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

var (
	ErrExpertNotFound = errors.New("expert profile not found")
	// ErrAccountAlreadySet у эксперта уже есть аккаунт процессора.
	ErrAccountAlreadySet = errors.New("connect account already set")
)

// ExpertRepository читает профили экспертов и ведёт встроенный статус Connect.
type ExpertRepository struct {
	db *sqlx.DB
}

func NewExpertRepository(db *sqlx.DB) *ExpertRepository {
	return &ExpertRepository{db: db}
}

func (r *ExpertRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.ExpertProfile, error) {
	return common.GetByField[models.ExpertProfile](ctx, r.db, "expert_profiles", "user_id", userID, ErrExpertNotFound)
}

// SetAccount привязывает аккаунт процессора, только если его ещё нет.
func (r *ExpertRepository) SetAccount(ctx context.Context, userID uuid.UUID, accountID, country string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE expert_profiles
		SET stripe_account_id = $2, connect_country = $3,
		    stripe_charges_enabled = FALSE, stripe_payouts_enabled = FALSE,
		    updated_at = NOW()
		WHERE user_id = $1 AND stripe_account_id IS NULL
	`, userID, accountID, country)
	if err != nil {
		return fmt.Errorf("expert repository: set account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("expert repository: set account rows: %w", err)
	}
	if affected == 0 {
		return ErrAccountAlreadySet
	}
	return nil
}

// UpdateCapabilities обновляет флаги по account id. Возвращает false, если аккаунт неизвестен.
func (r *ExpertRepository) UpdateCapabilities(ctx context.Context, caps models.ConnectCapabilities) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE expert_profiles
		SET stripe_charges_enabled = $2, stripe_payouts_enabled = $3, updated_at = NOW()
		WHERE stripe_account_id = $1
	`, caps.AccountID, caps.ChargesEnabled, caps.PayoutsEnabled)
	if err != nil {
		return false, fmt.Errorf("expert repository: update capabilities: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expert repository: update capabilities rows: %w", err)
	}
	return affected > 0, nil
}
