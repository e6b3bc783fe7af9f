package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

var ErrPayoutNotFound = errors.New("payout not found")

type PayoutRepository struct {
	db *sqlx.DB
}

func NewPayoutRepository(db *sqlx.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// AvailableCurrencies валюты, в которых у эксперта есть средства к выплате.
func (r *PayoutRepository) AvailableCurrencies(ctx context.Context, expertID uuid.UUID) ([]string, error) {
	currencies := []string{}
	err := r.db.SelectContext(ctx, &currencies, `
		SELECT DISTINCT p.currency
		FROM payments p
		JOIN projects pr ON pr.id = p.project_id
		WHERE p.payee_id = $1
		  AND `+payableStatuses+`
		  AND pr.status = 'completed'
		  AND p.payout_id IS NULL
		  AND p.transferred_at IS NULL
		ORDER BY p.currency
	`, expertID)
	if err != nil {
		return nil, fmt.Errorf("payout repository: available currencies: %w", err)
	}
	return currencies, nil
}

// ExpertsWithAvailable эксперты с завершённым онбордингом и средствами к выплате.
func (r *PayoutRepository) ExpertsWithAvailable(ctx context.Context) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	err := r.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT p.payee_id
		FROM payments p
		JOIN projects pr ON pr.id = p.project_id
		JOIN expert_profiles e ON e.user_id = p.payee_id
		WHERE `+payableStatuses+`
		  AND pr.status = 'completed'
		  AND p.payout_id IS NULL
		  AND p.transferred_at IS NULL
		  AND e.stripe_account_id IS NOT NULL
		  AND e.stripe_payouts_enabled
	`)
	if err != nil {
		return nil, fmt.Errorf("payout repository: experts with available: %w", err)
	}
	return ids, nil
}

// Claim в одной транзакции создаёт pending выплату и привязывает к ней доступные платежи.
// Если доступных платежей нет, возвращает nil без записи.
func (r *PayoutRepository) Claim(ctx context.Context, expertID uuid.UUID, currency, destination string) (*models.Payout, error) {
	var payout *models.Payout

	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var claimable []struct {
			ID        uuid.UUID `db:"id"`
			NetAmount int64     `db:"net_amount"`
		}
		err := tx.SelectContext(ctx, &claimable, `
			SELECT p.id, `+remainingNetExpr+` AS net_amount
			FROM payments p
			JOIN projects pr ON pr.id = p.project_id
			WHERE p.payee_id = $1
			  AND p.currency = $2
			  AND `+payableStatuses+`
			  AND pr.status = 'completed'
			  AND p.payout_id IS NULL
			  AND p.transferred_at IS NULL
			FOR UPDATE OF p SKIP LOCKED
		`, expertID, currency)
		if err != nil {
			return fmt.Errorf("payout repository: select claimable: %w", err)
		}
		if len(claimable) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(claimable))
		var total int64
		for _, c := range claimable {
			ids = append(ids, c.ID)
			total += c.NetAmount
		}

		var created models.Payout
		if err := tx.GetContext(ctx, &created, `
			INSERT INTO payouts (expert_id, amount, currency, status, destination_account, payments_count)
			VALUES ($1, $2, $3, 'pending', $4, $5)
			RETURNING *
		`, expertID, total, currency, destination, len(ids)); err != nil {
			return fmt.Errorf("payout repository: create payout: %w", err)
		}

		query, args, err := sqlx.In(`UPDATE payments SET payout_id = ?, updated_at = NOW() WHERE id IN (?)`, created.ID, ids)
		if err != nil {
			return fmt.Errorf("payout repository: build claim: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("payout repository: claim payments: %w", err)
		}

		payout = &created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

// MarkPaid закрывает выплату и помечает её платежи переведёнными.
func (r *PayoutRepository) MarkPaid(ctx context.Context, payoutID uuid.UUID, transferID string) (*models.Payout, error) {
	var payout *models.Payout
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		payout, err = common.GuardedTransition[models.Payout](ctx, tx, common.Transition{
			Table: "payouts",
			ID:    payoutID,
			From:  []string{string(valueobject.PayoutStatusPending), string(valueobject.PayoutStatusInTransit)},
			Set: []common.Assignment{
				common.Set("status", string(valueobject.PayoutStatusPaid)),
				common.Set("stripe_transfer_id", transferID),
				common.Now("paid_at"),
			},
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE payments SET transferred_at = NOW(), stripe_transfer_id = $2, updated_at = NOW()
			WHERE payout_id = $1
		`, payoutID, transferID); err != nil {
			return fmt.Errorf("payout repository: mark payments transferred: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

// MarkFailed помечает выплату неуспешной и освобождает её платежи для следующей попытки.
func (r *PayoutRepository) MarkFailed(ctx context.Context, payoutID uuid.UUID, reason string) (*models.Payout, error) {
	var payout *models.Payout
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		payout, err = common.GuardedTransition[models.Payout](ctx, tx, common.Transition{
			Table: "payouts",
			ID:    payoutID,
			From:  []string{string(valueobject.PayoutStatusPending), string(valueobject.PayoutStatusInTransit)},
			Set: []common.Assignment{
				common.Set("status", string(valueobject.PayoutStatusFailed)),
				common.Set("failure_reason", reason),
			},
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE payments SET payout_id = NULL, updated_at = NOW()
			WHERE payout_id = $1 AND transferred_at IS NULL
		`, payoutID); err != nil {
			return fmt.Errorf("payout repository: release payments: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

func (r *PayoutRepository) ListByExpert(ctx context.Context, expertID uuid.UUID, limit, offset int) ([]models.Payout, error) {
	payouts := []models.Payout{}
	err := r.db.SelectContext(ctx, &payouts, `
		SELECT * FROM payouts WHERE expert_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, expertID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("payout repository: list: %w", err)
	}
	return payouts, nil
}
