package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"

	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrUnknownReference checkout ссылается на пользователя или услугу, которых нет.
	ErrUnknownReference = errors.New("checkout references unknown user or service")
)

const foreignKeyViolation = "23503"

const refundStatusExpr = `CASE WHEN %s >= amount THEN 'refunded'::payment_status ELSE 'partially_refunded'::payment_status END`

type PaymentRepository struct {
	db *sqlx.DB
}

func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create сохраняет платёж, созданный по явному запросу клиента.
func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (
			project_id, payer_id, payee_id, amount, currency, platform_fee, net_amount,
			status, stripe_payment_intent_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING *
	`
	if err := r.db.QueryRowxContext(ctx, query,
		p.ProjectID, p.PayerID, p.PayeeID, p.Amount, p.Currency, p.PlatformFee, p.NetAmount,
		string(p.Status), p.StripePaymentIntentID, jsonOrEmpty(p.Metadata),
	).StructScan(p); err != nil {
		return fmt.Errorf("payment repository: create: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return common.GetByID[models.Payment](ctx, r.db, "payments", id, ErrPaymentNotFound)
}

func (r *PaymentRepository) GetByPaymentIntent(ctx context.Context, intentID string) (*models.Payment, error) {
	return common.GetByField[models.Payment](ctx, r.db, "payments", "stripe_payment_intent_id", intentID, ErrPaymentNotFound)
}

func (r *PaymentRepository) GetByCharge(ctx context.Context, chargeID string) (*models.Payment, error) {
	return common.GetByField[models.Payment](ctx, r.db, "payments", "stripe_charge_id", chargeID, ErrPaymentNotFound)
}

// FindForProject возвращает последний платёж проекта в одном из статусов.
func (r *PaymentRepository) FindForProject(ctx context.Context, projectID uuid.UUID, statuses []string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.GetContext(ctx, &payment, `
		SELECT * FROM payments
		WHERE project_id = $1 AND status::text = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID, pq.Array(statuses))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("payment repository: find for project: %w", err)
	}
	return &payment, nil
}

// ListByUser история платежей, где пользователь плательщик или получатель.
func (r *PaymentRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := r.db.SelectContext(ctx, &payments, `
		SELECT * FROM payments
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("payment repository: list by user: %w", err)
	}
	return payments, nil
}

// Transition условно переводит платёж в target из статусов from.
func (r *PaymentRepository) Transition(ctx context.Context, id uuid.UUID, from []string, target valueobject.PaymentStatus, set []common.Assignment) (*models.Payment, error) {
	assignments := append([]common.Assignment{common.Set("status", string(target))}, set...)
	payment, err := common.GuardedTransition[models.Payment](ctx, r.db, common.Transition{
		Table: "payments",
		ID:    id,
		From:  from,
		Set:   assignments,
	})
	if err != nil {
		if errors.Is(err, common.ErrTransitionRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("payment repository: transition to %s: %w", target, err)
	}
	return payment, nil
}

// AddRefund прибавляет delta к сумме возвратов. Запись проходит, только если
// итог не превышает amount, поэтому параллельные возвраты не переплатят.
func (r *PaymentRepository) AddRefund(ctx context.Context, id uuid.UUID, delta int64, reason *string) (*models.Payment, error) {
	return r.refund(ctx, common.Transition{
		Table: "payments",
		ID:    id,
		From:  valueobject.RefundableStatuses(),
		Set: []common.Assignment{
			common.SetExpr("status", fmt.Sprintf(refundStatusExpr, "refund_amount + ?"), delta),
			common.SetExpr("refund_amount", "refund_amount + ?", delta),
			common.SetExpr("refund_reason", "COALESCE(?, refund_reason)", reason),
			common.Now("refunded_at"),
		},
		Where:     "?::bigint > 0 AND refund_amount + ? <= amount",
		WhereArgs: []any{delta, delta},
	})
}

// SyncRefundTotal выставляет накопленную сумму возвратов, присланную процессором.
// Запись проходит только вперёд: total должен быть больше сохранённого.
func (r *PaymentRepository) SyncRefundTotal(ctx context.Context, id uuid.UUID, total int64, reason *string) (*models.Payment, error) {
	return r.refund(ctx, common.Transition{
		Table: "payments",
		ID:    id,
		From:  valueobject.RefundableStatuses(),
		Set: []common.Assignment{
			common.SetExpr("status", fmt.Sprintf(refundStatusExpr, "?"), total),
			common.Set("refund_amount", total),
			common.SetExpr("refund_reason", "COALESCE(?, refund_reason)", reason),
			common.Now("refunded_at"),
		},
		Where:     "refund_amount < ? AND ? <= amount",
		WhereArgs: []any{total, total},
	})
}

func (r *PaymentRepository) refund(ctx context.Context, t common.Transition) (*models.Payment, error) {
	payment, err := common.GuardedTransition[models.Payment](ctx, r.db, t)
	if err != nil {
		if errors.Is(err, common.ErrTransitionRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("payment repository: refund: %w", err)
	}
	return payment, nil
}

// RecordCheckout в одной транзакции находит или создаёт проект и записывает платёж.
// Повторная доставка того же checkout возвращает уже существующие записи, created = false.
func (r *PaymentRepository) RecordCheckout(ctx context.Context, rec models.CheckoutRecord) (*models.Payment, *models.Project, bool, error) {
	var (
		payment models.Payment
		project *models.Project
		created bool
	)

	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		project, err = resolveCheckoutProject(ctx, tx, rec)
		if err != nil {
			return err
		}

		err = tx.GetContext(ctx, &payment, `
			INSERT INTO payments (
				project_id, payer_id, payee_id, amount, currency, platform_fee, net_amount, status,
				stripe_checkout_session_id, stripe_payment_intent_id, metadata,
				paid_at, transferred_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
				CASE WHEN $8 = 'succeeded' THEN NOW() END,
				CASE WHEN $12::boolean THEN NOW() END)
			ON CONFLICT (stripe_checkout_session_id) DO NOTHING
			RETURNING *
		`, project.ID, rec.BuyerID, rec.ExpertID, rec.Amount, rec.Currency, rec.PlatformFee, rec.NetAmount,
			string(rec.Status), rec.SessionID, nullString(rec.PaymentIntentID), jsonOrEmpty(rec.Metadata), rec.Transferred)
		if err == nil {
			created = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("payment repository: record checkout: %w", err)
		}
		if err := tx.GetContext(ctx, &payment, `SELECT * FROM payments WHERE stripe_checkout_session_id = $1`, rec.SessionID); err != nil {
			return fmt.Errorf("payment repository: get by checkout session: %w", err)
		}
		return nil
	})
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return nil, nil, false, fmt.Errorf("%w: %s", ErrUnknownReference, pqErr.Constraint)
	}
	if err != nil {
		return nil, nil, false, err
	}
	return &payment, project, created, nil
}

// Доля эксперта, оставшаяся после частичных возвратов. Округляется вниз.
const remainingNetExpr = `(p.net_amount * (p.amount - p.refund_amount) / p.amount)`

// Платежи, деньги по которым ещё причитаются эксперту.
const payableStatuses = `p.status IN ('succeeded', 'partially_refunded')`

// Balance pending: оплаченные платежи, ещё не переведённые эксперту;
// available: их часть по завершённым проектам, не захваченная выплатой.
// Частично возвращённые платежи учитываются остатком доли эксперта.
func (r *PaymentRepository) Balance(ctx context.Context, expertID uuid.UUID) ([]models.Balance, error) {
	balances := []models.Balance{}
	err := r.db.SelectContext(ctx, &balances, `
		SELECT p.currency,
		       COALESCE(SUM(`+remainingNetExpr+`), 0) AS pending,
		       COALESCE(SUM(`+remainingNetExpr+`) FILTER (
		           WHERE pr.status = 'completed' AND p.payout_id IS NULL
		       ), 0) AS available
		FROM payments p
		JOIN projects pr ON pr.id = p.project_id
		WHERE p.payee_id = $1
		  AND `+payableStatuses+`
		  AND p.transferred_at IS NULL
		GROUP BY p.currency
		ORDER BY p.currency
	`, expertID)
	if err != nil {
		return nil, fmt.Errorf("payment repository: balance: %w", err)
	}
	return balances, nil
}

func jsonOrEmpty(j types.JSONText) types.JSONText {
	if len(j) == 0 {
		return types.JSONText("{}")
	}
	return j
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
