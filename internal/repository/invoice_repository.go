package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

var ErrInvoiceNotFound = errors.New("invoice not found")

type InvoiceRepository struct {
	db *sqlx.DB
}

func NewInvoiceRepository(db *sqlx.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// NextNumber следующее значение последовательности номеров счетов.
func (r *InvoiceRepository) NextNumber(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.GetContext(ctx, &seq, `SELECT nextval('invoice_number_seq')`); err != nil {
		return 0, fmt.Errorf("invoice repository: next number: %w", err)
	}
	return seq, nil
}

// Create сохраняет счёт. Счёт по проекту один: повторный вызов возвращает существующий.
func (r *InvoiceRepository) Create(ctx context.Context, inv *models.Invoice) (bool, error) {
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO invoices (
			invoice_number, project_id, payment_id, issuer_id, recipient_id,
			subtotal, tax_rate_bp, tax_amount, total, currency,
			line_items, issuer_details, recipient_details, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (project_id) DO NOTHING
		RETURNING *
	`, inv.InvoiceNumber, inv.ProjectID, inv.PaymentID, inv.IssuerID, inv.RecipientID,
		inv.Subtotal, inv.TaxRateBP, inv.TaxAmount, inv.Total, inv.Currency,
		jsonOrEmpty(inv.LineItems), jsonOrEmpty(inv.IssuerDetails), jsonOrEmpty(inv.RecipientDetails), string(inv.Status),
	).StructScan(inv)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("invoice repository: create: %w", err)
	}

	existing, err := r.GetByProject(ctx, inv.ProjectID)
	if err != nil {
		return false, err
	}
	*inv = *existing
	return false, nil
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	return common.GetByID[models.Invoice](ctx, r.db, "invoices", id, ErrInvoiceNotFound)
}

func (r *InvoiceRepository) GetByProject(ctx context.Context, projectID uuid.UUID) (*models.Invoice, error) {
	return common.GetByField[models.Invoice](ctx, r.db, "invoices", "project_id", projectID, ErrInvoiceNotFound)
}

// ListByUser счета, где пользователь эмитент или получатель.
func (r *InvoiceRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Invoice, error) {
	invoices := []models.Invoice{}
	err := r.db.SelectContext(ctx, &invoices, `
		SELECT * FROM invoices
		WHERE issuer_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("invoice repository: list: %w", err)
	}
	return invoices, nil
}

// Transition меняет статус счёта по таблице переходов.
func (r *InvoiceRepository) Transition(ctx context.Context, id uuid.UUID, target valueobject.InvoiceStatus, set ...common.Assignment) (*models.Invoice, error) {
	invoice, err := common.GuardedTransition[models.Invoice](ctx, r.db, common.Transition{
		Table: "invoices",
		ID:    id,
		From:  valueobject.InvoiceSourcesOf(target),
		Set:   append([]common.Assignment{common.Set("status", string(target))}, set...),
	})
	if err != nil {
		if errors.Is(err, common.ErrTransitionRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("invoice repository: transition to %s: %w", target, err)
	}
	return invoice, nil
}
