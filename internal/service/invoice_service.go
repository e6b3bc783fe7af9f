package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/ignatzorin/expert-marketplace/internal/billing"
	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/logger"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/repository"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

type InvoiceRepository interface {
	NextNumber(ctx context.Context) (int64, error)
	Create(ctx context.Context, inv *models.Invoice) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Invoice, error)
	Transition(ctx context.Context, id uuid.UUID, target valueobject.InvoiceStatus, set ...common.Assignment) (*models.Invoice, error)
}

type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// InvoiceService выписывает счёт по завершённому проекту: эмитент эксперт, получатель клиент.
type InvoiceService struct {
	repo      InvoiceRepository
	users     UserReader
	payments  ProjectPayments
	notifier  Notifier
	taxRateBP int64
	now       func() time.Time
}

func NewInvoiceService(repo InvoiceRepository, users UserReader, payments ProjectPayments, notifier Notifier, taxRateBP int64) *InvoiceService {
	return &InvoiceService{
		repo:      repo,
		users:     users,
		payments:  payments,
		notifier:  notifier,
		taxRateBP: taxRateBP,
		now:       time.Now,
	}
}

// IssueForProject создаёт счёт (draft), открывает его и, если платёж прошёл, отмечает оплаченным.
// Повторный вызов возвращает уже выписанный счёт.
func (s *InvoiceService) IssueForProject(ctx context.Context, project *models.Project) (*models.Invoice, error) {
	if project.Status != valueobject.ProjectStatusCompleted {
		return nil, apperror.Conflictf("счёт выписывается только по завершённому проекту, статус %s", project.Status)
	}

	totals, err := billing.Invoice(project.Price, s.taxRateBP)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "некорректная ставка налога")
	}
	seq, err := s.repo.NextNumber(ctx)
	if err != nil {
		return nil, err
	}

	lineItems, err := json.Marshal([]models.InvoiceLineItem{{
		Description: project.Title,
		Quantity:    1,
		UnitPrice:   project.Price,
		Amount:      project.Price,
	}})
	if err != nil {
		return nil, fmt.Errorf("invoice service: marshal line items: %w", err)
	}
	issuer, err := s.partyDetails(ctx, project.ExpertID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.partyDetails(ctx, project.ClientID)
	if err != nil {
		return nil, err
	}

	invoice := &models.Invoice{
		InvoiceNumber:    billing.InvoiceNumber(s.now(), seq),
		ProjectID:        project.ID,
		IssuerID:         project.ExpertID,
		RecipientID:      project.ClientID,
		Subtotal:         totals.Subtotal,
		TaxRateBP:        totals.TaxRateBP,
		TaxAmount:        totals.TaxAmount,
		Total:            totals.Total,
		Currency:         project.Currency,
		LineItems:        types.JSONText(lineItems),
		IssuerDetails:    issuer,
		RecipientDetails: recipient,
		Status:           valueobject.InvoiceStatusDraft,
	}

	payment, err := s.payments.FindForProject(ctx, project.ID, []string{
		string(valueobject.PaymentStatusSucceeded),
		string(valueobject.PaymentStatusPartiallyRefunded),
	})
	switch {
	case err == nil:
		invoice.PaymentID = &payment.ID
	case !errors.Is(err, repository.ErrPaymentNotFound):
		return nil, err
	}

	created, err := s.repo.Create(ctx, invoice)
	if err != nil {
		return nil, err
	}
	log := logger.L().WithFields(map[string]interface{}{
		"project_id":     project.ID,
		"invoice_number": invoice.InvoiceNumber,
	})
	if !created {
		log.Debug("счёт по проекту уже выписан")
	}

	invoice, err = s.advance(ctx, invoice, valueobject.InvoiceStatusOpen, common.Now("issued_at"))
	if err != nil {
		return nil, err
	}
	if invoice.PaymentID != nil {
		invoice, err = s.advance(ctx, invoice, valueobject.InvoiceStatusPaid, common.Now("paid_at"))
		if err != nil {
			return nil, err
		}
	}

	if created {
		log.Info("выписан счёт")
		notify(s.notifier, invoice.IssuerID, EventInvoiceIssued, invoiceEvent(invoice))
		notify(s.notifier, invoice.RecipientID, EventInvoiceIssued, invoiceEvent(invoice))
	}
	return invoice, nil
}

// advance применяет переход, если он ещё возможен; иначе оставляет счёт как есть.
func (s *InvoiceService) advance(ctx context.Context, invoice *models.Invoice, target valueobject.InvoiceStatus, set ...common.Assignment) (*models.Invoice, error) {
	if !invoice.Status.CanTransitionTo(target) {
		return invoice, nil
	}
	next, err := s.repo.Transition(ctx, invoice.ID, target, set...)
	if errors.Is(err, common.ErrTransitionRejected) {
		return invoice, nil
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *InvoiceService) partyDetails(ctx context.Context, userID uuid.UUID) (types.JSONText, error) {
	details := models.PartyDetails{UserID: userID}
	user, err := s.users.GetByID(ctx, userID)
	switch {
	case err == nil:
		details.DisplayName = user.DisplayName
		details.Email = user.Email
	case errors.Is(err, repository.ErrUserNotFound):
		logger.L().WithField("user_id", userID).Warn("реквизиты стороны счёта не найдены")
	default:
		return nil, err
	}

	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("invoice service: marshal party: %w", err)
	}
	return types.JSONText(raw), nil
}

// GetInvoice возвращает счёт эмитенту или получателю.
func (s *InvoiceService) GetInvoice(ctx context.Context, actor Actor, id uuid.UUID) (*models.Invoice, error) {
	invoice, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrInvoiceNotFound) {
		return nil, apperror.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && invoice.IssuerID != actor.UserID && invoice.RecipientID != actor.UserID {
		return nil, apperror.ErrForbidden
	}
	return invoice, nil
}

func (s *InvoiceService) ListInvoices(ctx context.Context, actor Actor, limit, offset int) ([]models.Invoice, error) {
	limit, offset = normalizeLimit(limit, offset)
	return s.repo.ListByUser(ctx, actor.UserID, limit, offset)
}

func invoiceEvent(inv *models.Invoice) map[string]any {
	return map[string]any{
		"invoice_id":     inv.ID,
		"invoice_number": inv.InvoiceNumber,
		"project_id":     inv.ProjectID,
		"total":          inv.Total,
		"currency":       inv.Currency,
	}
}
