package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/repository"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

type mockInvoiceRepo struct {
	mock.Mock
}

func (m *mockInvoiceRepo) NextNumber(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockInvoiceRepo) Create(ctx context.Context, inv *models.Invoice) (bool, error) {
	args := m.Called(ctx, inv)
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	return args.Bool(0), args.Error(1)
}

func (m *mockInvoiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}

func (m *mockInvoiceRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Invoice, error) {
	args := m.Called(ctx, userID, limit, offset)
	return args.Get(0).([]models.Invoice), args.Error(1)
}

func (m *mockInvoiceRepo) Transition(ctx context.Context, id uuid.UUID, target valueobject.InvoiceStatus, set ...common.Assignment) (*models.Invoice, error) {
	args := m.Called(ctx, id, target, set)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}

type invoiceFixture struct {
	repo     *mockInvoiceRepo
	users    *mockUserRepo
	payments *mockPaymentRepo
	notifier *recordingNotifier
	svc      *InvoiceService
}

func newInvoiceFixture(taxRateBP int64) *invoiceFixture {
	f := &invoiceFixture{
		repo:     new(mockInvoiceRepo),
		users:    new(mockUserRepo),
		payments: new(mockPaymentRepo),
		notifier: &recordingNotifier{},
	}
	f.svc = NewInvoiceService(f.repo, f.users, f.payments, f.notifier, taxRateBP)
	f.svc.now = func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }
	return f
}

func TestInvoiceService_IssueForProject_PaidProject(t *testing.T) {
	f := newInvoiceFixture(770)
	ctx := context.Background()
	project := sampleProject(valueobject.ProjectStatusCompleted)
	payment := &models.Payment{ID: uuid.New(), ProjectID: project.ID}

	f.repo.On("NextNumber", ctx).Return(int64(42), nil)
	f.users.On("GetByID", ctx, project.ExpertID).Return(&models.User{ID: project.ExpertID, DisplayName: "Expert", Email: "e@x.io"}, nil)
	f.users.On("GetByID", ctx, project.ClientID).Return(nil, repository.ErrUserNotFound)
	f.payments.On("FindForProject", ctx, project.ID, []string{"succeeded", "partially_refunded"}).Return(payment, nil)

	var draft *models.Invoice
	f.repo.On("Create", ctx, mock.MatchedBy(func(inv *models.Invoice) bool {
		draft = inv
		return inv.InvoiceNumber == "INV-202603-0042" && inv.Subtotal == 10000 &&
			inv.TaxAmount == 770 && inv.Total == 10770 && inv.Status == valueobject.InvoiceStatusDraft &&
			inv.IssuerID == project.ExpertID && inv.RecipientID == project.ClientID &&
			*inv.PaymentID == payment.ID
	})).Return(true, nil)
	f.repo.On("Transition", ctx, mock.Anything, valueobject.InvoiceStatusOpen, mock.Anything).
		Return(&models.Invoice{ProjectID: project.ID, Status: valueobject.InvoiceStatusOpen, PaymentID: &payment.ID, IssuerID: project.ExpertID, RecipientID: project.ClientID}, nil)
	f.repo.On("Transition", ctx, mock.Anything, valueobject.InvoiceStatusPaid, mock.Anything).
		Return(&models.Invoice{ProjectID: project.ID, Status: valueobject.InvoiceStatusPaid, PaymentID: &payment.ID, IssuerID: project.ExpertID, RecipientID: project.ClientID}, nil)

	invoice, err := f.svc.IssueForProject(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, valueobject.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, []string{EventInvoiceIssued, EventInvoiceIssued}, f.notifier.Events())

	var items []models.InvoiceLineItem
	require.NoError(t, json.Unmarshal(draft.LineItems, &items))
	require.Len(t, items, 1)
	assert.Equal(t, project.Title, items[0].Description)

	var recipient models.PartyDetails
	require.NoError(t, json.Unmarshal(draft.RecipientDetails, &recipient))
	assert.Equal(t, project.ClientID, recipient.UserID)
	assert.Empty(t, recipient.Email)
}

func TestInvoiceService_IssueForProject_Unpaid(t *testing.T) {
	f := newInvoiceFixture(0)
	ctx := context.Background()
	project := sampleProject(valueobject.ProjectStatusCompleted)

	f.repo.On("NextNumber", ctx).Return(int64(7), nil)
	f.users.On("GetByID", ctx, mock.Anything).Return(&models.User{}, nil)
	f.payments.On("FindForProject", ctx, project.ID, mock.Anything).Return(nil, repository.ErrPaymentNotFound)
	f.repo.On("Create", ctx, mock.MatchedBy(func(inv *models.Invoice) bool {
		return inv.PaymentID == nil && inv.Total == inv.Subtotal
	})).Return(true, nil)
	f.repo.On("Transition", ctx, mock.Anything, valueobject.InvoiceStatusOpen, mock.Anything).
		Return(&models.Invoice{Status: valueobject.InvoiceStatusOpen}, nil)

	invoice, err := f.svc.IssueForProject(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, valueobject.InvoiceStatusOpen, invoice.Status)
	f.repo.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, valueobject.InvoiceStatusPaid, mock.Anything)
}

func TestInvoiceService_IssueForProject_AlreadyIssued(t *testing.T) {
	f := newInvoiceFixture(0)
	ctx := context.Background()
	project := sampleProject(valueobject.ProjectStatusCompleted)

	f.repo.On("NextNumber", ctx).Return(int64(8), nil)
	f.users.On("GetByID", ctx, mock.Anything).Return(&models.User{}, nil)
	f.payments.On("FindForProject", ctx, project.ID, mock.Anything).Return(nil, repository.ErrPaymentNotFound)
	f.repo.On("Create", ctx, mock.Anything).Run(func(args mock.Arguments) {
		inv := args.Get(1).(*models.Invoice)
		inv.InvoiceNumber = "INV-202603-0001"
		inv.Status = valueobject.InvoiceStatusPaid
	}).Return(false, nil)

	invoice, err := f.svc.IssueForProject(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, "INV-202603-0001", invoice.InvoiceNumber)
	assert.Empty(t, f.notifier.Events())
	f.repo.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInvoiceService_IssueForProject_NotCompleted(t *testing.T) {
	f := newInvoiceFixture(0)

	_, err := f.svc.IssueForProject(context.Background(), sampleProject(valueobject.ProjectStatusDelivered))
	assert.True(t, apperror.IsConflict(err))
	f.repo.AssertNotCalled(t, "NextNumber", mock.Anything)
}

func TestInvoiceService_GetInvoice_Access(t *testing.T) {
	f := newInvoiceFixture(0)
	ctx := context.Background()
	invoice := &models.Invoice{ID: uuid.New(), IssuerID: uuid.New(), RecipientID: uuid.New()}
	missing := uuid.New()

	f.repo.On("GetByID", ctx, invoice.ID).Return(invoice, nil)
	f.repo.On("GetByID", ctx, missing).Return(nil, repository.ErrInvoiceNotFound)

	_, err := f.svc.GetInvoice(ctx, Actor{UserID: invoice.RecipientID}, invoice.ID)
	require.NoError(t, err)

	_, err = f.svc.GetInvoice(ctx, Actor{UserID: uuid.New()}, invoice.ID)
	assert.True(t, apperror.IsForbidden(err))

	_, err = f.svc.GetInvoice(ctx, Actor{UserID: invoice.IssuerID}, missing)
	assert.True(t, apperror.IsNotFound(err))
}
