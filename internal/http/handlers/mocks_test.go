package handlers

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/service"
)

func errSignature() error { return apperror.ErrSignatureInvalid }

type mockWebhookProcessor struct {
	mock.Mock
}

func (m *mockWebhookProcessor) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	return m.Called(ctx, payload, signature).Error(0)
}

type mockNotifications struct {
	mock.Mock
}

func (m *mockNotifications) ListNotifications(ctx context.Context, userID uuid.UUID, limit, offset int, unreadOnly bool) ([]models.Notification, error) {
	args := m.Called(ctx, userID, limit, offset, unreadOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Notification), args.Error(1)
}

func (m *mockNotifications) MarkAsRead(ctx context.Context, id, userID uuid.UUID) error {
	return m.Called(ctx, id, userID).Error(0)
}

type mockProjects struct {
	mock.Mock
}

func (m *mockProjects) project(args mock.Arguments) (*models.Project, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Project), args.Error(1)
}

func (m *mockProjects) CreateProject(ctx context.Context, actor service.Actor, in service.CreateProjectInput) (*models.Project, error) {
	return m.project(m.Called(ctx, actor, in))
}

func (m *mockProjects) GetProject(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Project, error) {
	return m.project(m.Called(ctx, actor, id))
}

func (m *mockProjects) ListProjects(ctx context.Context, actor service.Actor, status *valueobject.ProjectStatus, limit, offset int) ([]models.Project, error) {
	args := m.Called(ctx, actor, status, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Project), args.Error(1)
}

func (m *mockProjects) Accept(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Project, error) {
	return m.project(m.Called(ctx, actor, id))
}

func (m *mockProjects) Start(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Project, error) {
	return m.project(m.Called(ctx, actor, id))
}

func (m *mockProjects) Deliver(ctx context.Context, actor service.Actor, id uuid.UUID, message string) (*models.Project, error) {
	return m.project(m.Called(ctx, actor, id, message))
}

func (m *mockProjects) RequestRevision(ctx context.Context, actor service.Actor, id uuid.UUID, feedback string) (*models.Project, error) {
	return m.project(m.Called(ctx, actor, id, feedback))
}

func (m *mockProjects) Complete(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Project, error) {
	return m.project(m.Called(ctx, actor, id))
}

func (m *mockProjects) Cancel(ctx context.Context, actor service.Actor, id uuid.UUID, reason string) (*models.Project, error) {
	return m.project(m.Called(ctx, actor, id, reason))
}

func (m *mockProjects) OpenDispute(ctx context.Context, actor service.Actor, id uuid.UUID, reason string) (*models.Project, error) {
	return m.project(m.Called(ctx, actor, id, reason))
}

func (m *mockProjects) Transition(ctx context.Context, actor service.Actor, id uuid.UUID, target valueobject.ProjectStatus, note string) (*models.Project, error) {
	return m.project(m.Called(ctx, actor, id, target, note))
}

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) CreatePayment(ctx context.Context, actor service.Actor, projectID uuid.UUID) (*models.Payment, string, error) {
	args := m.Called(ctx, actor, projectID)
	if args.Get(0) == nil {
		return nil, "", args.Error(2)
	}
	return args.Get(0).(*models.Payment), args.String(1), args.Error(2)
}

func (m *mockPayments) GetPayment(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Payment, error) {
	args := m.Called(ctx, actor, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *mockPayments) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Payment), args.Error(1)
}

func (m *mockPayments) Balance(ctx context.Context, expertID uuid.UUID) ([]models.Balance, error) {
	args := m.Called(ctx, expertID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Balance), args.Error(1)
}

type mockCheckout struct {
	mock.Mock
}

func (m *mockCheckout) CreateCheckout(ctx context.Context, buyer service.Actor, in service.CheckoutInput) (*service.CheckoutResult, error) {
	args := m.Called(ctx, buyer, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CheckoutResult), args.Error(1)
}

type mockPayouts struct {
	mock.Mock
}

func (m *mockPayouts) PayoutNow(ctx context.Context, actor service.Actor) ([]models.Payout, error) {
	args := m.Called(ctx, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Payout), args.Error(1)
}

func (m *mockPayouts) ListPayouts(ctx context.Context, actor service.Actor, limit, offset int) ([]models.Payout, error) {
	args := m.Called(ctx, actor, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Payout), args.Error(1)
}

type mockInvoices struct {
	mock.Mock
}

func (m *mockInvoices) GetInvoice(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Invoice, error) {
	args := m.Called(ctx, actor, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}

func (m *mockInvoices) ListInvoices(ctx context.Context, actor service.Actor, limit, offset int) ([]models.Invoice, error) {
	args := m.Called(ctx, actor, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Invoice), args.Error(1)
}

type mockConnect struct {
	mock.Mock
}

func (m *mockConnect) CreateAccount(ctx context.Context, actor service.Actor, country string) (*service.ConnectOnboarding, error) {
	args := m.Called(ctx, actor, country)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ConnectOnboarding), args.Error(1)
}

func (m *mockConnect) RefreshOnboarding(ctx context.Context, actor service.Actor) (*service.ConnectOnboarding, error) {
	args := m.Called(ctx, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ConnectOnboarding), args.Error(1)
}

func (m *mockConnect) Status(ctx context.Context, actor service.Actor) (models.ConnectStatus, error) {
	args := m.Called(ctx, actor)
	return args.Get(0).(models.ConnectStatus), args.Error(1)
}
