package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/processor"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

type mockProjectRepo struct {
	mock.Mock
}

func (m *mockProjectRepo) Create(ctx context.Context, p *models.Project) error {
	args := m.Called(ctx, p)
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return args.Error(0)
}

func (m *mockProjectRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Project), args.Error(1)
}

func (m *mockProjectRepo) List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Project), args.Error(1)
}

func (m *mockProjectRepo) Transition(ctx context.Context, id uuid.UUID, target valueobject.ProjectStatus, set []common.Assignment, where string, whereArgs ...any) (*models.Project, error) {
	args := m.Called(ctx, id, target, set, where, whereArgs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Project), args.Error(1)
}

func (m *mockProjectRepo) MarkRefundInitiated(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

type mockPaymentRepo struct {
	mock.Mock
}

func (m *mockPaymentRepo) payment(args mock.Arguments) (*models.Payment, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *mockPaymentRepo) Create(ctx context.Context, p *models.Payment) error {
	args := m.Called(ctx, p)
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return args.Error(0)
}

func (m *mockPaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return m.payment(m.Called(ctx, id))
}

func (m *mockPaymentRepo) GetByPaymentIntent(ctx context.Context, intentID string) (*models.Payment, error) {
	return m.payment(m.Called(ctx, intentID))
}

func (m *mockPaymentRepo) GetByCharge(ctx context.Context, chargeID string) (*models.Payment, error) {
	return m.payment(m.Called(ctx, chargeID))
}

func (m *mockPaymentRepo) FindForProject(ctx context.Context, projectID uuid.UUID, statuses []string) (*models.Payment, error) {
	return m.payment(m.Called(ctx, projectID, statuses))
}

func (m *mockPaymentRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error) {
	args := m.Called(ctx, userID, limit, offset)
	return args.Get(0).([]models.Payment), args.Error(1)
}

func (m *mockPaymentRepo) Transition(ctx context.Context, id uuid.UUID, from []string, target valueobject.PaymentStatus, set []common.Assignment) (*models.Payment, error) {
	return m.payment(m.Called(ctx, id, from, target, set))
}

func (m *mockPaymentRepo) AddRefund(ctx context.Context, id uuid.UUID, delta int64, reason *string) (*models.Payment, error) {
	return m.payment(m.Called(ctx, id, delta, reason))
}

func (m *mockPaymentRepo) SyncRefundTotal(ctx context.Context, id uuid.UUID, total int64, reason *string) (*models.Payment, error) {
	return m.payment(m.Called(ctx, id, total, reason))
}

func (m *mockPaymentRepo) RecordCheckout(ctx context.Context, rec models.CheckoutRecord) (*models.Payment, *models.Project, bool, error) {
	args := m.Called(ctx, rec)
	if args.Get(0) == nil {
		return nil, nil, false, args.Error(3)
	}
	return args.Get(0).(*models.Payment), args.Get(1).(*models.Project), args.Bool(2), args.Error(3)
}

func (m *mockPaymentRepo) Balance(ctx context.Context, expertID uuid.UUID) ([]models.Balance, error) {
	args := m.Called(ctx, expertID)
	return args.Get(0).([]models.Balance), args.Error(1)
}

type mockExpertRepo struct {
	mock.Mock
}

func (m *mockExpertRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.ExpertProfile, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ExpertProfile), args.Error(1)
}

func (m *mockExpertRepo) SetAccount(ctx context.Context, userID uuid.UUID, accountID, country string) error {
	return m.Called(ctx, userID, accountID, country).Error(0)
}

func (m *mockExpertRepo) UpdateCapabilities(ctx context.Context, caps models.ConnectCapabilities) (bool, error) {
	args := m.Called(ctx, caps)
	return args.Bool(0), args.Error(1)
}

type mockListingRepo struct {
	mock.Mock
}

func (m *mockListingRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Listing), args.Error(1)
}

func (m *mockListingRepo) GetPackage(ctx context.Context, serviceID uuid.UUID, tier string) (*models.ListingPackage, error) {
	args := m.Called(ctx, serviceID, tier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ListingPackage), args.Error(1)
}

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

// mockGateway реализует все исходящие вызовы процессора.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, req processor.CheckoutRequest) (*processor.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.CheckoutSession), args.Error(1)
}

func (m *mockGateway) CreatePaymentIntent(ctx context.Context, req processor.PaymentIntentRequest) (*processor.PaymentIntent, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.PaymentIntent), args.Error(1)
}

func (m *mockGateway) CreateExpressAccount(ctx context.Context, country, email string, metadata map[string]string) (string, error) {
	args := m.Called(ctx, country, email, metadata)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (*processor.AccountLink, error) {
	args := m.Called(ctx, accountID, refreshURL, returnURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.AccountLink), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, req processor.RefundRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) Transfer(ctx context.Context, req processor.TransferRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// recordingNotifier запоминает отправленные события.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) BroadcastToUser(_ uuid.UUID, event string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func strPtr(s string) *string {
	return &s
}

func accountedExpert(userID uuid.UUID, account string, onboarded bool) *models.ExpertProfile {
	return &models.ExpertProfile{
		ID:                   uuid.New(),
		UserID:               userID,
		StripeAccountID:      strPtr(account),
		StripeChargesEnabled: onboarded,
		StripePayoutsEnabled: onboarded,
	}
}
