package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/ignatzorin/expert-marketplace/internal/billing"
	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/logger"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/processor"
	"github.com/ignatzorin/expert-marketplace/internal/repository"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

type PaymentRepository interface {
	Create(ctx context.Context, p *models.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (*models.Payment, error)
	GetByCharge(ctx context.Context, chargeID string) (*models.Payment, error)
	FindForProject(ctx context.Context, projectID uuid.UUID, statuses []string) (*models.Payment, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error)
	Transition(ctx context.Context, id uuid.UUID, from []string, target valueobject.PaymentStatus, set []common.Assignment) (*models.Payment, error)
	AddRefund(ctx context.Context, id uuid.UUID, delta int64, reason *string) (*models.Payment, error)
	SyncRefundTotal(ctx context.Context, id uuid.UUID, total int64, reason *string) (*models.Payment, error)
	RecordCheckout(ctx context.Context, rec models.CheckoutRecord) (*models.Payment, *models.Project, bool, error)
	Balance(ctx context.Context, expertID uuid.UUID) ([]models.Balance, error)
}

// ProjectReader чтение проекта для проверок доступа.
type ProjectReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

// ExpertReader профиль эксперта с Connect аккаунтом.
type ExpertReader interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.ExpertProfile, error)
}

type PaymentIntentCreator interface {
	CreatePaymentIntent(ctx context.Context, req processor.PaymentIntentRequest) (*processor.PaymentIntent, error)
}

// PaymentService леджер платежей: каждая смена статуса идёт условной записью,
// поэтому повторные и конкурентные события не портят суммы.
type PaymentService struct {
	repo     PaymentRepository
	projects ProjectReader
	experts  ExpertReader
	gateway  PaymentIntentCreator
	fees     *billing.FeeCalculator
}

func NewPaymentService(repo PaymentRepository, projects ProjectReader, experts ExpertReader, gateway PaymentIntentCreator, fees *billing.FeeCalculator) *PaymentService {
	return &PaymentService{
		repo:     repo,
		projects: projects,
		experts:  experts,
		gateway:  gateway,
		fees:     fees,
	}
}

// CreatePayment создаёт PaymentIntent на цену проекта. Платить может только клиент,
// пока проект не оплачен.
func (s *PaymentService) CreatePayment(ctx context.Context, actor Actor, projectID uuid.UUID) (*models.Payment, string, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, "", mapProjectErr(err)
	}
	if project.ClientID != actor.UserID {
		return nil, "", apperror.New(apperror.ErrCodeForbidden, "оплатить проект может только клиент")
	}
	if project.Status != valueobject.ProjectStatusPending && project.Status != valueobject.ProjectStatusAccepted {
		return nil, "", apperror.Conflictf("проект в статусе %s не ожидает оплаты", project.Status)
	}
	if err := billing.Verify(project.Price, project.PlatformFee, project.ExpertPayout); err != nil {
		return nil, "", apperror.Wrap(err, apperror.ErrCodeInternal, "расчёт комиссии проекта не сходится")
	}

	req := processor.PaymentIntentRequest{
		Amount:   project.Price,
		Currency: project.Currency,
		Metadata: map[string]string{
			"project_id": project.ID.String(),
			"buyer_id":   project.ClientID.String(),
			"expert_id":  project.ExpertID.String(),
		},
	}
	var metadata types.JSONText
	if dest := connectDestination(ctx, s.experts, project.ExpertID); dest != "" {
		req.Destination = dest
		req.ApplicationFee = project.PlatformFee
		raw, err := json.Marshal(map[string]string{metaDestination: dest})
		if err != nil {
			return nil, "", fmt.Errorf("payment service: marshal metadata: %w", err)
		}
		metadata = types.JSONText(raw)
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, req)
	if err != nil {
		return nil, "", apperror.Processor(err, processor.Message(err))
	}

	payment := &models.Payment{
		ProjectID:             project.ID,
		PayerID:               project.ClientID,
		PayeeID:               project.ExpertID,
		Amount:                project.Price,
		Currency:              project.Currency,
		PlatformFee:           project.PlatformFee,
		NetAmount:             project.ExpertPayout,
		Status:                valueobject.PaymentStatusPending,
		StripePaymentIntentID: &intent.ID,
		Metadata:              metadata,
	}
	if err := s.repo.Create(ctx, payment); err != nil {
		return nil, "", err
	}

	logger.L().WithFields(map[string]interface{}{
		"payment_id": payment.ID,
		"project_id": project.ID,
		"amount":     payment.Amount,
	}).Info("создан платёж")

	return payment, intent.ClientSecret, nil
}

// connectDestination Connect аккаунт эксперта, если онбординг завершён. Иначе деньги
// остаются у платформы и уходят эксперту выплатой.
func connectDestination(ctx context.Context, experts ExpertReader, expertID uuid.UUID) string {
	profile, err := experts.GetByUserID(ctx, expertID)
	if err != nil {
		if !errors.Is(err, repository.ErrExpertNotFound) {
			logger.L().WithError(err).Warn("не удалось прочитать профиль эксперта")
		}
		return ""
	}
	if !profile.OnboardingComplete() {
		return ""
	}
	return *profile.StripeAccountID
}

// RecordCheckout записывает завершённый checkout. created = false для повторной доставки.
func (s *PaymentService) RecordCheckout(ctx context.Context, rec models.CheckoutRecord) (*models.Payment, *models.Project, bool, error) {
	if rec.Amount <= 0 {
		return nil, nil, false, apperror.New(apperror.ErrCodeValidation, "сумма checkout должна быть положительной")
	}
	if err := billing.Verify(rec.Amount, rec.PlatformFee, rec.NetAmount); err != nil {
		return nil, nil, false, apperror.Wrap(err, apperror.ErrCodeValidation, "комиссия checkout не сходится с суммой")
	}

	payment, project, created, err := s.repo.RecordCheckout(ctx, rec)
	switch {
	case errors.Is(err, repository.ErrProjectNotFound):
		return nil, nil, false, apperror.ErrProjectNotFound
	case errors.Is(err, repository.ErrProjectMismatch):
		return nil, nil, false, apperror.Conflictf("проект %s не совпадает с checkout по сторонам, сумме или валюте", rec.ProjectID)
	case errors.Is(err, repository.ErrUnknownReference):
		return nil, nil, false, apperror.Wrap(err, apperror.ErrCodeValidation, "checkout ссылается на неизвестного пользователя или услугу")
	case err != nil:
		return nil, nil, false, err
	}
	return payment, project, created, nil
}

// FindByProcessorRef ищет платёж по PaymentIntent, затем по charge.
func (s *PaymentService) FindByProcessorRef(ctx context.Context, intentID, chargeID string) (*models.Payment, error) {
	if intentID != "" {
		payment, err := s.repo.GetByPaymentIntent(ctx, intentID)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, err
		}
	}
	if chargeID != "" {
		payment, err := s.repo.GetByCharge(ctx, chargeID)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, err
		}
	}
	return nil, apperror.ErrPaymentNotFound
}

// ApplySuccess переводит платёж в succeeded. Повтор для уже успешного платежа ничего не меняет.
// Доля эксперта при списании с destination уже у него, такой платёж сразу помечается переведённым.
func (s *PaymentService) ApplySuccess(ctx context.Context, id uuid.UUID, refs models.ProcessorRefs) (*models.Payment, error) {
	payment, err := s.repo.Transition(ctx, id, valueobject.UnsettledPaymentStatuses(), valueobject.PaymentStatusSucceeded, []common.Assignment{
		common.Now("paid_at"),
		common.SetExpr("transferred_at", "CASE WHEN metadata->>'"+metaDestination+"' IS NOT NULL THEN COALESCE(transferred_at, NOW()) ELSE transferred_at END"),
		common.SetExpr("stripe_payment_intent_id", "COALESCE(?, stripe_payment_intent_id)", optional(refs.PaymentIntentID)),
		common.SetExpr("stripe_charge_id", "COALESCE(?, stripe_charge_id)", optional(refs.ChargeID)),
	})
	if errors.Is(err, common.ErrTransitionRejected) {
		return s.settled(ctx, id, valueobject.PaymentStatusSucceeded)
	}
	return payment, err
}

// ApplyFailure фиксирует отказ. Успешный платёж провалиться уже не может.
func (s *PaymentService) ApplyFailure(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error) {
	payment, err := s.repo.Transition(ctx, id, valueobject.UnsettledPaymentStatuses(), valueobject.PaymentStatusFailed, []common.Assignment{
		common.Set("failure_reason", optional(reason)),
	})
	if errors.Is(err, common.ErrTransitionRejected) {
		return s.settled(ctx, id, valueobject.PaymentStatusFailed)
	}
	return payment, err
}

// ApplyCancel отменяет платёж, который ещё не был списан.
func (s *PaymentService) ApplyCancel(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, err := s.repo.Transition(ctx, id, valueobject.PaymentSourcesOf(valueobject.PaymentStatusCancelled), valueobject.PaymentStatusCancelled, nil)
	if errors.Is(err, common.ErrTransitionRejected) {
		return s.settled(ctx, id, valueobject.PaymentStatusCancelled)
	}
	return payment, err
}

// ApplyRefund добавляет возврат amount. Итоговая сумма возвратов не может превысить платёж.
func (s *PaymentService) ApplyRefund(ctx context.Context, id uuid.UUID, amount int64, reason string) (*models.Payment, error) {
	if amount <= 0 {
		return nil, apperror.New(apperror.ErrCodeValidation, "сумма возврата должна быть положительной")
	}
	payment, err := s.repo.AddRefund(ctx, id, amount, optional(reason))
	if !errors.Is(err, common.ErrTransitionRejected) {
		return payment, err
	}

	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.RefundAmount+amount > current.Amount {
		return nil, apperror.Conflictf("возврат %d превышает остаток платежа %d", amount, current.Remaining())
	}
	return nil, apperror.Conflictf("возврат невозможен для платежа в статусе %s", current.Status)
}

// SyncRefund применяет накопленную сумму возвратов из события процессора.
// Старое или повторное событие (total не больше сохранённого) ничего не меняет.
func (s *PaymentService) SyncRefund(ctx context.Context, id uuid.UUID, total int64, reason string) (*models.Payment, error) {
	payment, err := s.repo.SyncRefundTotal(ctx, id, total, optional(reason))
	if !errors.Is(err, common.ErrTransitionRejected) {
		return payment, err
	}

	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.RefundAmount >= total {
		return current, nil
	}
	if total > current.Amount {
		return nil, apperror.Conflictf("сумма возвратов %d превышает платёж %d", total, current.Amount)
	}
	return nil, apperror.Conflictf("возврат невозможен для платежа в статусе %s", current.Status)
}

// ApplyDispute помечает платёж оспоренным.
func (s *PaymentService) ApplyDispute(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, err := s.repo.Transition(ctx, id, valueobject.PaymentSourcesOf(valueobject.PaymentStatusDisputed), valueobject.PaymentStatusDisputed, nil)
	if errors.Is(err, common.ErrTransitionRejected) {
		return s.settled(ctx, id, valueobject.PaymentStatusDisputed)
	}
	return payment, err
}

// ResolveDispute закрывает спор: выигранный возвращает платёж в succeeded,
// проигранный списывает всю сумму как возврат.
func (s *PaymentService) ResolveDispute(ctx context.Context, id uuid.UUID, won bool) (*models.Payment, error) {
	if !won {
		current, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.SyncRefund(ctx, id, current.Amount, "dispute_lost")
	}

	payment, err := s.repo.Transition(ctx, id, []string{string(valueobject.PaymentStatusDisputed)}, valueobject.PaymentStatusSucceeded, nil)
	if errors.Is(err, common.ErrTransitionRejected) {
		return s.settled(ctx, id, valueobject.PaymentStatusSucceeded)
	}
	return payment, err
}

// settled разбирает отказ условной записи: платёж уже в target значит повтор,
// иначе переход запрещён.
func (s *PaymentService) settled(ctx context.Context, id uuid.UUID, target valueobject.PaymentStatus) (*models.Payment, error) {
	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == target {
		return current, nil
	}
	return nil, apperror.Conflictf("переход платежа %s -> %s запрещён", current.Status, target)
}

// GetPayment возвращает платёж участнику сделки.
func (s *PaymentService) GetPayment(ctx context.Context, actor Actor, id uuid.UUID) (*models.Payment, error) {
	payment, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && payment.PayerID != actor.UserID && payment.PayeeID != actor.UserID {
		return nil, apperror.ErrForbidden
	}
	return payment, nil
}

// History платежи, где пользователь плательщик или получатель.
func (s *PaymentService) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error) {
	limit, offset = normalizeLimit(limit, offset)
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// Balance баланс эксперта по валютам.
func (s *PaymentService) Balance(ctx context.Context, expertID uuid.UUID) ([]models.Balance, error) {
	return s.repo.Balance(ctx, expertID)
}

func (s *PaymentService) get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, apperror.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment service: get: %w", err)
	}
	return payment, nil
}

func mapProjectErr(err error) error {
	if errors.Is(err, repository.ErrProjectNotFound) {
		return apperror.ErrProjectNotFound
	}
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
