package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignatzorin/expert-marketplace/internal/logger"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/processor"
	"github.com/ignatzorin/expert-marketplace/internal/repository"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

type PayoutRepository interface {
	AvailableCurrencies(ctx context.Context, expertID uuid.UUID) ([]string, error)
	ExpertsWithAvailable(ctx context.Context) ([]uuid.UUID, error)
	Claim(ctx context.Context, expertID uuid.UUID, currency, destination string) (*models.Payout, error)
	MarkPaid(ctx context.Context, payoutID uuid.UUID, transferID string) (*models.Payout, error)
	MarkFailed(ctx context.Context, payoutID uuid.UUID, reason string) (*models.Payout, error)
	ListByExpert(ctx context.Context, expertID uuid.UUID, limit, offset int) ([]models.Payout, error)
}

type Transferer interface {
	Transfer(ctx context.Context, req processor.TransferRequest) (string, error)
}

// PayoutService переводит доступный баланс эксперта на его Connect аккаунт.
type PayoutService struct {
	repo     PayoutRepository
	experts  ExpertReader
	gateway  Transferer
	notifier Notifier
}

func NewPayoutService(repo PayoutRepository, experts ExpertReader, gateway Transferer, notifier Notifier) *PayoutService {
	return &PayoutService{
		repo:     repo,
		experts:  experts,
		gateway:  gateway,
		notifier: notifier,
	}
}

// PayoutNow выплата по запросу эксперта. Пустой список значит, что выплачивать нечего.
func (s *PayoutService) PayoutNow(ctx context.Context, actor Actor) ([]models.Payout, error) {
	profile, err := s.experts.GetByUserID(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrExpertNotFound) {
			return nil, apperror.ErrExpertNotFound
		}
		return nil, err
	}
	if !profile.OnboardingComplete() {
		return nil, apperror.Conflictf("онбординг Connect аккаунта не завершён")
	}
	return s.payout(ctx, actor.UserID, *profile.StripeAccountID)
}

// Sweep выплачивает всем экспертам с доступным балансом. Ошибки по одному эксперту
// не останавливают остальных.
func (s *PayoutService) Sweep(ctx context.Context) (int, error) {
	ids, err := s.repo.ExpertsWithAvailable(ctx)
	if err != nil {
		return 0, err
	}

	paid := 0
	for _, expertID := range ids {
		if err := ctx.Err(); err != nil {
			return paid, err
		}
		log := logger.L().WithField("expert_id", expertID)

		profile, err := s.experts.GetByUserID(ctx, expertID)
		if err != nil {
			log.WithError(err).Warn("выплата пропущена: профиль не прочитан")
			continue
		}
		if !profile.OnboardingComplete() {
			continue
		}
		payouts, err := s.payout(ctx, expertID, *profile.StripeAccountID)
		if err != nil {
			log.WithError(err).Error("выплата не выполнена")
		}
		for _, p := range payouts {
			if p.PaidAt != nil {
				paid++
			}
		}
	}
	return paid, nil
}

// payout проходит по валютам: захват платежей, перевод, фиксация результата.
// Ошибка перевода освобождает захват и возвращается после обработки всех валют.
func (s *PayoutService) payout(ctx context.Context, expertID uuid.UUID, destination string) ([]models.Payout, error) {
	currencies, err := s.repo.AvailableCurrencies(ctx, expertID)
	if err != nil {
		return nil, err
	}

	var (
		result   = []models.Payout{}
		firstErr error
	)
	for _, currency := range currencies {
		claimed, err := s.repo.Claim(ctx, expertID, currency, destination)
		if err != nil {
			return result, err
		}
		if claimed == nil {
			continue
		}
		log := logger.L().WithFields(map[string]interface{}{
			"payout_id": claimed.ID,
			"expert_id": expertID,
			"amount":    claimed.Amount,
			"currency":  currency,
		})

		transferID, err := s.gateway.Transfer(ctx, processor.TransferRequest{
			Amount:         claimed.Amount,
			Currency:       currency,
			Destination:    destination,
			IdempotencyKey: fmt.Sprintf("payout-%s", claimed.ID),
			Metadata:       map[string]string{"payout_id": claimed.ID.String(), "expert_id": expertID.String()},
		})
		if err != nil {
			log.WithError(err).Error("перевод выплаты отклонён")
			failed, markErr := s.repo.MarkFailed(ctx, claimed.ID, processor.Message(err))
			if markErr != nil {
				return result, markErr
			}
			result = append(result, *failed)
			notify(s.notifier, expertID, EventPayoutFailed, payoutEvent(failed))
			if firstErr == nil {
				firstErr = apperror.Processor(err, processor.Message(err))
			}
			continue
		}

		paid, err := s.repo.MarkPaid(ctx, claimed.ID, transferID)
		if errors.Is(err, common.ErrTransitionRejected) {
			log.Warn("выплата уже закрыта")
			continue
		}
		if err != nil {
			return result, err
		}
		log.WithField("transfer_id", transferID).Info("выплата переведена")
		result = append(result, *paid)
		notify(s.notifier, expertID, EventPayoutPaid, payoutEvent(paid))
	}
	return result, firstErr
}

func (s *PayoutService) ListPayouts(ctx context.Context, actor Actor, limit, offset int) ([]models.Payout, error) {
	limit, offset = normalizeLimit(limit, offset)
	return s.repo.ListByExpert(ctx, actor.UserID, limit, offset)
}

func payoutEvent(p *models.Payout) map[string]any {
	return map[string]any{
		"payout_id": p.ID,
		"amount":    p.Amount,
		"currency":  p.Currency,
		"status":    p.Status,
	}
}
