package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/expert-marketplace/internal/config"
	"github.com/ignatzorin/expert-marketplace/internal/logger"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/processor"
	"github.com/ignatzorin/expert-marketplace/internal/repository"
)

type ExpertRepository interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.ExpertProfile, error)
	SetAccount(ctx context.Context, userID uuid.UUID, accountID, country string) error
	UpdateCapabilities(ctx context.Context, caps models.ConnectCapabilities) (bool, error)
}

type ConnectGateway interface {
	CreateExpressAccount(ctx context.Context, country, email string, metadata map[string]string) (string, error)
	CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (*processor.AccountLink, error)
}

// ConnectOnboarding ответ на создание аккаунта и обновление ссылки.
type ConnectOnboarding struct {
	AccountID     string    `json:"account_id"`
	OnboardingURL string    `json:"onboarding_url"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ConnectService ведёт Connect аккаунты экспертов.
type ConnectService struct {
	experts ExpertRepository
	users   UserReader
	gateway ConnectGateway
	cfg     config.PaymentsConfig
}

func NewConnectService(experts ExpertRepository, users UserReader, gateway ConnectGateway, cfg config.PaymentsConfig) *ConnectService {
	return &ConnectService{
		experts: experts,
		users:   users,
		gateway: gateway,
		cfg:     cfg,
	}
}

// CreateAccount создаёт аккаунт у процессора и ссылку на онбординг.
// Аккаунт сохраняется до запроса ссылки, чтобы её можно было перевыпустить через refresh.
func (s *ConnectService) CreateAccount(ctx context.Context, actor Actor, country string) (*ConnectOnboarding, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	if !s.cfg.CountryAllowed(country) {
		return nil, apperror.New(apperror.ErrCodeValidation, "страна не поддерживается для выплат")
	}

	profile, err := s.profile(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if profile.HasAccount() {
		return nil, apperror.ErrConnectAccountExists
	}

	email := ""
	if user, err := s.users.GetByID(ctx, actor.UserID); err == nil {
		email = user.Email
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	accountID, err := s.gateway.CreateExpressAccount(ctx, country, email, map[string]string{
		"user_id":   actor.UserID.String(),
		"expert_id": profile.ID.String(),
	})
	if err != nil {
		return nil, apperror.Processor(err, processor.Message(err))
	}

	log := logger.L().WithFields(map[string]interface{}{
		"expert_id":  actor.UserID,
		"account_id": accountID,
	})
	if err := s.experts.SetAccount(ctx, actor.UserID, accountID, country); err != nil {
		if errors.Is(err, repository.ErrAccountAlreadySet) {
			log.Warn("аккаунт создан параллельным запросом, новый аккаунт не сохранён")
			return nil, apperror.ErrConnectAccountExists
		}
		return nil, err
	}
	log.Info("создан Connect аккаунт")

	return s.onboardingLink(ctx, accountID)
}

// RefreshOnboarding перевыпускает ссылку для существующего аккаунта.
func (s *ConnectService) RefreshOnboarding(ctx context.Context, actor Actor) (*ConnectOnboarding, error) {
	profile, err := s.profile(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !profile.HasAccount() {
		return nil, apperror.ErrConnectAccountMissing
	}
	return s.onboardingLink(ctx, *profile.StripeAccountID)
}

// Status состояние аккаунта эксперта.
func (s *ConnectService) Status(ctx context.Context, actor Actor) (models.ConnectStatus, error) {
	profile, err := s.profile(ctx, actor.UserID)
	if err != nil {
		return models.ConnectStatus{}, err
	}
	return models.StatusOf(profile), nil
}

// ApplyAccountUpdate применяет флаги из account.updated. Неизвестный аккаунт
// подтверждается без записи, found = false.
func (s *ConnectService) ApplyAccountUpdate(ctx context.Context, caps models.ConnectCapabilities) (bool, error) {
	found, err := s.experts.UpdateCapabilities(ctx, caps)
	if err != nil {
		return false, err
	}
	log := logger.L().WithFields(map[string]interface{}{
		"account_id":      caps.AccountID,
		"charges_enabled": caps.ChargesEnabled,
		"payouts_enabled": caps.PayoutsEnabled,
	})
	if !found {
		log.Warn("account.updated для неизвестного аккаунта")
		return false, nil
	}
	log.Info("обновлены возможности Connect аккаунта")
	return true, nil
}

func (s *ConnectService) onboardingLink(ctx context.Context, accountID string) (*ConnectOnboarding, error) {
	base := strings.TrimRight(s.cfg.FrontendURL, "/")
	link, err := s.gateway.CreateOnboardingLink(ctx, accountID,
		base+"/expert/payouts?onboarding=refresh",
		base+"/expert/payouts?onboarding=complete",
	)
	if err != nil {
		return nil, apperror.Processor(err, processor.Message(err))
	}
	return &ConnectOnboarding{AccountID: accountID, OnboardingURL: link.URL, ExpiresAt: link.ExpiresAt}, nil
}

func (s *ConnectService) profile(ctx context.Context, userID uuid.UUID) (*models.ExpertProfile, error) {
	profile, err := s.experts.GetByUserID(ctx, userID)
	if errors.Is(err, repository.ErrExpertNotFound) {
		return nil, apperror.ErrExpertNotFound
	}
	if err != nil {
		return nil, err
	}
	return profile, nil
}
