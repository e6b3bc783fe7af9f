package service

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/ignatzorin/expert-marketplace/internal/billing"
	"github.com/ignatzorin/expert-marketplace/internal/config"
	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/logger"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/processor"
	"github.com/ignatzorin/expert-marketplace/internal/repository"
)

// Ключи metadata checkout сессии. Реконсилятор читает их обратно.
const (
	metaServiceID   = "service_id"
	metaBuyerID     = "buyer_id"
	metaExpertID    = "expert_id"
	metaPackageTier = "package_tier"
	metaProjectID   = "project_id"
	metaTitle       = "title"
	metaDestination = "destination"
)

type CheckoutGateway interface {
	CreateCheckoutSession(ctx context.Context, req processor.CheckoutRequest) (*processor.CheckoutSession, error)
}

// CheckoutInput запрос покупателя. Сумма: CustomAmount, иначе цена пакета, иначе цена услуги.
type CheckoutInput struct {
	ServiceID    uuid.UUID
	PackageTier  *string
	CustomAmount *int64
	Currency     *string
	ProjectID    *uuid.UUID
}

type CheckoutResult struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	Amount      int64  `json:"amount"`
	PlatformFee int64  `json:"platform_fee"`
	NetAmount   int64  `json:"net_amount"`
	Currency    string `json:"currency"`
}

// CheckoutService собирает hosted checkout. Платёж не создаётся: его запишет
// реконсилятор по checkout.session.completed.
type CheckoutService struct {
	listings ListingReader
	experts  ExpertReader
	projects ProjectReader
	gateway  CheckoutGateway
	fees     *billing.FeeCalculator
	cfg      config.PaymentsConfig
}

func NewCheckoutService(listings ListingReader, experts ExpertReader, projects ProjectReader, gateway CheckoutGateway, fees *billing.FeeCalculator, cfg config.PaymentsConfig) *CheckoutService {
	return &CheckoutService{
		listings: listings,
		experts:  experts,
		projects: projects,
		gateway:  gateway,
		fees:     fees,
		cfg:      cfg,
	}
}

func (s *CheckoutService) CreateCheckout(ctx context.Context, buyer Actor, in CheckoutInput) (*CheckoutResult, error) {
	listing, err := s.listings.GetByID(ctx, in.ServiceID)
	if errors.Is(err, repository.ErrListingNotFound) {
		return nil, apperror.ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	if !listing.IsActive {
		return nil, apperror.New(apperror.ErrCodeValidation, "услуга недоступна для заказа")
	}
	if listing.ExpertID == buyer.UserID {
		return nil, apperror.New(apperror.ErrCodeValidation, "нельзя купить собственную услугу")
	}

	var (
		money valueobject.Money
		tier  string
	)
	if in.ProjectID != nil {
		project, err := s.checkProject(ctx, buyer, listing, *in.ProjectID)
		if err != nil {
			return nil, err
		}
		money, tier, err = projectTerms(project, in)
		if err != nil {
			return nil, err
		}
	} else {
		money, tier, err = s.listingTerms(ctx, listing, in)
		if err != nil {
			return nil, err
		}
	}

	split, err := s.fees.Split(money.Amount)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeValidation, "некорректная сумма")
	}

	metadata := map[string]string{
		metaServiceID:   listing.ID.String(),
		metaBuyerID:     buyer.UserID.String(),
		metaExpertID:    listing.ExpertID.String(),
		metaPackageTier: tier,
		metaTitle:       listing.Title,
	}
	if in.ProjectID != nil {
		metadata[metaProjectID] = in.ProjectID.String()
	}

	req := processor.CheckoutRequest{
		Title:      listing.Title,
		Amount:     split.Amount,
		Currency:   money.Currency,
		SuccessURL: s.frontend("/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  s.frontend("/services/" + url.PathEscape(listing.ID.String())),
		Metadata:   metadata,
	}
	if dest := connectDestination(ctx, s.experts, listing.ExpertID); dest != "" {
		req.Destination = dest
		req.ApplicationFee = split.PlatformFee
		metadata[metaDestination] = dest
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		return nil, apperror.Processor(err, processor.Message(err))
	}

	logger.L().WithFields(map[string]interface{}{
		"session_id": session.ID,
		"service_id": listing.ID,
		"buyer_id":   buyer.UserID,
		"amount":     split.Amount,
		"split":      req.Destination != "",
	}).Info("создана checkout сессия")

	return &CheckoutResult{
		SessionID:   session.ID,
		URL:         session.URL,
		Amount:      split.Amount,
		PlatformFee: split.PlatformFee,
		NetAmount:   split.NetAmount,
		Currency:    money.Currency,
	}, nil
}

// listingTerms сумма и валюта заказа без проекта: CustomAmount, иначе цена пакета,
// иначе цена услуги.
func (s *CheckoutService) listingTerms(ctx context.Context, listing *models.Listing, in CheckoutInput) (valueobject.Money, string, error) {
	amount := listing.Price
	tier := ""
	switch {
	case in.CustomAmount != nil:
		amount = *in.CustomAmount
	case in.PackageTier != nil && *in.PackageTier != "":
		pkg, err := s.listings.GetPackage(ctx, listing.ID, *in.PackageTier)
		if errors.Is(err, repository.ErrPackageNotFound) {
			return valueobject.Money{}, "", apperror.New(apperror.ErrCodeValidation, "пакет услуги не найден")
		}
		if err != nil {
			return valueobject.Money{}, "", err
		}
		amount = pkg.Price
	}
	if in.PackageTier != nil {
		tier = *in.PackageTier
	}
	if amount <= 0 {
		return valueobject.Money{}, "", apperror.New(apperror.ErrCodeValidation, "сумма должна быть положительной")
	}

	currency := listing.Currency
	if in.Currency != nil && *in.Currency != "" {
		currency = *in.Currency
	}
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	money, err := valueobject.NewMoney(amount, currency)
	if err != nil {
		return valueobject.Money{}, "", err
	}
	return money, tier, nil
}

// projectTerms оплата существующего проекта идёт ровно на его цену и в его валюте.
// Расходящиеся сумма, пакет или валюта в запросе отклоняются.
func projectTerms(project *models.Project, in CheckoutInput) (valueobject.Money, string, error) {
	if in.CustomAmount != nil && *in.CustomAmount != project.Price {
		return valueobject.Money{}, "", apperror.New(apperror.ErrCodeValidation, "сумма не совпадает с ценой проекта")
	}
	tier := ""
	if project.PackageTier != nil {
		tier = *project.PackageTier
	}
	if in.PackageTier != nil && *in.PackageTier != "" && *in.PackageTier != tier {
		return valueobject.Money{}, "", apperror.New(apperror.ErrCodeValidation, "пакет не совпадает с пакетом проекта")
	}
	if in.Currency != nil && *in.Currency != "" {
		currency, err := valueobject.NormalizeCurrency(*in.Currency)
		if err != nil {
			return valueobject.Money{}, "", err
		}
		if currency != project.Currency {
			return valueobject.Money{}, "", apperror.New(apperror.ErrCodeValidation, "валюта не совпадает с валютой проекта")
		}
	}
	money, err := valueobject.NewMoney(project.Price, project.Currency)
	if err != nil {
		return valueobject.Money{}, "", err
	}
	return money, tier, nil
}

// checkProject проект, который оплачивается через checkout, должен ждать оплаты,
// принадлежать тем же сторонам и относиться к этой услуге.
func (s *CheckoutService) checkProject(ctx context.Context, buyer Actor, listing *models.Listing, projectID uuid.UUID) (*models.Project, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, mapProjectErr(err)
	}
	if project.ClientID != buyer.UserID || project.ExpertID != listing.ExpertID {
		return nil, apperror.ErrNotProjectParty
	}
	if project.ServiceID != nil && *project.ServiceID != listing.ID {
		return nil, apperror.New(apperror.ErrCodeValidation, "проект оформлен на другую услугу")
	}
	if project.Status != valueobject.ProjectStatusPending && project.Status != valueobject.ProjectStatusAccepted {
		return nil, apperror.Conflictf("проект в статусе %s не ожидает оплаты", project.Status)
	}
	return project, nil
}

func (s *CheckoutService) frontend(path string) string {
	return strings.TrimRight(s.cfg.FrontendURL, "/") + path
}
