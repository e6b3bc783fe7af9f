package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ignatzorin/expert-marketplace/internal/billing"
	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/logger"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/processor"
	"github.com/ignatzorin/expert-marketplace/internal/repository"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

type ProjectRepository interface {
	Create(ctx context.Context, p *models.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, error)
	Transition(ctx context.Context, id uuid.UUID, target valueobject.ProjectStatus, set []common.Assignment, where string, whereArgs ...any) (*models.Project, error)
	MarkRefundInitiated(ctx context.Context, id uuid.UUID) error
}

// ProjectPayments поиск платежа проекта для возврата при отмене.
type ProjectPayments interface {
	FindForProject(ctx context.Context, projectID uuid.UUID, statuses []string) (*models.Payment, error)
}

type Refunder interface {
	Refund(ctx context.Context, req processor.RefundRequest) (string, error)
}

type InvoiceIssuer interface {
	IssueForProject(ctx context.Context, project *models.Project) (*models.Invoice, error)
}

type ListingReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	GetPackage(ctx context.Context, serviceID uuid.UUID, tier string) (*models.ListingPackage, error)
}

// CreateProjectInput условия найма. Цена и валюта берутся из услуги, если не заданы.
type CreateProjectInput struct {
	ExpertID     uuid.UUID
	ServiceID    *uuid.UUID
	PackageTier  *string
	Title        string
	Requirements *string
	Price        int64
	Currency     string
}

// ProjectService жизненный цикл проекта. Любая смена статуса идёт условной записью
// по таблице переходов, отказ превращается в Conflict с текущим статусом.
type ProjectService struct {
	repo             ProjectRepository
	payments         ProjectPayments
	experts          ExpertReader
	listings         ListingReader
	refunder         Refunder
	invoices         InvoiceIssuer
	notifier         Notifier
	fees             *billing.FeeCalculator
	defaultCurrency  string
	revisionsAllowed int
}

func NewProjectService(
	repo ProjectRepository,
	payments ProjectPayments,
	experts ExpertReader,
	listings ListingReader,
	refunder Refunder,
	invoices InvoiceIssuer,
	notifier Notifier,
	fees *billing.FeeCalculator,
	defaultCurrency string,
	revisionsAllowed int,
) *ProjectService {
	return &ProjectService{
		repo:             repo,
		payments:         payments,
		experts:          experts,
		listings:         listings,
		refunder:         refunder,
		invoices:         invoices,
		notifier:         notifier,
		fees:             fees,
		defaultCurrency:  defaultCurrency,
		revisionsAllowed: revisionsAllowed,
	}
}

// CreateProject создаёт проект в статусе pending от имени клиента.
func (s *ProjectService) CreateProject(ctx context.Context, actor Actor, in CreateProjectInput) (*models.Project, error) {
	if in.ExpertID == uuid.Nil {
		return nil, apperror.New(apperror.ErrCodeValidation, "не указан эксперт")
	}
	if in.ExpertID == actor.UserID {
		return nil, apperror.New(apperror.ErrCodeValidation, "нельзя нанять самого себя")
	}
	if _, err := s.experts.GetByUserID(ctx, in.ExpertID); err != nil {
		if errors.Is(err, repository.ErrExpertNotFound) {
			return nil, apperror.ErrExpertNotFound
		}
		return nil, err
	}

	price, currency := in.Price, in.Currency
	if in.ServiceID != nil {
		listing, err := s.listings.GetByID(ctx, *in.ServiceID)
		if err != nil {
			if errors.Is(err, repository.ErrListingNotFound) {
				return nil, apperror.ErrListingNotFound
			}
			return nil, err
		}
		if listing.ExpertID != in.ExpertID {
			return nil, apperror.New(apperror.ErrCodeValidation, "услуга принадлежит другому эксперту")
		}
		if price == 0 {
			price, err = s.listingPrice(ctx, listing, in.PackageTier)
			if err != nil {
				return nil, err
			}
		}
		if currency == "" {
			currency = listing.Currency
		}
		if strings.TrimSpace(in.Title) == "" {
			in.Title = listing.Title
		}
	}
	if currency == "" {
		currency = s.defaultCurrency
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "название проекта обязательно")
	}
	money, err := valueobject.NewMoney(price, currency)
	if err != nil || money.Amount <= 0 {
		return nil, apperror.New(apperror.ErrCodeValidation, "цена должна быть положительной суммой в трёхбуквенной валюте")
	}
	split, err := s.fees.Split(money.Amount)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeValidation, "некорректная цена")
	}

	project := &models.Project{
		ClientID:         actor.UserID,
		ExpertID:         in.ExpertID,
		ServiceID:        in.ServiceID,
		PackageTier:      in.PackageTier,
		Title:            title,
		Requirements:     in.Requirements,
		Price:            split.Amount,
		Currency:         money.Currency,
		PlatformFee:      split.PlatformFee,
		ExpertPayout:     split.NetAmount,
		Status:           valueobject.ProjectStatusPending,
		RevisionsAllowed: s.revisionsAllowed,
	}
	if err := s.repo.Create(ctx, project); err != nil {
		return nil, err
	}

	logger.L().WithFields(map[string]interface{}{
		"project_id": project.ID,
		"client_id":  project.ClientID,
		"expert_id":  project.ExpertID,
		"price":      project.Price,
	}).Info("создан проект")
	notify(s.notifier, project.ExpertID, EventProjectCreated, projectEvent(project))

	return project, nil
}

// listingPrice цена пакета, если он указан, иначе базовая цена услуги.
func (s *ProjectService) listingPrice(ctx context.Context, listing *models.Listing, tier *string) (int64, error) {
	if tier == nil || *tier == "" {
		return listing.Price, nil
	}
	pkg, err := s.listings.GetPackage(ctx, listing.ID, *tier)
	if err != nil {
		if errors.Is(err, repository.ErrPackageNotFound) {
			return 0, apperror.New(apperror.ErrCodeValidation, "пакет услуги не найден")
		}
		return 0, err
	}
	return pkg.Price, nil
}

// GetProject возвращает проект участнику или администратору.
func (s *ProjectService) GetProject(ctx context.Context, actor Actor, id uuid.UUID) (*models.Project, error) {
	return s.authorize(ctx, actor, id, partyAny)
}

// ListProjects проекты, где пользователь клиент или эксперт.
func (s *ProjectService) ListProjects(ctx context.Context, actor Actor, status *valueobject.ProjectStatus, limit, offset int) ([]models.Project, error) {
	if status != nil && !status.IsValid() {
		return nil, apperror.New(apperror.ErrCodeValidation, "неизвестный статус проекта")
	}
	limit, offset = normalizeLimit(limit, offset)
	return s.repo.List(ctx, models.ProjectFilter{UserID: actor.UserID, Status: status, Limit: limit, Offset: offset})
}

// Accept эксперт принимает проект.
func (s *ProjectService) Accept(ctx context.Context, actor Actor, id uuid.UUID) (*models.Project, error) {
	if _, err := s.authorize(ctx, actor, id, partyExpert); err != nil {
		return nil, err
	}
	project, err := s.transition(ctx, id, valueobject.ProjectStatusAccepted, nil, "")
	if err != nil {
		return nil, err
	}
	notify(s.notifier, project.ClientID, EventProjectUpdated, projectEvent(project))
	return project, nil
}

// Start эксперт начинает работу над оплаченным проектом. Выход из спора в работу
// делает только администратор.
func (s *ProjectService) Start(ctx context.Context, actor Actor, id uuid.UUID) (*models.Project, error) {
	if _, err := s.authorize(ctx, actor, id, partyExpert); err != nil {
		return nil, err
	}
	set := []common.Assignment{common.SetExpr("started_at", "COALESCE(started_at, NOW())")}
	where, args := "", []any(nil)
	if actor.IsAdmin() {
		set = append(set, common.Set("is_disputed", false))
	} else {
		where, args = "status::text <> ?", []any{string(valueobject.ProjectStatusDisputed)}
	}
	project, err := s.transition(ctx, id, valueobject.ProjectStatusInProgress, set, where, args...)
	if err != nil {
		return nil, err
	}
	notify(s.notifier, project.ClientID, EventProjectUpdated, projectEvent(project))
	return project, nil
}

// Deliver эксперт сдаёт работу.
func (s *ProjectService) Deliver(ctx context.Context, actor Actor, id uuid.UUID, message string) (*models.Project, error) {
	if _, err := s.authorize(ctx, actor, id, partyExpert); err != nil {
		return nil, err
	}
	project, err := s.transition(ctx, id, valueobject.ProjectStatusDelivered, []common.Assignment{
		common.Now("delivered_at"),
		common.Set("delivery_message", optional(strings.TrimSpace(message))),
	}, "")
	if err != nil {
		return nil, err
	}

	logger.L().WithField("project_id", id).Info("работа сдана")
	notify(s.notifier, project.ClientID, EventProjectDelivered, projectEvent(project))
	return project, nil
}

// RequestRevision клиент отправляет работу на доработку в пределах лимита.
func (s *ProjectService) RequestRevision(ctx context.Context, actor Actor, id uuid.UUID, feedback string) (*models.Project, error) {
	if _, err := s.authorize(ctx, actor, id, partyClient); err != nil {
		return nil, err
	}
	project, err := s.repo.Transition(ctx, id, valueobject.ProjectStatusRevision, []common.Assignment{
		common.SetExpr("revisions_used", "revisions_used + 1"),
		common.Set("revision_feedback", optional(strings.TrimSpace(feedback))),
	}, "revisions_used < revisions_allowed")
	if errors.Is(err, common.ErrTransitionRejected) {
		current, getErr := s.get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == valueobject.ProjectStatusDelivered && current.RevisionsUsed >= current.RevisionsAllowed {
			return nil, apperror.ErrRevisionLimit
		}
		return nil, rejected(current.Status, valueobject.ProjectStatusRevision)
	}
	if err != nil {
		return nil, err
	}

	notify(s.notifier, project.ExpertID, EventProjectRevision, projectEvent(project))
	return project, nil
}

// Complete клиент принимает работу. Счёт выписывается после фиксации статуса,
// его ошибка не откатывает завершение.
func (s *ProjectService) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*models.Project, error) {
	if _, err := s.authorize(ctx, actor, id, partyClient); err != nil {
		return nil, err
	}
	project, err := s.transition(ctx, id, valueobject.ProjectStatusCompleted, []common.Assignment{common.Now("completed_at")}, "")
	if err != nil {
		return nil, err
	}

	log := logger.L().WithField("project_id", id)
	log.Info("проект завершён")
	if s.invoices != nil {
		if _, err := s.invoices.IssueForProject(ctx, project); err != nil {
			log.WithError(err).Error("не удалось выписать счёт")
		}
	}
	notify(s.notifier, project.ClientID, EventProjectCompleted, projectEvent(project))
	notify(s.notifier, project.ExpertID, EventProjectCompleted, projectEvent(project))
	return project, nil
}

// Cancel отменяет проект любой стороной. Если по проекту прошёл платёж,
// у процессора запрашивается возврат остатка; статус платежа меняет только вебхук.
// Повторная отмена уже отменённого проекта без запрошенного возврата повторяет запрос возврата.
func (s *ProjectService) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*models.Project, error) {
	if _, err := s.authorize(ctx, actor, id, partyAny); err != nil {
		return nil, err
	}

	retry := false
	project, err := s.repo.Transition(ctx, id, valueobject.ProjectStatusCancelled, []common.Assignment{
		common.Now("cancelled_at"),
		common.Set("cancellation_reason", optional(strings.TrimSpace(reason))),
		common.Set("cancelled_by", actor.UserID),
	}, "")
	if errors.Is(err, common.ErrTransitionRejected) {
		current, getErr := s.get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status != valueobject.ProjectStatusCancelled || current.RefundInitiatedAt != nil {
			return nil, rejected(current.Status, valueobject.ProjectStatusCancelled)
		}
		project, retry = current, true
	} else if err != nil {
		return nil, err
	}

	log := logger.L().WithFields(map[string]interface{}{"project_id": id, "retry": retry})
	if !retry {
		log.Info("проект отменён")
		notify(s.notifier, project.ClientID, EventProjectCancelled, projectEvent(project))
		notify(s.notifier, project.ExpertID, EventProjectCancelled, projectEvent(project))
	}

	refunded, err := s.initiateRefund(ctx, project)
	if err != nil {
		log.WithError(err).Error("проект отменён, но возврат не запрошен")
		return nil, err
	}
	if !refunded && retry {
		return nil, rejected(project.Status, valueobject.ProjectStatusCancelled)
	}
	return project, nil
}

// initiateRefund запрашивает возврат остатка по прошедшему платежу.
// false без ошибки значит, что возвращать нечего.
func (s *ProjectService) initiateRefund(ctx context.Context, project *models.Project) (bool, error) {
	payment, err := s.payments.FindForProject(ctx, project.ID, []string{
		string(valueobject.PaymentStatusSucceeded),
		string(valueobject.PaymentStatusPartiallyRefunded),
	})
	if errors.Is(err, repository.ErrPaymentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if payment.Remaining() <= 0 {
		return false, nil
	}

	req := processor.RefundRequest{
		Amount:         payment.Remaining(),
		IdempotencyKey: fmt.Sprintf("project-cancel-%s", project.ID),
	}
	if payment.StripePaymentIntentID != nil {
		req.PaymentIntentID = *payment.StripePaymentIntentID
	}
	if payment.StripeChargeID != nil {
		req.ChargeID = *payment.StripeChargeID
	}

	refundID, err := s.refunder.Refund(ctx, req)
	if err != nil {
		return false, apperror.Processor(err, processor.Message(err))
	}
	if err := s.repo.MarkRefundInitiated(ctx, project.ID); err != nil {
		// возврат уже запрошен, повторный запрос с тем же ключом идемпотентен
		logger.L().WithError(err).WithField("project_id", project.ID).Error("не удалось отметить запрос возврата")
	}

	logger.L().WithFields(map[string]interface{}{
		"project_id": project.ID,
		"payment_id": payment.ID,
		"refund_id":  refundID,
		"amount":     req.Amount,
	}).Info("запрошен возврат по отмене")
	return true, nil
}

// RefundIfCancelled запрашивает возврат, если платёж подтвердился уже после отмены
// проекта и возврат по отмене ещё не запрашивался.
func (s *ProjectService) RefundIfCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	project, err := s.get(ctx, id)
	if err != nil {
		return false, err
	}
	if project.Status != valueobject.ProjectStatusCancelled || project.RefundInitiatedAt != nil {
		return false, nil
	}
	return s.initiateRefund(ctx, project)
}

// OpenDispute участник открывает спор по проекту.
func (s *ProjectService) OpenDispute(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*models.Project, error) {
	if _, err := s.authorize(ctx, actor, id, partyAny); err != nil {
		return nil, err
	}
	project, err := s.transition(ctx, id, valueobject.ProjectStatusDisputed, []common.Assignment{
		common.Set("is_disputed", true),
		common.Set("dispute_reason", optional(strings.TrimSpace(reason))),
	}, "")
	if err != nil {
		return nil, err
	}
	notify(s.notifier, project.ClientID, EventProjectDisputed, projectEvent(project))
	notify(s.notifier, project.ExpertID, EventProjectDisputed, projectEvent(project))
	return project, nil
}

// Transition общий вход PUT /projects/:id/status. Именованные цели идут через свои
// операции, чтобы побочные эффекты выполнялись всегда.
func (s *ProjectService) Transition(ctx context.Context, actor Actor, id uuid.UUID, target valueobject.ProjectStatus, note string) (*models.Project, error) {
	switch target {
	case valueobject.ProjectStatusAccepted:
		return s.Accept(ctx, actor, id)
	case valueobject.ProjectStatusInProgress:
		return s.Start(ctx, actor, id)
	case valueobject.ProjectStatusDelivered:
		return s.Deliver(ctx, actor, id, note)
	case valueobject.ProjectStatusRevision:
		return s.RequestRevision(ctx, actor, id, note)
	case valueobject.ProjectStatusCompleted:
		return s.Complete(ctx, actor, id)
	case valueobject.ProjectStatusCancelled:
		return s.Cancel(ctx, actor, id, note)
	case valueobject.ProjectStatusDisputed:
		return s.OpenDispute(ctx, actor, id, note)
	case valueobject.ProjectStatusPaid, valueobject.ProjectStatusRefunded:
		if !actor.IsAdmin() {
			return nil, apperror.New(apperror.ErrCodeForbidden, "этот статус выставляет только платёжный процессор")
		}
		if _, err := s.get(ctx, id); err != nil {
			return nil, err
		}
		var set []common.Assignment
		if target == valueobject.ProjectStatusPaid {
			set = append(set, common.Now("paid_at"))
		}
		return s.transition(ctx, id, target, set, "")
	default:
		return nil, apperror.New(apperror.ErrCodeValidation, "неизвестный статус проекта")
	}
}

// MarkPaid продвигает проект в paid по подтверждённому платежу.
// Проект, ушедший дальше по циклу, не трогается.
func (s *ProjectService) MarkPaid(ctx context.Context, id uuid.UUID) (*models.Project, bool, error) {
	project, err := s.repo.Transition(ctx, id, valueobject.ProjectStatusPaid, []common.Assignment{common.Now("paid_at")}, "")
	if errors.Is(err, common.ErrTransitionRejected) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	notify(s.notifier, project.ClientID, EventProjectPaid, projectEvent(project))
	notify(s.notifier, project.ExpertID, EventProjectPaid, projectEvent(project))
	return project, true, nil
}

// MarkRefunded фиксирует полный возврат на нетерминальном проекте.
func (s *ProjectService) MarkRefunded(ctx context.Context, id uuid.UUID) (*models.Project, bool, error) {
	project, err := s.repo.Transition(ctx, id, valueobject.ProjectStatusRefunded, nil, "")
	if errors.Is(err, common.ErrTransitionRejected) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	notify(s.notifier, project.ClientID, EventProjectUpdated, projectEvent(project))
	notify(s.notifier, project.ExpertID, EventProjectUpdated, projectEvent(project))
	return project, true, nil
}

// MarkDisputed переводит проект в спор по событию процессора.
func (s *ProjectService) MarkDisputed(ctx context.Context, id uuid.UUID, reason string) (*models.Project, bool, error) {
	project, err := s.repo.Transition(ctx, id, valueobject.ProjectStatusDisputed, []common.Assignment{
		common.Set("is_disputed", true),
		common.Set("dispute_reason", optional(reason)),
	}, "")
	if errors.Is(err, common.ErrTransitionRejected) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	notify(s.notifier, project.ClientID, EventProjectDisputed, projectEvent(project))
	notify(s.notifier, project.ExpertID, EventProjectDisputed, projectEvent(project))
	return project, true, nil
}

type party int

const (
	partyAny party = iota
	partyClient
	partyExpert
)

// authorize читает проект и проверяет роль актора в нём. Администратор проходит всегда.
func (s *ProjectService) authorize(ctx context.Context, actor Actor, id uuid.UUID, need party) (*models.Project, error) {
	project, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() {
		return project, nil
	}
	if !project.IsParty(actor.UserID) {
		return nil, apperror.ErrNotProjectParty
	}
	switch {
	case need == partyClient && project.ClientID != actor.UserID:
		return nil, apperror.New(apperror.ErrCodeForbidden, "действие доступно только клиенту проекта")
	case need == partyExpert && project.ExpertID != actor.UserID:
		return nil, apperror.New(apperror.ErrCodeForbidden, "действие доступно только эксперту проекта")
	}
	return project, nil
}

func (s *ProjectService) transition(ctx context.Context, id uuid.UUID, target valueobject.ProjectStatus, set []common.Assignment, where string, whereArgs ...any) (*models.Project, error) {
	project, err := s.repo.Transition(ctx, id, target, set, where, whereArgs...)
	if errors.Is(err, common.ErrTransitionRejected) {
		current, getErr := s.get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, rejected(current.Status, target)
	}
	if err != nil {
		return nil, err
	}
	logger.L().WithFields(map[string]interface{}{
		"project_id": id,
		"status":     project.Status,
	}).Debug("статус проекта изменён")
	return project, nil
}

func (s *ProjectService) get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	project, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapProjectErr(err)
	}
	return project, nil
}

func rejected(current, target valueobject.ProjectStatus) error {
	return apperror.Conflictf("переход проекта %s -> %s запрещён", current, target)
}

func projectEvent(p *models.Project) map[string]any {
	return map[string]any{
		"project_id": p.ID,
		"status":     p.Status,
		"title":      p.Title,
	}
}
