package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/expert-marketplace/internal/billing"
	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/logger"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/processor"
)

type EventVerifier interface {
	Parse(payload []byte, signature string) (*processor.Event, error)
}

// EventClaimer хранилище обработанных id событий.
type EventClaimer interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
	Processed(ctx context.Context, eventID string) (bool, error)
}

// Ledger операции леджера, которые применяет реконсилятор.
type Ledger interface {
	RecordCheckout(ctx context.Context, rec models.CheckoutRecord) (*models.Payment, *models.Project, bool, error)
	FindByProcessorRef(ctx context.Context, intentID, chargeID string) (*models.Payment, error)
	ApplySuccess(ctx context.Context, id uuid.UUID, refs models.ProcessorRefs) (*models.Payment, error)
	ApplyFailure(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error)
	SyncRefund(ctx context.Context, id uuid.UUID, total int64, reason string) (*models.Payment, error)
	ApplyDispute(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	ResolveDispute(ctx context.Context, id uuid.UUID, won bool) (*models.Payment, error)
}

// Lifecycle переходы проекта, которые вызывает процессор.
type Lifecycle interface {
	MarkPaid(ctx context.Context, id uuid.UUID) (*models.Project, bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID) (*models.Project, bool, error)
	MarkDisputed(ctx context.Context, id uuid.UUID, reason string) (*models.Project, bool, error)
	RefundIfCancelled(ctx context.Context, id uuid.UUID) (bool, error)
}

type AccountUpdater interface {
	ApplyAccountUpdate(ctx context.Context, caps models.ConnectCapabilities) (bool, error)
}

const (
	disputeStatusWon = "won"
	// eventStoreTimeout запись в хранилище событий после обработки, в том числе
	// когда контекст запроса уже истёк.
	eventStoreTimeout = 3 * time.Second
)

// WebhookReconciler единственная точка входа событий процессора. Подпись проверяется
// до разбора payload. Бизнес-отказы (неизвестный платёж, запрещённый переход)
// подтверждаются с записью в лог; ошибки инфраструктуры возвращаются, чтобы процессор
// доставил событие повторно.
type WebhookReconciler struct {
	verifier         EventVerifier
	events           EventClaimer
	ledger           Ledger
	projects         Lifecycle
	accounts         AccountUpdater
	notifier         Notifier
	fees             *billing.FeeCalculator
	revisionsAllowed int
}

// NewWebhookReconciler events может быть nil: тогда повторная доставка защищена
// только условными записями.
func NewWebhookReconciler(
	verifier EventVerifier,
	events EventClaimer,
	ledger Ledger,
	projects Lifecycle,
	accounts AccountUpdater,
	notifier Notifier,
	fees *billing.FeeCalculator,
	revisionsAllowed int,
) *WebhookReconciler {
	return &WebhookReconciler{
		verifier:         verifier,
		events:           events,
		ledger:           ledger,
		projects:         projects,
		accounts:         accounts,
		notifier:         notifier,
		fees:             fees,
		revisionsAllowed: revisionsAllowed,
	}
}

// HandleWebhook проверяет подпись, захватывает id события и применяет его.
func (r *WebhookReconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := r.verifier.Parse(payload, signature)
	if err != nil {
		if errors.Is(err, processor.ErrSignature) {
			logger.L().WithError(err).Warn("вебхук отклонён: подпись")
			return apperror.ErrSignatureInvalid
		}
		return apperror.Wrap(err, apperror.ErrCodeBadRequest, "некорректное событие")
	}

	log := logger.L().WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	claimed := false
	if r.events != nil {
		ok, err := r.events.Claim(ctx, event.ID)
		switch {
		case err != nil:
			log.WithError(err).Warn("хранилище событий недоступно, обработка без дедупликации")
		case !ok:
			return r.duplicate(ctx, event.ID, log)
		default:
			claimed = true
		}
	}

	if err := r.dispatch(ctx, event, log); err != nil {
		if claimed {
			storeCtx, cancel := detached(ctx)
			if relErr := r.events.Release(storeCtx, event.ID); relErr != nil {
				log.WithError(relErr).Warn("не удалось снять захват события")
			}
			cancel()
		}
		log.WithError(err).Error("событие не обработано")
		return err
	}

	if claimed {
		storeCtx, cancel := detached(ctx)
		if err := r.events.Complete(storeCtx, event.ID); err != nil {
			log.WithError(err).Warn("не удалось отметить событие обработанным")
		}
		cancel()
	}
	return nil
}

// duplicate подтверждает только уже обработанное событие. Событие, которое ещё
// обрабатывается, возвращается ошибкой: процессор доставит его снова, и если первая
// попытка упадёт, повтор не потеряется.
func (r *WebhookReconciler) duplicate(ctx context.Context, eventID string, log *logrus.Entry) error {
	done, err := r.events.Processed(ctx, eventID)
	if err != nil {
		log.WithError(err).Warn("не удалось проверить состояние события")
		return err
	}
	if done {
		log.Info("повторная доставка события, пропуск")
		return nil
	}
	log.Info("событие ещё обрабатывается")
	return apperror.Conflictf("событие %s уже обрабатывается", eventID)
}

// detached контекст для записи в хранилище, который переживает отмену запроса.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), eventStoreTimeout)
}

func (r *WebhookReconciler) dispatch(ctx context.Context, event *processor.Event, log *logrus.Entry) error {
	var err error
	switch {
	case event.Type == processor.EventCheckoutCompleted && event.Checkout != nil:
		err = r.checkoutCompleted(ctx, event.Checkout, log)
	case event.Type == processor.EventCheckoutExpired:
		log.Info("checkout сессия истекла")
	case event.Type == processor.EventPaymentSucceeded && event.Payment != nil:
		err = r.paymentSucceeded(ctx, event.Payment, log)
	case event.Type == processor.EventPaymentFailed && event.Payment != nil:
		err = r.paymentFailed(ctx, event.Payment, log)
	case event.Type == processor.EventChargeRefunded && event.Refund != nil:
		err = r.chargeRefunded(ctx, event.Refund, log)
	case event.Type == processor.EventDisputeCreated && event.Dispute != nil:
		err = r.disputeCreated(ctx, event.Dispute, log)
	case event.Type == processor.EventDisputeClosed && event.Dispute != nil:
		err = r.disputeClosed(ctx, event.Dispute, log)
	case event.Type == processor.EventAccountUpdated && event.Account != nil:
		_, err = r.accounts.ApplyAccountUpdate(ctx, models.ConnectCapabilities{
			AccountID:      event.Account.AccountID,
			ChargesEnabled: event.Account.ChargesEnabled,
			PayoutsEnabled: event.Account.PayoutsEnabled,
		})
	default:
		log.Debug("необрабатываемый тип события")
	}

	if acknowledged(err) {
		log.WithError(err).Warn("событие подтверждено без изменений")
		return nil
	}
	return err
}

// acknowledged бизнес-отказ: повторная доставка ничего не изменит.
func acknowledged(err error) bool {
	return apperror.IsNotFound(err) || apperror.IsConflict(err) || apperror.IsValidation(err)
}

func (r *WebhookReconciler) checkoutCompleted(ctx context.Context, ev *processor.CheckoutEvent, log *logrus.Entry) error {
	buyerID, errBuyer := uuid.Parse(ev.Metadata[metaBuyerID])
	expertID, errExpert := uuid.Parse(ev.Metadata[metaExpertID])
	if errBuyer != nil || errExpert != nil {
		log.WithField("session_id", ev.SessionID).Warn("checkout без корректных buyer_id/expert_id в metadata")
		return nil
	}

	split, err := r.fees.Split(ev.AmountTotal)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeValidation, "некорректная сумма checkout")
	}
	currency, err := valueobject.NormalizeCurrency(ev.Currency)
	if err != nil {
		return err
	}

	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	status := valueobject.PaymentStatusProcessing
	if ev.Paid {
		status = valueobject.PaymentStatusSucceeded
	}
	title := ev.Metadata[metaTitle]
	if title == "" {
		title = "Заказ услуги"
	}

	rec := models.CheckoutRecord{
		SessionID:        ev.SessionID,
		PaymentIntentID:  ev.PaymentIntentID,
		ProjectID:        parseOptionalUUID(ev.Metadata[metaProjectID]),
		ServiceID:        parseOptionalUUID(ev.Metadata[metaServiceID]),
		PackageTier:      optional(ev.Metadata[metaPackageTier]),
		Title:            title,
		BuyerID:          buyerID,
		ExpertID:         expertID,
		Amount:           split.Amount,
		Currency:         currency,
		PlatformFee:      split.PlatformFee,
		NetAmount:        split.NetAmount,
		Status:           status,
		RevisionsAllowed: r.revisionsAllowed,
		Transferred:      ev.Paid && ev.Metadata[metaDestination] != "",
		Metadata:         types.JSONText(metadata),
	}

	payment, project, created, err := r.ledger.RecordCheckout(ctx, rec)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"project_id": project.ID,
		"created":    created,
		"status":     payment.Status,
	}).Info("checkout записан")

	if payment.Status == valueobject.PaymentStatusSucceeded && project.Status == valueobject.ProjectStatusCancelled {
		if err := r.refundIfCancelled(ctx, project.ID, log); err != nil {
			return err
		}
	}
	if created && payment.Status == valueobject.PaymentStatusSucceeded {
		notify(r.notifier, payment.PayerID, EventPaymentSucceeded, paymentEvent(payment))
		notify(r.notifier, payment.PayeeID, EventProjectPaid, projectEvent(project))
	}
	return nil
}

func (r *WebhookReconciler) paymentSucceeded(ctx context.Context, ev *processor.PaymentEvent, log *logrus.Entry) error {
	payment, err := r.ledger.FindByProcessorRef(ctx, ev.PaymentIntentID, ev.ChargeID)
	if err != nil {
		return err
	}
	before := payment.Status
	payment, err = r.ledger.ApplySuccess(ctx, payment.ID, models.ProcessorRefs{
		PaymentIntentID: ev.PaymentIntentID,
		ChargeID:        ev.ChargeID,
	})
	if err != nil {
		return err
	}
	_, advanced, err := r.projects.MarkPaid(ctx, payment.ProjectID)
	if err != nil {
		return err
	}
	if !advanced {
		if err := r.refundIfCancelled(ctx, payment.ProjectID, log); err != nil {
			return err
		}
	}

	log.WithField("payment_id", payment.ID).Info("платёж подтверждён")
	if before != valueobject.PaymentStatusSucceeded {
		notify(r.notifier, payment.PayerID, EventPaymentSucceeded, paymentEvent(payment))
	}
	return nil
}

// refundIfCancelled платёж прошёл после отмены проекта: возврат запрашивается тем же
// путём, что и при отмене. Ошибка процессора не подтверждается, повторная доставка
// повторит запрос с тем же ключом идемпотентности.
func (r *WebhookReconciler) refundIfCancelled(ctx context.Context, projectID uuid.UUID, log *logrus.Entry) error {
	refunded, err := r.projects.RefundIfCancelled(ctx, projectID)
	if err != nil {
		return err
	}
	if refunded {
		log.WithField("project_id", projectID).Warn("платёж по отменённому проекту, запрошен возврат")
	}
	return nil
}

func (r *WebhookReconciler) paymentFailed(ctx context.Context, ev *processor.PaymentEvent, log *logrus.Entry) error {
	payment, err := r.ledger.FindByProcessorRef(ctx, ev.PaymentIntentID, ev.ChargeID)
	if err != nil {
		return err
	}
	before := payment.Status
	payment, err = r.ledger.ApplyFailure(ctx, payment.ID, ev.FailureMessage)
	if err != nil {
		return err
	}

	log.WithField("payment_id", payment.ID).Warn("платёж отклонён")
	if before != valueobject.PaymentStatusFailed {
		notify(r.notifier, payment.PayerID, EventPaymentFailed, paymentEvent(payment))
	}
	return nil
}

func (r *WebhookReconciler) chargeRefunded(ctx context.Context, ev *processor.RefundEvent, log *logrus.Entry) error {
	payment, err := r.ledger.FindByProcessorRef(ctx, ev.PaymentIntentID, ev.ChargeID)
	if err != nil {
		return err
	}
	if ev.AmountRefunded <= payment.RefundAmount {
		log.WithField("payment_id", payment.ID).Info("возврат уже учтён")
		return nil
	}
	payment, err = r.ledger.SyncRefund(ctx, payment.ID, ev.AmountRefunded, ev.Reason)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"payment_id":    payment.ID,
		"refund_amount": payment.RefundAmount,
		"status":        payment.Status,
	}).Info("возврат применён")

	if payment.Status == valueobject.PaymentStatusRefunded {
		if _, _, err := r.projects.MarkRefunded(ctx, payment.ProjectID); err != nil {
			return err
		}
	}
	notify(r.notifier, payment.PayerID, EventPaymentRefunded, paymentEvent(payment))
	notify(r.notifier, payment.PayeeID, EventPaymentRefunded, paymentEvent(payment))
	return nil
}

func (r *WebhookReconciler) disputeCreated(ctx context.Context, ev *processor.DisputeEvent, log *logrus.Entry) error {
	payment, err := r.ledger.FindByProcessorRef(ctx, ev.PaymentIntentID, ev.ChargeID)
	if err != nil {
		return err
	}
	payment, err = r.ledger.ApplyDispute(ctx, payment.ID)
	if err != nil {
		return err
	}
	if _, _, err := r.projects.MarkDisputed(ctx, payment.ProjectID, ev.Reason); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"dispute_id": ev.DisputeID,
	}).Warn("открыт спор по платежу")
	return nil
}

func (r *WebhookReconciler) disputeClosed(ctx context.Context, ev *processor.DisputeEvent, log *logrus.Entry) error {
	payment, err := r.ledger.FindByProcessorRef(ctx, ev.PaymentIntentID, ev.ChargeID)
	if err != nil {
		return err
	}
	won := ev.Status == disputeStatusWon
	payment, err = r.ledger.ResolveDispute(ctx, payment.ID, won)
	if err != nil {
		return err
	}
	if !won && payment.Status == valueobject.PaymentStatusRefunded {
		if _, _, err := r.projects.MarkRefunded(ctx, payment.ProjectID); err != nil {
			return err
		}
	}
	log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"dispute_id": ev.DisputeID,
		"won":        won,
	}).Info("спор закрыт")
	return nil
}

func parseOptionalUUID(s string) *uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

func paymentEvent(p *models.Payment) map[string]any {
	return map[string]any{
		"payment_id":    p.ID,
		"project_id":    p.ProjectID,
		"amount":        p.Amount,
		"currency":      p.Currency,
		"status":        p.Status,
		"refund_amount": p.RefundAmount,
	}
}
