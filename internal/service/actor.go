package service

import (
	"github.com/google/uuid"

	"github.com/ignatzorin/expert-marketplace/internal/logger"
	"github.com/ignatzorin/expert-marketplace/internal/models"
)

// Actor аутентифицированный пользователь, от имени которого выполняется операция.
type Actor struct {
	UserID uuid.UUID
	Role   string
}

func (a Actor) IsAdmin() bool {
	return a.Role == models.RoleAdmin
}

// Notifier доставляет событие пользователю (WebSocket хаб с сохранением в БД).
type Notifier interface {
	BroadcastToUser(userID uuid.UUID, event string, data any) error
}

// События, которые видят пользователи.
const (
	EventProjectCreated   = "project.created"
	EventProjectUpdated   = "project.updated"
	EventProjectPaid      = "project.paid"
	EventProjectDelivered = "project.delivered"
	EventProjectRevision  = "project.revision_requested"
	EventProjectCompleted = "project.completed"
	EventProjectCancelled = "project.cancelled"
	EventProjectDisputed  = "project.disputed"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
	EventPayoutPaid       = "payout.paid"
	EventPayoutFailed     = "payout.failed"
	EventInvoiceIssued    = "invoice.issued"
)

// notify отправляет событие, ошибки доставки только логируются.
func notify(n Notifier, userID uuid.UUID, event string, data any) {
	if n == nil {
		return
	}
	if err := n.BroadcastToUser(userID, event, data); err != nil {
		logger.L().WithError(err).WithField("event", event).Warn("не удалось отправить уведомление")
	}
}

func normalizeLimit(limit, offset int) (int, int) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
