package valueobject

import "github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"

type ProjectStatus string

const (
	ProjectStatusPending    ProjectStatus = "pending"
	ProjectStatusAccepted   ProjectStatus = "accepted"
	ProjectStatusPaid       ProjectStatus = "paid"
	ProjectStatusInProgress ProjectStatus = "in_progress"
	ProjectStatusDelivered  ProjectStatus = "delivered"
	ProjectStatusRevision   ProjectStatus = "revision"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusCancelled  ProjectStatus = "cancelled"
	ProjectStatusDisputed   ProjectStatus = "disputed"
	ProjectStatusRefunded   ProjectStatus = "refunded"
)

var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectStatusPending:    {ProjectStatusAccepted, ProjectStatusPaid, ProjectStatusCancelled},
	ProjectStatusAccepted:   {ProjectStatusPaid, ProjectStatusCancelled},
	ProjectStatusPaid:       {ProjectStatusInProgress, ProjectStatusCancelled, ProjectStatusDisputed, ProjectStatusRefunded},
	ProjectStatusInProgress: {ProjectStatusDelivered, ProjectStatusCancelled, ProjectStatusDisputed, ProjectStatusRefunded},
	ProjectStatusDelivered:  {ProjectStatusRevision, ProjectStatusCompleted, ProjectStatusCancelled, ProjectStatusDisputed, ProjectStatusRefunded},
	ProjectStatusRevision:   {ProjectStatusDelivered, ProjectStatusCancelled, ProjectStatusDisputed, ProjectStatusRefunded},
	ProjectStatusDisputed:   {ProjectStatusInProgress, ProjectStatusCancelled, ProjectStatusRefunded},
	ProjectStatusCompleted:  {},
	ProjectStatusCancelled:  {},
	ProjectStatusRefunded:   {},
}

func (s ProjectStatus) IsValid() bool {
	_, ok := projectTransitions[s]
	return ok
}

func (s ProjectStatus) IsTerminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusCancelled || s == ProjectStatusRefunded
}

func (s ProjectStatus) CanTransitionTo(next ProjectStatus) bool {
	for _, status := range projectTransitions[s] {
		if status == next {
			return true
		}
	}
	return false
}

// ProjectSourcesOf возвращает статусы, из которых допустим переход в target.
// Это и есть набор для условия WHERE status = ANY(...).
func ProjectSourcesOf(target ProjectStatus) []string {
	var from []string
	for _, s := range projectOrder {
		if s.CanTransitionTo(target) {
			from = append(from, string(s))
		}
	}
	return from
}

// порядок нужен, чтобы наборы статусов были детерминированы
var projectOrder = []ProjectStatus{
	ProjectStatusPending,
	ProjectStatusAccepted,
	ProjectStatusPaid,
	ProjectStatusInProgress,
	ProjectStatusDelivered,
	ProjectStatusRevision,
	ProjectStatusCompleted,
	ProjectStatusCancelled,
	ProjectStatusDisputed,
	ProjectStatusRefunded,
}

func NewProjectStatus(status string) (ProjectStatus, error) {
	s := ProjectStatus(status)
	if !s.IsValid() {
		return "", apperror.New(apperror.ErrCodeValidation, "некорректный статус проекта")
	}
	return s, nil
}

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusDisputed          PaymentStatus = "disputed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:           {PaymentStatusProcessing, PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusDisputed},
	PaymentStatusProcessing:        {PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusDisputed},
	PaymentStatusSucceeded:         {PaymentStatusPartiallyRefunded, PaymentStatusRefunded, PaymentStatusDisputed},
	PaymentStatusPartiallyRefunded: {PaymentStatusPartiallyRefunded, PaymentStatusRefunded, PaymentStatusDisputed},
	PaymentStatusDisputed:          {PaymentStatusPartiallyRefunded, PaymentStatusRefunded, PaymentStatusSucceeded},
	PaymentStatusFailed:            {},
	PaymentStatusRefunded:          {},
	PaymentStatusCancelled:         {},
}

var paymentOrder = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusProcessing,
	PaymentStatusSucceeded,
	PaymentStatusFailed,
	PaymentStatusRefunded,
	PaymentStatusPartiallyRefunded,
	PaymentStatusDisputed,
	PaymentStatusCancelled,
}

func (s PaymentStatus) IsValid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, status := range paymentTransitions[s] {
		if status == next {
			return true
		}
	}
	return false
}

// PaymentSourcesOf возвращает статусы, из которых допустим переход в target.
func PaymentSourcesOf(target PaymentStatus) []string {
	var from []string
	for _, s := range paymentOrder {
		if s.CanTransitionTo(target) {
			from = append(from, string(s))
		}
	}
	return from
}

// UnsettledPaymentStatuses платёж ещё не получил окончательного ответа процессора.
// Выход из disputed в succeeded разрешён только закрытием спора.
func UnsettledPaymentStatuses() []string {
	return []string{string(PaymentStatusPending), string(PaymentStatusProcessing)}
}

// RefundableStatuses статусы, к которым применим возврат.
func RefundableStatuses() []string {
	return []string{
		string(PaymentStatusSucceeded),
		string(PaymentStatusPartiallyRefunded),
		string(PaymentStatusDisputed),
	}
}

type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusInTransit PayoutStatus = "in_transit"
	PayoutStatusPaid      PayoutStatus = "paid"
	PayoutStatusFailed    PayoutStatus = "failed"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft: {InvoiceStatusOpen, InvoiceStatusVoid},
	InvoiceStatusOpen:  {InvoiceStatusPaid, InvoiceStatusVoid, InvoiceStatusUncollectible},
}

func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, status := range invoiceTransitions[s] {
		if status == next {
			return true
		}
	}
	return false
}

// InvoiceSourcesOf возвращает статусы счёта, из которых допустим переход в target.
func InvoiceSourcesOf(target InvoiceStatus) []string {
	var from []string
	for _, s := range []InvoiceStatus{InvoiceStatusDraft, InvoiceStatusOpen} {
		for _, next := range invoiceTransitions[s] {
			if next == target {
				from = append(from, string(s))
			}
		}
	}
	return from
}
