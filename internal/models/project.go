package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
)

// Project описывает один найм эксперта клиентом.
type Project struct {
	ID                 uuid.UUID                 `db:"id" json:"id"`
	ClientID           uuid.UUID                 `db:"client_id" json:"client_id"`
	ExpertID           uuid.UUID                 `db:"expert_id" json:"expert_id"`
	ServiceID          *uuid.UUID                `db:"service_id" json:"service_id,omitempty"`
	PackageTier        *string                   `db:"package_tier" json:"package_tier,omitempty"`
	Title              string                    `db:"title" json:"title"`
	Requirements       *string                   `db:"requirements" json:"requirements,omitempty"`
	Price              int64                     `db:"price" json:"price"`
	Currency           string                    `db:"currency" json:"currency"`
	PlatformFee        int64                     `db:"platform_fee" json:"platform_fee"`
	ExpertPayout       int64                     `db:"expert_payout" json:"expert_payout"`
	Status             valueobject.ProjectStatus `db:"status" json:"status"`
	RevisionsUsed      int                       `db:"revisions_used" json:"revisions_used"`
	RevisionsAllowed   int                       `db:"revisions_allowed" json:"revisions_allowed"`
	DeliveryMessage    *string                   `db:"delivery_message" json:"delivery_message,omitempty"`
	RevisionFeedback   *string                   `db:"revision_feedback" json:"revision_feedback,omitempty"`
	IsDisputed         bool                      `db:"is_disputed" json:"is_disputed"`
	DisputeReason      *string                   `db:"dispute_reason" json:"dispute_reason,omitempty"`
	CancellationReason *string                   `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledBy        *uuid.UUID                `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CheckoutSessionID  *string                   `db:"checkout_session_id" json:"-"`
	RefundInitiatedAt  *time.Time                `db:"refund_initiated_at" json:"refund_initiated_at,omitempty"`
	PaidAt             *time.Time                `db:"paid_at" json:"paid_at,omitempty"`
	StartedAt          *time.Time                `db:"started_at" json:"started_at,omitempty"`
	DeliveredAt        *time.Time                `db:"delivered_at" json:"delivered_at,omitempty"`
	CompletedAt        *time.Time                `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt        *time.Time                `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt          time.Time                 `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time                 `db:"updated_at" json:"updated_at"`
}

// IsParty проверяет, что пользователь клиент или эксперт проекта.
func (p *Project) IsParty(userID uuid.UUID) bool {
	return p.ClientID == userID || p.ExpertID == userID
}

// ProjectFilter параметры выборки проектов пользователя.
type ProjectFilter struct {
	UserID uuid.UUID
	Status *valueobject.ProjectStatus
	Limit  int
	Offset int
}
