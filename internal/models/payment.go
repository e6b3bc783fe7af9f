package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
)

// Payment одна попытка движения денег по проекту.
type Payment struct {
	ID                      uuid.UUID                 `db:"id" json:"id"`
	ProjectID               uuid.UUID                 `db:"project_id" json:"project_id"`
	PayerID                 uuid.UUID                 `db:"payer_id" json:"payer_id"`
	PayeeID                 uuid.UUID                 `db:"payee_id" json:"payee_id"`
	Amount                  int64                     `db:"amount" json:"amount"`
	Currency                string                    `db:"currency" json:"currency"`
	PlatformFee             int64                     `db:"platform_fee" json:"platform_fee"`
	NetAmount               int64                     `db:"net_amount" json:"net_amount"`
	Status                  valueobject.PaymentStatus `db:"status" json:"status"`
	StripeCheckoutSessionID *string                   `db:"stripe_checkout_session_id" json:"stripe_checkout_session_id,omitempty"`
	StripePaymentIntentID   *string                   `db:"stripe_payment_intent_id" json:"stripe_payment_intent_id,omitempty"`
	StripeChargeID          *string                   `db:"stripe_charge_id" json:"stripe_charge_id,omitempty"`
	StripeTransferID        *string                   `db:"stripe_transfer_id" json:"stripe_transfer_id,omitempty"`
	RefundAmount            int64                     `db:"refund_amount" json:"refund_amount"`
	FailureReason           *string                   `db:"failure_reason" json:"failure_reason,omitempty"`
	RefundReason            *string                   `db:"refund_reason" json:"refund_reason,omitempty"`
	PayoutID                *uuid.UUID                `db:"payout_id" json:"payout_id,omitempty"`
	Metadata                types.JSONText            `db:"metadata" json:"metadata,omitempty"`
	PaidAt                  *time.Time                `db:"paid_at" json:"paid_at,omitempty"`
	RefundedAt              *time.Time                `db:"refunded_at" json:"refunded_at,omitempty"`
	TransferredAt           *time.Time                `db:"transferred_at" json:"transferred_at,omitempty"`
	CreatedAt               time.Time                 `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time                 `db:"updated_at" json:"updated_at"`
}

// Remaining сумма, которую ещё можно вернуть.
func (p *Payment) Remaining() int64 {
	return p.Amount - p.RefundAmount
}

// ProcessorRefs идентификаторы платежа у процессора, пустые поля не перезаписываются.
type ProcessorRefs struct {
	PaymentIntentID string
	ChargeID        string
}

// CheckoutRecord данные завершённого checkout, из которых создаются проект и платёж.
type CheckoutRecord struct {
	SessionID        string
	PaymentIntentID  string
	ProjectID        *uuid.UUID
	ServiceID        *uuid.UUID
	PackageTier      *string
	Title            string
	BuyerID          uuid.UUID
	ExpertID         uuid.UUID
	Amount           int64
	Currency         string
	PlatformFee      int64
	NetAmount        int64
	Status           valueobject.PaymentStatus
	RevisionsAllowed int
	// Transferred доля эксперта ушла на Connect аккаунт в момент списания.
	Transferred bool
	Metadata    types.JSONText
}

// Balance баланс эксперта по валюте.
type Balance struct {
	Currency  string `db:"currency" json:"currency"`
	Pending   int64  `db:"pending" json:"pending"`
	Available int64  `db:"available" json:"available"`
}

// Payout перевод накопленных средств эксперту.
type Payout struct {
	ID                 uuid.UUID                `db:"id" json:"id"`
	ExpertID           uuid.UUID                `db:"expert_id" json:"expert_id"`
	Amount             int64                    `db:"amount" json:"amount"`
	Currency           string                   `db:"currency" json:"currency"`
	Status             valueobject.PayoutStatus `db:"status" json:"status"`
	DestinationAccount string                   `db:"destination_account" json:"destination_account"`
	StripeTransferID   *string                  `db:"stripe_transfer_id" json:"stripe_transfer_id,omitempty"`
	FailureReason      *string                  `db:"failure_reason" json:"failure_reason,omitempty"`
	PaymentsCount      int                      `db:"payments_count" json:"payments_count"`
	PaidAt             *time.Time               `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt          time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time                `db:"updated_at" json:"updated_at"`
}

// Invoice счёт по завершённому проекту. После создания меняется только статус.
type Invoice struct {
	ID               uuid.UUID                 `db:"id" json:"id"`
	InvoiceNumber    string                    `db:"invoice_number" json:"invoice_number"`
	ProjectID        uuid.UUID                 `db:"project_id" json:"project_id"`
	PaymentID        *uuid.UUID                `db:"payment_id" json:"payment_id,omitempty"`
	IssuerID         uuid.UUID                 `db:"issuer_id" json:"issuer_id"`
	RecipientID      uuid.UUID                 `db:"recipient_id" json:"recipient_id"`
	Subtotal         int64                     `db:"subtotal" json:"subtotal"`
	TaxRateBP        int64                     `db:"tax_rate_bp" json:"tax_rate_bp"`
	TaxAmount        int64                     `db:"tax_amount" json:"tax_amount"`
	Total            int64                     `db:"total" json:"total"`
	Currency         string                    `db:"currency" json:"currency"`
	LineItems        types.JSONText            `db:"line_items" json:"line_items"`
	IssuerDetails    types.JSONText            `db:"issuer_details" json:"issuer_details"`
	RecipientDetails types.JSONText            `db:"recipient_details" json:"recipient_details"`
	Status           valueobject.InvoiceStatus `db:"status" json:"status"`
	IssuedAt         *time.Time                `db:"issued_at" json:"issued_at,omitempty"`
	PaidAt           *time.Time                `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt        time.Time                 `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time                 `db:"updated_at" json:"updated_at"`
}

// InvoiceLineItem строка счёта.
type InvoiceLineItem struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Amount      int64  `json:"amount"`
}

// PartyDetails снимок реквизитов стороны на момент выставления счёта.
type PartyDetails struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
}
