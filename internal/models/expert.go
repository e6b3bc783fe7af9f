package models

import (
	"time"

	"github.com/google/uuid"
)

// Роли пользователей.
const (
	RoleClient = "client"
	RoleExpert = "expert"
	RoleAdmin  = "admin"
)

// User пользователь платформы. Регистрация живёт в другом сервисе, здесь только чтение.
type User struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Email       string    `db:"email" json:"email"`
	Role        string    `db:"role" json:"role"`
	DisplayName string    `db:"display_name" json:"display_name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ExpertProfile профиль эксперта со встроенным статусом Connect аккаунта.
type ExpertProfile struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	UserID               uuid.UUID `db:"user_id" json:"user_id"`
	DisplayName          string    `db:"display_name" json:"display_name"`
	StripeAccountID      *string   `db:"stripe_account_id" json:"stripe_account_id,omitempty"`
	StripeChargesEnabled bool      `db:"stripe_charges_enabled" json:"stripe_charges_enabled"`
	StripePayoutsEnabled bool      `db:"stripe_payouts_enabled" json:"stripe_payouts_enabled"`
	ConnectCountry       *string   `db:"connect_country" json:"connect_country,omitempty"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// HasAccount есть ли у эксперта аккаунт процессора.
func (e *ExpertProfile) HasAccount() bool {
	return e.StripeAccountID != nil && *e.StripeAccountID != ""
}

// OnboardingComplete онбординг завершён только при наличии аккаунта и обоих флагов.
func (e *ExpertProfile) OnboardingComplete() bool {
	return e.HasAccount() && e.StripeChargesEnabled && e.StripePayoutsEnabled
}

// ConnectStatus состояние Connect аккаунта для API.
type ConnectStatus struct {
	HasAccount         bool    `json:"has_account"`
	AccountID          *string `json:"account_id,omitempty"`
	ChargesEnabled     bool    `json:"charges_enabled"`
	PayoutsEnabled     bool    `json:"payouts_enabled"`
	OnboardingComplete bool    `json:"onboarding_complete"`
}

// StatusOf собирает ConnectStatus из профиля.
func StatusOf(e *ExpertProfile) ConnectStatus {
	return ConnectStatus{
		HasAccount:         e.HasAccount(),
		AccountID:          e.StripeAccountID,
		ChargesEnabled:     e.StripeChargesEnabled,
		PayoutsEnabled:     e.StripePayoutsEnabled,
		OnboardingComplete: e.OnboardingComplete(),
	}
}

// ConnectCapabilities флаги аккаунта, присланные процессором.
type ConnectCapabilities struct {
	AccountID      string
	ChargesEnabled bool
	PayoutsEnabled bool
}
