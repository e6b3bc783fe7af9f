package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Listing услуга эксперта из каталога. Каталог ведётся отдельно, движок только читает.
type Listing struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ExpertID  uuid.UUID `db:"expert_id" json:"expert_id"`
	Title     string    `db:"title" json:"title"`
	Price     int64     `db:"price" json:"price"`
	Currency  string    `db:"currency" json:"currency"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ListingPackage ценовой пакет услуги (basic, standard, premium).
type ListingPackage struct {
	ServiceID uuid.UUID `db:"service_id" json:"service_id"`
	Tier      string    `db:"tier" json:"tier"`
	Price     int64     `db:"price" json:"price"`
}

// Notification описывает событие, отправленное пользователю.
type Notification struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	IsRead    bool            `db:"is_read" json:"is_read"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
