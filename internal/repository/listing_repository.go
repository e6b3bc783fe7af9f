package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/expert-marketplace/internal/models"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrPackageNotFound = errors.New("listing package not found")
	ErrUserNotFound    = errors.New("user not found")
)

// ListingRepository доступ на чтение к каталогу услуг.
type ListingRepository struct {
	db *sqlx.DB
}

func NewListingRepository(db *sqlx.DB) *ListingRepository {
	return &ListingRepository{db: db}
}

func (r *ListingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	err := r.db.GetContext(ctx, &listing, `
		SELECT id, expert_id, title, price, currency, is_active, created_at, updated_at
		FROM services WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("listing repository: get by id: %w", err)
	}
	return &listing, nil
}

// GetPackage возвращает цену пакета услуги по уровню.
func (r *ListingRepository) GetPackage(ctx context.Context, serviceID uuid.UUID, tier string) (*models.ListingPackage, error) {
	var pkg models.ListingPackage
	err := r.db.GetContext(ctx, &pkg, `
		SELECT service_id, tier, price FROM service_packages
		WHERE service_id = $1 AND tier = $2
	`, serviceID, tier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("listing repository: get package: %w", err)
	}
	return &pkg, nil
}

// UserRepository доступ на чтение к пользователям.
type UserRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `
		SELECT id, email, role, display_name, created_at FROM users WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user repository: get by id: %w", err)
	}
	return &user, nil
}
