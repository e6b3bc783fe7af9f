package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/repository/common"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	// ErrProjectMismatch проект существует, но стороны, сумма или валюта не совпадают с оплатой.
	ErrProjectMismatch = errors.New("project does not match checkout")
)

type ProjectRepository struct {
	db *sqlx.DB
}

func NewProjectRepository(db *sqlx.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create сохраняет новый проект и заполняет сгенерированные поля.
func (r *ProjectRepository) Create(ctx context.Context, p *models.Project) error {
	query := `
		INSERT INTO projects (
			client_id, expert_id, service_id, package_tier, title, requirements,
			price, currency, platform_fee, expert_payout, status, revisions_allowed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING *
	`
	if err := r.db.QueryRowxContext(ctx, query,
		p.ClientID, p.ExpertID, p.ServiceID, p.PackageTier, p.Title, p.Requirements,
		p.Price, p.Currency, p.PlatformFee, p.ExpertPayout, string(p.Status), p.RevisionsAllowed,
	).StructScan(p); err != nil {
		return fmt.Errorf("project repository: create: %w", err)
	}
	return nil
}

func (r *ProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	return common.GetByID[models.Project](ctx, r.db, "projects", id, ErrProjectNotFound)
}

// List возвращает проекты, где пользователь клиент или эксперт.
func (r *ProjectRepository) List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, error) {
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	query := `
		SELECT * FROM projects
		WHERE (client_id = $1 OR expert_id = $1)
		  AND ($2::text IS NULL OR status::text = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	projects := []models.Project{}
	if err := r.db.SelectContext(ctx, &projects, query, filter.UserID, status, filter.Limit, filter.Offset); err != nil {
		return nil, fmt.Errorf("project repository: list: %w", err)
	}
	return projects, nil
}

// Transition переводит проект в target, если текущий статус допускает такое ребро.
// Набор исходных статусов берётся из таблицы переходов.
func (r *ProjectRepository) Transition(ctx context.Context, id uuid.UUID, target valueobject.ProjectStatus, set []common.Assignment, where string, whereArgs ...any) (*models.Project, error) {
	return transitionProject(ctx, r.db, id, target, set, where, whereArgs...)
}

func transitionProject(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID, target valueobject.ProjectStatus, set []common.Assignment, where string, whereArgs ...any) (*models.Project, error) {
	assignments := append([]common.Assignment{common.Set("status", string(target))}, set...)
	project, err := common.GuardedTransition[models.Project](ctx, q, common.Transition{
		Table:     "projects",
		ID:        id,
		From:      valueobject.ProjectSourcesOf(target),
		Set:       assignments,
		Where:     where,
		WhereArgs: whereArgs,
	})
	if err != nil {
		if errors.Is(err, common.ErrTransitionRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("project repository: transition to %s: %w", target, err)
	}
	return project, nil
}

// MarkRefundInitiated фиксирует, что возврат по отмене запрошен у процессора.
func (r *ProjectRepository) MarkRefundInitiated(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE projects SET refund_initiated_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND refund_initiated_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("project repository: mark refund initiated: %w", err)
	}
	return nil
}

// resolveCheckoutProject находит или создаёт проект для завершённого checkout внутри транзакции.
func resolveCheckoutProject(ctx context.Context, tx *sqlx.Tx, rec models.CheckoutRecord) (*models.Project, error) {
	paid := rec.Status == valueobject.PaymentStatusSucceeded

	if rec.ProjectID != nil {
		project, err := common.GetForUpdate[models.Project](ctx, tx, "projects", *rec.ProjectID, ErrProjectNotFound)
		if err != nil {
			return nil, err
		}
		if project.ClientID != rec.BuyerID || project.ExpertID != rec.ExpertID ||
			project.Price != rec.Amount || project.Currency != rec.Currency {
			return nil, ErrProjectMismatch
		}
		if !paid {
			return project, nil
		}
		advanced, err := transitionProject(ctx, tx, project.ID, valueobject.ProjectStatusPaid,
			[]common.Assignment{
				common.Now("paid_at"),
				common.SetExpr("checkout_session_id", "COALESCE(checkout_session_id, ?)", rec.SessionID),
			}, "")
		if errors.Is(err, common.ErrTransitionRejected) {
			// уже оплачен или дальше по жизненному циклу, повторная доставка
			return project, nil
		}
		return advanced, err
	}

	status := valueobject.ProjectStatusPending
	if paid {
		status = valueobject.ProjectStatusPaid
	}

	var project models.Project
	err := tx.GetContext(ctx, &project, `
		INSERT INTO projects (
			client_id, expert_id, service_id, package_tier, title,
			price, currency, platform_fee, expert_payout, status, revisions_allowed,
			checkout_session_id, paid_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			CASE WHEN $13::boolean THEN NOW() END)
		ON CONFLICT (checkout_session_id) DO NOTHING
		RETURNING *
	`, rec.BuyerID, rec.ExpertID, rec.ServiceID, rec.PackageTier, rec.Title,
		rec.Amount, rec.Currency, rec.PlatformFee, rec.NetAmount, string(status), rec.RevisionsAllowed,
		rec.SessionID, paid)
	if err == nil {
		return &project, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project repository: create from checkout: %w", err)
	}

	if err := tx.GetContext(ctx, &project, `SELECT * FROM projects WHERE checkout_session_id = $1 FOR UPDATE`, rec.SessionID); err != nil {
		return nil, fmt.Errorf("project repository: get by checkout session: %w", err)
	}
	if !paid || project.Status != valueobject.ProjectStatusPending {
		return &project, nil
	}
	return transitionProject(ctx, tx, project.ID, valueobject.ProjectStatusPaid, []common.Assignment{common.Now("paid_at")}, "")
}
