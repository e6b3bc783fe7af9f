package common

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Assignment одна колонка в SET. Expr пишется с плейсхолдерами "?",
// значения идут в Args и всегда биндятся параметрами.
type Assignment struct {
	Column string
	Expr   string
	Args   []any
}

// Set присваивает колонке значение.
func Set(column string, value any) Assignment {
	return Assignment{Column: column, Expr: "?", Args: []any{value}}
}

// SetExpr присваивает колонке выражение, например "refund_amount + ?".
func SetExpr(column, expr string, args ...any) Assignment {
	return Assignment{Column: column, Expr: expr, Args: args}
}

// Now проставляет текущее время базы.
func Now(column string) Assignment {
	return Assignment{Column: column, Expr: "NOW()"}
}

// Transition условная запись: строка меняется только если её статус входит в From.
// Table, Key и колонки задаются константами кода, пользовательский ввод туда не попадает.
type Transition struct {
	Table     string
	Key       string
	ID        any
	From      []string
	Set       []Assignment
	Where     string
	WhereArgs []any
}

// Build собирает запрос и аргументы.
func (t Transition) Build() (string, []any, error) {
	if t.Table == "" || len(t.Set) == 0 {
		return "", nil, fmt.Errorf("guarded transition: пустая таблица или набор колонок")
	}
	if len(t.From) == 0 {
		return "", nil, fmt.Errorf("guarded transition %s: пустой набор исходных статусов", t.Table)
	}
	key := t.Key
	if key == "" {
		key = "id"
	}

	var (
		sets []string
		args []any
	)
	for _, a := range t.Set {
		if strings.Count(a.Expr, "?") != len(a.Args) {
			return "", nil, fmt.Errorf("guarded transition %s: %s ожидает %d аргументов", t.Table, a.Column, strings.Count(a.Expr, "?"))
		}
		sets = append(sets, a.Column+" = "+a.Expr)
		args = append(args, a.Args...)
	}
	sets = append(sets, "updated_at = NOW()")

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? AND status::text = ANY(?)",
		t.Table, strings.Join(sets, ", "), key)
	args = append(args, t.ID, pq.Array(t.From))

	if t.Where != "" {
		if strings.Count(t.Where, "?") != len(t.WhereArgs) {
			return "", nil, fmt.Errorf("guarded transition %s: условие ожидает %d аргументов", t.Table, strings.Count(t.Where, "?"))
		}
		query += " AND (" + t.Where + ")"
		args = append(args, t.WhereArgs...)
	}
	query += " RETURNING *"

	return sqlx.Rebind(sqlx.DOLLAR, query), args, nil
}

// GuardedTransition выполняет условную запись и возвращает новую версию строки.
// Ноль затронутых строк даёт ErrTransitionRejected: вызывающий перечитывает строку,
// чтобы отличить отсутствие от конфликта статусов.
func GuardedTransition[T any](ctx context.Context, q sqlx.QueryerContext, t Transition) (*T, error) {
	query, args, err := t.Build()
	if err != nil {
		return nil, err
	}

	var entity T
	if err := sqlx.GetContext(ctx, q, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransitionRejected
		}
		return nil, fmt.Errorf("guarded transition %s: %w", t.Table, err)
	}
	return &entity, nil
}
