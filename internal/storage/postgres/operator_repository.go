package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type operatorRepository struct {
	q querier
}

// Save создаёт или обновляет учётную запись оператора.
func (r *operatorRepository) Save(ctx context.Context, op domain.Operator) error {
	if op.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if !op.Role.Valid() {
		return &domain.ValidationError{Field: "role", Reason: "unknown role " + string(op.Role)}
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO operators (id, name, role, supervisor, active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    role = EXCLUDED.role,
		    supervisor = EXCLUDED.supervisor,
		    active = EXCLUDED.active
	`, op.ID, op.Name, string(op.Role), op.Supervisor, op.Active)
	if err != nil {
		return fmt.Errorf("upsert operator: %w", err)
	}
	return nil
}

func (r *operatorRepository) Get(ctx context.Context, id string) (domain.Operator, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	op, err := scanOperator(r.q.QueryRowContext(ctx, `SELECT id, name, role, supervisor, active FROM operators WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Operator{}, domain.ErrOperatorNotFound
	}
	if err != nil {
		return domain.Operator{}, fmt.Errorf("select operator: %w", err)
	}
	return op, nil
}

func (r *operatorRepository) List(ctx context.Context) ([]domain.Operator, error) {
	return r.list(ctx, `SELECT id, name, role, supervisor, active FROM operators ORDER BY id`)
}

func (r *operatorRepository) ListActiveByRole(ctx context.Context, role domain.Role) ([]domain.Operator, error) {
	return r.list(ctx, `SELECT id, name, role, supervisor, active FROM operators WHERE role = $1 AND active ORDER BY id`, string(role))
}

func (r *operatorRepository) list(ctx context.Context, query string, args ...any) ([]domain.Operator, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Operator, 0)
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operator: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operators: %w", err)
	}
	return out, nil
}

func scanOperator(row rowScanner) (domain.Operator, error) {
	var (
		op   domain.Operator
		role string
	)
	if err := row.Scan(&op.ID, &op.Name, &role, &op.Supervisor, &op.Active); err != nil {
		return domain.Operator{}, err
	}
	op.Role = domain.Role(role)
	return op, nil
}

var _ domain.OperatorRepository = (*operatorRepository)(nil)
