package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const stateColumns = `seq, id, order_id, kind, started_at, ended_at, operator_id, closed_by, comment`

type stateRepository struct {
	q querier
}

// Append вставляет запись. Вторую открытую запись заказа отклоняет
// частичный уникальный индекс ux_order_states_one_open.
func (r *stateRepository) Append(ctx context.Context, state domain.OrderState) (domain.OrderState, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := r.q.QueryRowContext(ctx, `
		INSERT INTO order_states (id, order_id, kind, started_at, ended_at, operator_id, closed_by, comment)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING seq
	`,
		state.ID, state.OrderID, string(state.Kind), state.StartedAt, state.EndedAt,
		state.OperatorID, state.ClosedBy, state.Comment,
	).Scan(&state.Seq)
	if err != nil {
		if isUniqueViolation(err, oneOpenStateIndex) {
			open, openErr := r.Open(ctx, state.OrderID)
			ids := make([]string, 0, len(open)+1)
			if openErr == nil {
				for _, st := range open {
					ids = append(ids, st.ID)
				}
			}
			return domain.OrderState{}, &domain.InvariantViolationError{
				OrderID:      state.OrderID,
				OpenStateIDs: append(ids, state.ID),
				Detail:       "open state already exists",
			}
		}
		return domain.OrderState{}, fmt.Errorf("insert order state: %w", err)
	}
	return state, nil
}

func (r *stateRepository) Close(ctx context.Context, stateID string, endedAt time.Time, closedBy string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var orderID string
	err := r.q.QueryRowContext(ctx, `
		UPDATE order_states
		SET ended_at = $2, closed_by = $3
		WHERE id = $1 AND ended_at IS NULL
		RETURNING order_id
	`, stateID, endedAt, closedBy).Scan(&orderID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("close order state: %w", err)
	}

	err = r.q.QueryRowContext(ctx, `SELECT order_id FROM order_states WHERE id = $1`, stateID).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrStateNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup order state: %w", err)
	}
	return &domain.InvariantViolationError{OrderID: orderID, Detail: "state " + stateID + " is already closed"}
}

func (r *stateRepository) History(ctx context.Context, orderID string) ([]domain.OrderState, error) {
	return r.list(ctx, `SELECT `+stateColumns+` FROM order_states WHERE order_id = $1 ORDER BY seq ASC`, orderID)
}

func (r *stateRepository) Open(ctx context.Context, orderID string) ([]domain.OrderState, error) {
	return r.list(ctx, `SELECT `+stateColumns+` FROM order_states WHERE order_id = $1 AND ended_at IS NULL ORDER BY seq ASC`, orderID)
}

func (r *stateRepository) ListOpenByKinds(ctx context.Context, kinds ...domain.StateKind) ([]domain.OrderState, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	raw := make([]string, 0, len(kinds))
	for _, k := range kinds {
		raw = append(raw, string(k))
	}
	return r.list(ctx, `SELECT `+stateColumns+` FROM order_states WHERE ended_at IS NULL AND kind = ANY($1) ORDER BY seq ASC`, raw)
}

func (r *stateRepository) OrdersWithMultipleOpen(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT order_id
		FROM order_states
		WHERE ended_at IS NULL
		GROUP BY order_id
		HAVING COUNT(*) > 1
		ORDER BY order_id
	`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.q.QueryContext(ctx, query+" LIMIT $1", limit)
	} else {
		rows, err = r.q.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("find orders with multiple open states: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order ids: %w", err)
	}
	return out, nil
}

func (r *stateRepository) list(ctx context.Context, query string, args ...any) ([]domain.OrderState, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query order states: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderState
	for rows.Next() {
		var (
			st    domain.OrderState
			kind  string
			ended sql.NullTime
		)
		if err := rows.Scan(&st.Seq, &st.ID, &st.OrderID, &kind, &st.StartedAt, &ended, &st.OperatorID, &st.ClosedBy, &st.Comment); err != nil {
			return nil, fmt.Errorf("scan order state: %w", err)
		}
		st.Kind = domain.StateKind(kind)
		if ended.Valid {
			t := ended.Time
			st.EndedAt = &t
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order states: %w", err)
	}
	return out, nil
}

var _ domain.StateRepository = (*stateRepository)(nil)
