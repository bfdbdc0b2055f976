package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const orderColumns = `id, reference, client_ref, destination, origin_tag, origin_ref,
	upsell_counter, delivery_fee_minor, total_minor, return_disposition, version, created_at, updated_at`

type orderRepository struct {
	q querier
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ret, err := encodeReturn(order.Return)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		order.ID, order.Reference, order.ClientRef, order.Destination, order.OriginTag, order.OriginRef,
		order.UpsellCounter, order.DeliveryFeeMinor, order.TotalMinor, ret, order.Version,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "orders_pkey") {
			return domain.ErrOrderAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}

	return r.insertLines(ctx, order)
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	order, err := scanOrder(r.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	order.Lines, err = r.loadLines(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// Save обновляет заказ при совпадении версии и переписывает его позиции.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ret, err := encodeReturn(order.Return)
	if err != nil {
		return err
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET reference = $1,
		    client_ref = $2,
		    destination = $3,
		    origin_tag = $4,
		    origin_ref = $5,
		    upsell_counter = $6,
		    delivery_fee_minor = $7,
		    total_minor = $8,
		    return_disposition = $9,
		    version = version + 1,
		    updated_at = $10
		WHERE id = $11
		  AND version = $12
	`,
		order.Reference, order.ClientRef, order.Destination, order.OriginTag, order.OriginRef,
		order.UpsellCounter, order.DeliveryFeeMinor, order.TotalMinor, ret, order.UpdatedAt,
		order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.exists(ctx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	}

	if _, err := r.q.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = $1`, order.ID); err != nil {
		return fmt.Errorf("delete order lines: %w", err)
	}
	return r.insertLines(ctx, order)
}

func (r *orderRepository) ListByReferencePrefix(ctx context.Context, prefix string) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE reference LIKE $1
		ORDER BY created_at ASC, reference ASC
	`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list orders by reference: %w", err)
	}

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	// Позиции читаем после закрытия курсора: в транзакции нельзя держать два.
	for i := range orders {
		if orders[i].Lines, err = r.loadLines(ctx, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *orderRepository) insertLines(ctx context.Context, order domain.Order) error {
	for i, line := range order.Lines {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, position, article_id, quantity, subtotal_minor, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`,
			line.ID, order.ID, i, line.ArticleID, line.Quantity, line.SubtotalMinor, line.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
	}
	return nil
}

func (r *orderRepository) loadLines(ctx context.Context, orderID string) ([]domain.BasketLine, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, article_id, quantity, subtotal_minor, created_at
		FROM order_lines
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.BasketLine, 0)
	for rows.Next() {
		var line domain.BasketLine
		if err := rows.Scan(&line.ID, &line.ArticleID, &line.Quantity, &line.SubtotalMinor, &line.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order lines: %w", err)
	}
	return lines, nil
}

func (r *orderRepository) exists(ctx context.Context, orderID string) (bool, error) {
	var id string
	err := r.q.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order domain.Order
		ret   []byte
	)
	if err := row.Scan(
		&order.ID, &order.Reference, &order.ClientRef, &order.Destination, &order.OriginTag, &order.OriginRef,
		&order.UpsellCounter, &order.DeliveryFeeMinor, &order.TotalMinor, &ret, &order.Version,
		&order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	if len(ret) > 0 {
		var disposition domain.ReturnDisposition
		if err := json.Unmarshal(ret, &disposition); err != nil {
			return domain.Order{}, fmt.Errorf("decode return disposition of %s: %w", order.ID, err)
		}
		order.Return = &disposition
	}
	return order, nil
}

func encodeReturn(r *domain.ReturnDisposition) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode return disposition: %w", err)
	}
	return raw, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

var _ domain.OrderRepository = (*orderRepository)(nil)
