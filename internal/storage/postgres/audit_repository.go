package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const auditColumns = `id, order_id, kind, operator_id, state_id, conclusion, payload, created_at, edited_at, edited_by, previous_conclusion`

type auditRepository struct {
	q querier
}

func (r *auditRepository) Append(ctx context.Context, op domain.AuditOperation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var payload []byte
	if len(op.Payload) > 0 {
		payload = op.Payload
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO audit_operations (`+auditColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		op.ID, op.OrderID, string(op.Kind), op.OperatorID, op.StateID, op.Conclusion, payload,
		op.CreatedAt, op.EditedAt, op.EditedBy, op.PreviousConclusion,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return &domain.InvariantViolationError{OrderID: op.OrderID, Detail: "audit operation " + op.ID + " already exists"}
		}
		return fmt.Errorf("insert audit operation: %w", err)
	}
	return nil
}

func (r *auditRepository) Get(ctx context.Context, id string) (domain.AuditOperation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	op, err := scanAudit(r.q.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_operations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuditOperation{}, domain.ErrAuditNotFound
	}
	if err != nil {
		return domain.AuditOperation{}, fmt.Errorf("select audit operation: %w", err)
	}
	return op, nil
}

func (r *auditRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.AuditOperation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_operations WHERE order_id = $1 ORDER BY seq ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list audit operations: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditOperation
	for rows.Next() {
		op, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit operations: %w", err)
	}
	return out, nil
}

// UpdateConclusion переносит текущий текст в previous_conclusion одним UPDATE.
func (r *auditRepository) UpdateConclusion(ctx context.Context, edit domain.ConclusionEdit) (domain.AuditOperation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	op, err := scanAudit(r.q.QueryRowContext(ctx, `
		UPDATE audit_operations
		SET previous_conclusion = conclusion,
		    conclusion = $2,
		    edited_at = $3,
		    edited_by = $4
		WHERE id = $1
		RETURNING `+auditColumns,
		edit.AuditID, edit.Conclusion, edit.At, edit.EditorID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuditOperation{}, domain.ErrAuditNotFound
	}
	if err != nil {
		return domain.AuditOperation{}, fmt.Errorf("update audit conclusion: %w", err)
	}
	return op, nil
}

func scanAudit(row rowScanner) (domain.AuditOperation, error) {
	var (
		op      domain.AuditOperation
		kind    string
		payload []byte
		edited  sql.NullTime
	)
	if err := row.Scan(&op.ID, &op.OrderID, &kind, &op.OperatorID, &op.StateID, &op.Conclusion, &payload,
		&op.CreatedAt, &edited, &op.EditedBy, &op.PreviousConclusion); err != nil {
		return domain.AuditOperation{}, err
	}
	op.Kind = domain.AuditKind(kind)
	if len(payload) > 0 {
		op.Payload = append([]byte(nil), payload...)
	}
	if edited.Valid {
		t := edited.Time
		op.EditedAt = &t
	}
	return op, nil
}

var _ domain.AuditRepository = (*auditRepository)(nil)
