package memory

import (
	"context"
	"encoding/json"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type auditRepository struct {
	s  *Store
	tx *memTx
}

func (r *auditRepository) Append(_ context.Context, op domain.AuditOperation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.audit[op.ID]; exists {
		return &domain.InvariantViolationError{OrderID: op.OrderID, Detail: "audit operation " + op.ID + " already exists"}
	}
	r.s.audit[op.ID] = cloneAudit(op)
	r.s.auditSeq = append(r.s.auditSeq, op.ID)

	r.tx.record(func() {
		delete(r.s.audit, op.ID)
		r.s.auditSeq = r.s.auditSeq[:len(r.s.auditSeq)-1]
	})
	return nil
}

func (r *auditRepository) Get(_ context.Context, id string) (domain.AuditOperation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	op, ok := r.s.audit[id]
	if !ok {
		return domain.AuditOperation{}, domain.ErrAuditNotFound
	}
	return cloneAudit(op), nil
}

// ListByOrder возвращает записи в порядке добавления.
func (r *auditRepository) ListByOrder(_ context.Context, orderID string) ([]domain.AuditOperation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []domain.AuditOperation
	for _, id := range r.s.auditSeq {
		if op := r.s.audit[id]; op.OrderID == orderID {
			out = append(out, cloneAudit(op))
		}
	}
	return out, nil
}

func (r *auditRepository) UpdateConclusion(_ context.Context, edit domain.ConclusionEdit) (domain.AuditOperation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current, ok := r.s.audit[edit.AuditID]
	if !ok {
		return domain.AuditOperation{}, domain.ErrAuditNotFound
	}

	updated := cloneAudit(current)
	updated.PreviousConclusion = current.Conclusion
	updated.Conclusion = edit.Conclusion
	at := edit.At
	updated.EditedAt = &at
	updated.EditedBy = edit.EditorID
	r.s.audit[edit.AuditID] = updated

	r.tx.record(func() { r.s.audit[current.ID] = current })
	return cloneAudit(updated), nil
}

func cloneAudit(op domain.AuditOperation) domain.AuditOperation {
	if op.Payload != nil {
		op.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	if op.EditedAt != nil {
		at := *op.EditedAt
		op.EditedAt = &at
	}
	return op
}

var _ domain.AuditRepository = (*auditRepository)(nil)
