package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type operatorRepository struct {
	s  *Store
	tx *memTx
}

func (r *operatorRepository) Save(_ context.Context, op domain.Operator) error {
	if op.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if !op.Role.Valid() {
		return &domain.ValidationError{Field: "role", Reason: "unknown role " + string(op.Role)}
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	prev, existed := r.s.operators[op.ID]
	r.s.operators[op.ID] = op
	r.tx.record(func() {
		if existed {
			r.s.operators[op.ID] = prev
			return
		}
		delete(r.s.operators, op.ID)
	})
	return nil
}

func (r *operatorRepository) Get(_ context.Context, id string) (domain.Operator, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	op, ok := r.s.operators[id]
	if !ok {
		return domain.Operator{}, domain.ErrOperatorNotFound
	}
	return op, nil
}

func (r *operatorRepository) List(_ context.Context) ([]domain.Operator, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]domain.Operator, 0, len(r.s.operators))
	for _, op := range r.s.operators {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *operatorRepository) ListActiveByRole(ctx context.Context, role domain.Role) ([]domain.Operator, error) {
	all, _ := r.List(ctx)
	out := make([]domain.Operator, 0, len(all))
	for _, op := range all {
		if op.Active && op.Role == role {
			out = append(out, op)
		}
	}
	return out, nil
}

var _ domain.OperatorRepository = (*operatorRepository)(nil)
