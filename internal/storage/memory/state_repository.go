package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// stateRepository хранит историю состояний по заказам в порядке Seq.
type stateRepository struct {
	s  *Store
	tx *memTx
}

// Append отклоняет второе открытое состояние так же, как частичный уникальный индекс в Postgres.
func (r *stateRepository) Append(_ context.Context, state domain.OrderState) (domain.OrderState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	history := r.s.states[state.OrderID]
	if state.IsOpen() {
		var open []string
		for _, st := range history {
			if st.IsOpen() {
				open = append(open, st.ID)
			}
		}
		if len(open) > 0 {
			return domain.OrderState{}, &domain.InvariantViolationError{
				OrderID:      state.OrderID,
				OpenStateIDs: append(open, state.ID),
				Detail:       "open state already exists",
			}
		}
	}

	r.s.stateSeq++
	state.Seq = r.s.stateSeq
	r.s.states[state.OrderID] = append(history, cloneState(state))

	orderID := state.OrderID
	r.tx.record(func() {
		h := r.s.states[orderID]
		if len(h) > 0 {
			h = h[:len(h)-1]
		}
		if len(h) == 0 {
			delete(r.s.states, orderID)
			return
		}
		r.s.states[orderID] = h
	})
	return cloneState(state), nil
}

func (r *stateRepository) Close(_ context.Context, stateID string, endedAt time.Time, closedBy string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for orderID, history := range r.s.states {
		for i := range history {
			if history[i].ID != stateID {
				continue
			}
			if !history[i].IsOpen() {
				return &domain.InvariantViolationError{OrderID: orderID, Detail: "state " + stateID + " is already closed"}
			}
			prev := cloneState(history[i])
			ended := endedAt
			history[i].EndedAt = &ended
			history[i].ClosedBy = closedBy

			idx := i
			oid := orderID
			r.tx.record(func() { r.s.states[oid][idx] = prev })
			return nil
		}
	}
	return domain.ErrStateNotFound
}

func (r *stateRepository) History(_ context.Context, orderID string) ([]domain.OrderState, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	history := r.s.states[orderID]
	out := make([]domain.OrderState, 0, len(history))
	for _, st := range history {
		out = append(out, cloneState(st))
	}
	return out, nil
}

func (r *stateRepository) Open(_ context.Context, orderID string) ([]domain.OrderState, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []domain.OrderState
	for _, st := range r.s.states[orderID] {
		if st.IsOpen() {
			out = append(out, cloneState(st))
		}
	}
	return out, nil
}

func (r *stateRepository) ListOpenByKinds(_ context.Context, kinds ...domain.StateKind) ([]domain.OrderState, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	match := domain.KindIs(kinds...)
	var out []domain.OrderState
	for _, history := range r.s.states {
		for _, st := range history {
			if st.IsOpen() && match(st) {
				out = append(out, cloneState(st))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *stateRepository) OrdersWithMultipleOpen(_ context.Context, limit int) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []string
	for orderID, history := range r.s.states {
		open := 0
		for _, st := range history {
			if st.IsOpen() {
				open++
			}
		}
		if open > 1 {
			out = append(out, orderID)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneState(st domain.OrderState) domain.OrderState {
	if st.EndedAt != nil {
		ended := *st.EndedAt
		st.EndedAt = &ended
	}
	return st
}

var _ domain.StateRepository = (*stateRepository)(nil)
