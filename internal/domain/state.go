package domain

import "time"

// StateKind — этап, на котором находится заказ.
type StateKind string

const (
	StateNew                  StateKind = "new"
	StateToConfirm            StateKind = "to_confirm"
	StateConfirmed            StateKind = "confirmed"
	StateCanceled             StateKind = "canceled"
	StateToPrint              StateKind = "to_print"
	StateInPreparation        StateKind = "in_preparation"
	StateCollected            StateKind = "collected"
	StatePacked               StateKind = "packed"
	StatePrepared             StateKind = "prepared"
	StateInDelivery           StateKind = "in_delivery"
	StateDelivered            StateKind = "delivered"
	StatePartiallyDelivered   StateKind = "partially_delivered"
	StateReturned             StateKind = "returned"
	StateReturnToConfirmation StateKind = "return_to_confirmation"
)

// OrderState — одна запись временной истории заказа. Открыта, пока EndedAt == nil.
type OrderState struct {
	ID         string
	OrderID    string
	Kind       StateKind
	StartedAt  time.Time
	EndedAt    *time.Time
	OperatorID string
	// ClosedBy — оператор, закрывший состояние.
	ClosedBy string
	Comment  string
	// Seq задаёт порядок записей внутри истории одного заказа.
	Seq int64
}

// IsOpen сообщает, что состояние ещё не закрыто.
func (s OrderState) IsOpen() bool {
	return s.EndedAt == nil
}

// transitions — ориентированный граф допустимых переходов.
// Петли (ToConfirm, InPreparation, InDelivery) используются для переназначения.
var transitions = map[StateKind][]StateKind{
	StateNew:                  {StateToConfirm, StateConfirmed, StateCanceled},
	StateToConfirm:            {StateToConfirm, StateConfirmed, StateCanceled},
	StateReturnToConfirmation: {StateToConfirm, StateConfirmed, StateCanceled},
	StateConfirmed:            {StateToPrint, StateInPreparation, StateCanceled},
	StateToPrint:              {StateInPreparation},
	StateInPreparation:        {StateInPreparation, StateCollected, StateReturnToConfirmation},
	StateCollected:            {StatePacked, StateReturnToConfirmation},
	StatePacked:               {StatePrepared, StateInDelivery, StateReturnToConfirmation},
	StatePrepared:             {StateInDelivery},
	StateInDelivery:           {StateInDelivery, StateDelivered, StatePartiallyDelivered, StateReturned, StateInPreparation},
}

// CanTransition проверяет ребро графа from -> to.
func CanTransition(from, to StateKind) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStates возвращает допустимые состояния после from.
func NextStates(from StateKind) []StateKind {
	out := make([]StateKind, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// CanStart проверяет, каким состоянием может начинаться история заказа.
// Переотправка продолжает историю исходного заказа после partially_delivered
// и поэтому стартует сразу со сборки.
func CanStart(kind StateKind, derived bool) bool {
	if kind == StateNew {
		return true
	}
	return derived && kind == StateInPreparation
}

// IsTerminal сообщает, что из состояния нет исходящих рёбер.
func IsTerminal(kind StateKind) bool {
	return len(transitions[kind]) == 0
}

// Valid проверяет, что тип состояния известен.
func (k StateKind) Valid() bool {
	switch k {
	case StateNew, StateToConfirm, StateConfirmed, StateCanceled, StateToPrint,
		StateInPreparation, StateCollected, StatePacked, StatePrepared, StateInDelivery,
		StateDelivered, StatePartiallyDelivered, StateReturned, StateReturnToConfirmation:
		return true
	default:
		return false
	}
}
