package domain

// StatePredicate отбирает записи истории при обратном поиске по ledger.
type StatePredicate func(OrderState) bool

// KindIs совпадает с любым из перечисленных типов состояния.
func KindIs(kinds ...StateKind) StatePredicate {
	return func(s OrderState) bool {
		for _, k := range kinds {
			if s.Kind == k {
				return true
			}
		}
		return false
	}
}

// HasOperator совпадает с состояниями, у которых задан оператор.
func HasOperator() StatePredicate {
	return func(s OrderState) bool {
		return s.OperatorID != ""
	}
}

// OperatorIs совпадает с состояниями конкретного оператора.
func OperatorIs(operatorID string) StatePredicate {
	return func(s OrderState) bool {
		return s.OperatorID == operatorID
	}
}

// OperatorLookup разрешает оператора по ID.
type OperatorLookup func(id string) (Operator, bool)

// OperatorInRole совпадает, если оператор состояния сейчас активен в роли role.
// Роль проверяется по текущей карточке оператора, а не по типу состояния.
func OperatorInRole(lookup OperatorLookup, role Role) StatePredicate {
	return func(s OrderState) bool {
		if s.OperatorID == "" || lookup == nil {
			return false
		}
		op, ok := lookup(s.OperatorID)
		return ok && op.Active && op.Role == role
	}
}

// Open совпадает с открытыми состояниями.
func Open() StatePredicate {
	return func(s OrderState) bool { return s.IsOpen() }
}

// All — конъюнкция предикатов.
func All(preds ...StatePredicate) StatePredicate {
	return func(s OrderState) bool {
		for _, p := range preds {
			if !p(s) {
				return false
			}
		}
		return true
	}
}

// Any — дизъюнкция предикатов.
func Any(preds ...StatePredicate) StatePredicate {
	return func(s OrderState) bool {
		for _, p := range preds {
			if p(s) {
				return true
			}
		}
		return false
	}
}

// Not инвертирует предикат.
func Not(p StatePredicate) StatePredicate {
	return func(s OrderState) bool { return !p(s) }
}

// FindEarliest возвращает первую запись истории, удовлетворяющую предикату.
// history должна быть упорядочена по возрастанию Seq.
func FindEarliest(history []OrderState, pred StatePredicate) (OrderState, bool) {
	for _, s := range history {
		if pred(s) {
			return s, true
		}
	}
	return OrderState{}, false
}

// FindLatest возвращает последнюю запись истории, удовлетворяющую предикату.
func FindLatest(history []OrderState, pred StatePredicate) (OrderState, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if pred(history[i]) {
			return history[i], true
		}
	}
	return OrderState{}, false
}
