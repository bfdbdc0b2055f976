package domain

import "time"

// MovementKind — причина движения остатка.
type MovementKind string

const (
	MovementReceipt        MovementKind = "receipt"
	MovementAdjustment     MovementKind = "adjustment"
	MovementShipment       MovementKind = "shipment"
	MovementRestockPartial MovementKind = "restock_partial_delivery"
	MovementRestockReturn  MovementKind = "restock_return"
)

// Valid проверяет, что причина известна.
func (k MovementKind) Valid() bool {
	switch k {
	case MovementReceipt, MovementAdjustment, MovementShipment, MovementRestockPartial, MovementRestockReturn:
		return true
	default:
		return false
	}
}

// StockMovement — запись журнала остатков. Resulting — остаток после применения Delta.
type StockMovement struct {
	ID         string
	ArticleID  string
	Delta      int
	Resulting  int
	Kind       MovementKind
	OrderID    string
	OperatorID string
	Comment    string
	CreatedAt  time.Time
}
