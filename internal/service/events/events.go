// Package events складывает доменные события в transactional outbox
// в той же транзакции, что и изменение, которое они описывают.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Type — тип события в outbox.
type Type string

const (
	OrderCreated            Type = "order.created"
	OrderBasketChanged      Type = "order.basket_changed"
	OrderStateChanged       Type = "order.state_changed"
	OrderAssigned           Type = "order.assigned"
	OrderPartiallyDelivered Type = "order.partially_delivered"
	OrderResendCreated      Type = "order.resend_created"
	OrderReturnProcessed    Type = "order.return_processed"
	OrderProblemEscalated   Type = "order.problem_escalated"
	OrderStateRepaired      Type = "order.state_repaired"
	AuditConclusionEdited   Type = "audit.conclusion_edited"
	StockMoved              Type = "stock.moved"
)

const (
	AggregateOrder   = "order"
	AggregateArticle = "article"
	AggregateAudit   = "audit"
)

// StateChanged — полезная нагрузка перехода состояния.
type StateChanged struct {
	OrderID    string           `json:"order_id"`
	From       domain.StateKind `json:"from,omitempty"`
	To         domain.StateKind `json:"to"`
	StateID    string           `json:"state_id"`
	OperatorID string           `json:"operator_id,omitempty"`
	ActorID    string           `json:"actor_id,omitempty"`
	At         time.Time        `json:"at"`
}

// Assigned — полезная нагрузка назначения.
type Assigned struct {
	OrderID      string           `json:"order_id"`
	Role         domain.Role      `json:"role"`
	OperatorID   string           `json:"operator_id"`
	PrevOperator string           `json:"previous_operator_id,omitempty"`
	ActorID      string           `json:"actor_id"`
	Kind         domain.AuditKind `json:"kind"`
	AuditID      string           `json:"audit_id"`
}

// StockMovement — полезная нагрузка движения остатка.
type StockMovement struct {
	MovementID string              `json:"movement_id"`
	ArticleID  string              `json:"article_id"`
	Delta      int                 `json:"delta"`
	Resulting  int                 `json:"resulting"`
	Kind       domain.MovementKind `json:"kind"`
	OrderID    string              `json:"order_id,omitempty"`
}

// Enqueue сериализует payload и ставит событие в outbox транзакции.
func Enqueue(ctx context.Context, repo domain.OutboxRepository, aggregateType, aggregateID string, eventType Type, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	_, err = repo.Enqueue(ctx, domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     string(eventType),
		Payload:       body,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}

// Order ставит событие агрегата заказа.
func Order(ctx context.Context, tx domain.Tx, orderID string, eventType Type, payload any) error {
	return Enqueue(ctx, tx.Outbox(), AggregateOrder, orderID, eventType, payload)
}
