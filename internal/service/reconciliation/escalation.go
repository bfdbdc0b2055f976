package reconciliation

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/telemetry"
)

// EscalationRequest — возврат проблемного заказа на подтверждение.
type EscalationRequest struct {
	OrderID string
	ActorID string
	Comment string
}

// EscalationResult — итог эскалации. ConfirmerID пуст, если подтверждавший
// оператор не найден или больше не активен.
type EscalationResult struct {
	State       domain.OrderState
	Audit       domain.AuditOperation
	ConfirmerID string
}

type escalationPayload struct {
	From        domain.StateKind `json:"from_state"`
	ConfirmerID string           `json:"confirmer_id,omitempty"`
	ActorID     string           `json:"actor_id"`
}

// EscalateProblem открывает return_to_confirmation на операторе, который
// первым работал с заказом в пуле подтверждения.
func (e *Engine) EscalateProblem(ctx context.Context, req EscalationRequest) (EscalationResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconciliation.escalate",
		telemetry.OrderID(req.OrderID), telemetry.OperatorID(req.ActorID))
	started := time.Now()

	var res EscalationResult
	err := e.store.InTx(ctx, domain.LockScope{Orders: []string{req.OrderID}}, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.Orders().Get(ctx, req.OrderID)
		if err != nil {
			return err
		}
		current, err := e.ledger.CurrentIn(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return &domain.InvalidTransitionError{OrderID: order.ID, To: domain.StateReturnToConfirmation, Reason: "order has no open state"}
		}

		lookup, err := operatorIndex(ctx, tx)
		if err != nil {
			return err
		}
		confirmer, found, err := e.ledger.FindEarliest(ctx, tx, order.ID, domain.OperatorInRole(lookup, domain.RoleConfirmation))
		if err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		if found {
			res.ConfirmerID = confirmer.OperatorID
		}

		change, err := e.ledger.Move(ctx, tx, order, domain.StateReturnToConfirmation, res.ConfirmerID, req.ActorID, req.Comment)
		if err != nil {
			return err
		}
		res.State = change.Opened

		payload := escalationPayload{From: current.Kind, ConfirmerID: res.ConfirmerID, ActorID: req.ActorID}
		res.Audit, err = e.appendAudit(ctx, tx, order.ID, domain.AuditProblemEscalated, req.ActorID, change.Opened.ID, req.Comment, payload)
		if err != nil {
			return err
		}
		return events.Order(ctx, tx, order.ID, events.OrderProblemEscalated, payload)
	})
	telemetry.End(span, err)
	e.metrics.ObserveOperation("escalate", time.Since(started))
	e.metrics.RecordReconciliation("escalation", result(err))
	if err != nil {
		if domain.IsRetryable(err) {
			e.metrics.RecordContention("escalate")
		}
		return EscalationResult{}, err
	}

	entry := e.logger.WithFields(log.Fields{
		"order_id":     req.OrderID,
		"confirmer_id": res.ConfirmerID,
		"actor_id":     req.ActorID,
	})
	if res.ConfirmerID == "" {
		entry.Warn("problem escalated without a confirming operator")
	} else {
		entry.Info("problem escalated")
	}
	return res, nil
}
