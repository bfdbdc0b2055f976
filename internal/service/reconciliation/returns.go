package reconciliation

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
	"github.com/vladislavdragonenkov/fulfillment/internal/telemetry"
)

// ReturnRequest — решение по вернувшемуся заказу.
type ReturnRequest struct {
	OrderID   string
	ActorID   string
	Resend    bool
	Condition domain.ReturnCondition
	Comment   string
}

// ReturnResult — итог обработки возврата.
type ReturnResult struct {
	Order     domain.Order
	Movements []domain.StockMovement
	Warnings  []domain.DataConsistencyWarning
}

type returnPayload struct {
	OrderID   string                 `json:"order_id"`
	Resend    bool                   `json:"resend"`
	Condition domain.ReturnCondition `json:"condition"`
	Restocked bool                   `json:"restocked"`
	ActorID   string                 `json:"actor_id"`
}

// ProcessReturn отмечает решение по заказу в состоянии returned. Состояние
// не меняется и заказ не делится. При пометке resend и годном товаре
// все позиции возвращаются на склад.
func (e *Engine) ProcessReturn(ctx context.Context, req ReturnRequest) (ReturnResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconciliation.process_return",
		telemetry.OrderID(req.OrderID), telemetry.OperatorID(req.ActorID))
	started := time.Now()

	var res ReturnResult
	err := e.store.InTx(ctx, domain.LockScope{Orders: []string{req.OrderID}}, func(ctx context.Context, tx domain.Tx) error {
		var err error
		res, err = e.processReturnTx(ctx, tx, req)
		return err
	})
	telemetry.End(span, err)
	e.metrics.ObserveOperation("process_return", time.Since(started))
	e.metrics.RecordReconciliation("return", result(err))
	if err != nil {
		if domain.IsRetryable(err) {
			e.metrics.RecordContention("process_return")
		}
		return ReturnResult{}, err
	}

	e.logWarnings("process_return", res.Warnings)
	e.logger.WithFields(log.Fields{
		"order_id":  req.OrderID,
		"resend":    req.Resend,
		"condition": req.Condition,
		"restocked": res.Order.Return.Restocked,
		"actor_id":  req.ActorID,
	}).Info("return processed")
	return res, nil
}

func (e *Engine) processReturnTx(ctx context.Context, tx domain.Tx, req ReturnRequest) (ReturnResult, error) {
	if !req.Condition.Valid() {
		return ReturnResult{}, &domain.ValidationError{Field: "condition", Reason: "must be good or damaged"}
	}
	order, err := tx.Orders().Get(ctx, req.OrderID)
	if err != nil {
		return ReturnResult{}, err
	}
	if order.Return != nil {
		return ReturnResult{}, fmt.Errorf("order %s: %w", order.ID, domain.ErrAlreadyReconciled)
	}

	current, err := e.ledger.CurrentIn(ctx, tx, order.ID)
	if err != nil {
		return ReturnResult{}, err
	}
	if current == nil || current.Kind != domain.StateReturned {
		from := domain.StateKind("")
		if current != nil {
			from = current.Kind
		}
		return ReturnResult{}, &domain.InvalidTransitionError{
			OrderID: order.ID, From: from, To: domain.StateReturned,
			Reason: "return processing requires an order in returned state",
		}
	}

	var (
		movements []domain.StockMovement
		warnings  []domain.DataConsistencyWarning
	)
	if req.Resend && req.Condition == domain.ConditionGood {
		entries := make([]stock.Entry, 0, len(order.Lines))
		for _, line := range order.Lines {
			entries = append(entries, stock.Entry{
				ArticleID:  line.ArticleID,
				Delta:      line.Quantity,
				Kind:       domain.MovementRestockReturn,
				OrderID:    order.ID,
				OperatorID: req.ActorID,
				Comment:    "return " + order.Reference,
			})
		}
		entries, warnings, err = e.restockable(ctx, tx, order.ID, entries)
		if err != nil {
			return ReturnResult{}, err
		}
		movements, err = e.stock.RecordBatch(ctx, tx, entries)
		if err != nil {
			return ReturnResult{}, err
		}
	}

	order.Return = &domain.ReturnDisposition{
		Resend:      req.Resend,
		Condition:   req.Condition,
		Restocked:   len(movements) > 0,
		OperatorID:  req.ActorID,
		Comment:     req.Comment,
		ProcessedAt: e.now(),
	}
	order.UpdatedAt = e.now()
	if err := tx.Orders().Save(ctx, order); err != nil {
		return ReturnResult{}, err
	}
	order.Version++

	if err := events.Order(ctx, tx, order.ID, events.OrderReturnProcessed, returnPayload{
		OrderID:   order.ID,
		Resend:    req.Resend,
		Condition: req.Condition,
		Restocked: order.Return.Restocked,
		ActorID:   req.ActorID,
	}); err != nil {
		return ReturnResult{}, err
	}
	return ReturnResult{Order: order, Movements: movements, Warnings: warnings}, nil
}
