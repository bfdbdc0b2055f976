package assignment

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BulkFailure — отказ по одному заказу массового назначения.
type BulkFailure struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	Err     error  `json:"-"`
}

// BulkResult — итог BulkAssign. Каждый заказ фиксируется отдельной транзакцией.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkAssign назначает заказы одному оператору. Ошибка одного заказа не
// откатывает остальные; порядок результатов совпадает с порядком orderIDs.
func (e *Engine) BulkAssign(ctx context.Context, orderIDs []string, operatorID, actorID, comment string) BulkResult {
	errs := make([]error, len(orderIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.bulkConcurrency)
	for i, id := range orderIDs {
		g.Go(func() error {
			errs[i] = e.retrier.Do(gctx, "bulk_assign", id, func(ctx context.Context) error {
				_, err := e.Assign(ctx, Request{OrderID: id, OperatorID: operatorID, ActorID: actorID, Comment: comment})
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	res := BulkResult{Succeeded: make([]string, 0, len(orderIDs)), Failed: make([]BulkFailure, 0)}
	for i, id := range orderIDs {
		if errs[i] != nil {
			res.Failed = append(res.Failed, BulkFailure{OrderID: id, Reason: errs[i].Error(), Err: errs[i]})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}

	e.logger.WithFields(log.Fields{
		"operator_id": operatorID,
		"actor_id":    actorID,
		"succeeded":   len(res.Succeeded),
		"failed":      len(res.Failed),
	}).Info("bulk assignment finished")
	return res
}
