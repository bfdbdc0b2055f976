// Package reconciliation разбирает исключения доставки: частичную доставку
// с созданием заказа-переотправки, обработку возврата и эскалацию проблемы
// на подтверждение.
package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
)

// Engine — ReconciliationEngine.
type Engine struct {
	store   domain.Store
	ledger  *ledger.Ledger
	stock   *stock.Ledger
	pricing *pricing.Engine
	logger  *log.Entry
	metrics *metrics.FulfillmentMetrics
	now     func() time.Time
}

// NewEngine создаёт движок сверки.
func NewEngine(store domain.Store, l *ledger.Ledger, s *stock.Ledger, p *pricing.Engine, logger *log.Entry, m *metrics.FulfillmentMetrics) *Engine {
	if logger == nil {
		logger = log.New().WithField("component", "reconciliation-engine")
	}
	return &Engine{
		store:   store,
		ledger:  l,
		stock:   s,
		pricing: p,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FindResendOrders возвращает переотправки заказа: референс с суффиксом -R,
// тот же клиент и ссылка на исходный заказ.
func (e *Engine) FindResendOrders(ctx context.Context, originID string) ([]domain.Order, error) {
	origin, err := e.store.Orders().Get(ctx, originID)
	if err != nil {
		return nil, err
	}
	return findResends(ctx, e.store, origin)
}

func findResends(ctx context.Context, repos domain.Repositories, origin domain.Order) ([]domain.Order, error) {
	candidates, err := repos.Orders().ListByReferencePrefix(ctx, origin.Reference+domain.ResendSuffix)
	if err != nil {
		return nil, fmt.Errorf("list resend candidates: %w", err)
	}
	out := make([]domain.Order, 0, len(candidates))
	for _, o := range candidates {
		if o.IsResendOf(origin) {
			out = append(out, o)
		}
	}
	return out, nil
}

// restockable отделяет позиции с известными артикулами от отсутствующих в каталоге.
// Отсутствующие возвращаются предупреждениями и не блокируют операцию.
func (e *Engine) restockable(ctx context.Context, repos domain.Repositories, orderID string, entries []stock.Entry) ([]stock.Entry, []domain.DataConsistencyWarning, error) {
	if len(entries) == 0 {
		return nil, nil, nil
	}
	ids := make([]string, 0, len(entries))
	for _, en := range entries {
		ids = append(ids, en.ArticleID)
	}
	articles, err := repos.Articles().GetMany(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load articles: %w", err)
	}

	var (
		ok       []stock.Entry
		warnings []domain.DataConsistencyWarning
	)
	for _, en := range entries {
		if _, found := articles[en.ArticleID]; !found {
			warnings = append(warnings, domain.DataConsistencyWarning{
				OrderID:   orderID,
				ArticleID: en.ArticleID,
				Reason:    "article missing from catalog, stock not credited",
			})
			continue
		}
		ok = append(ok, en)
	}
	return ok, warnings, nil
}

func (e *Engine) logWarnings(operation string, warnings []domain.DataConsistencyWarning) {
	for _, w := range warnings {
		e.logger.WithFields(log.Fields{
			"operation":  operation,
			"order_id":   w.OrderID,
			"article_id": w.ArticleID,
		}).Warn(w.Reason)
	}
}

func (e *Engine) appendAudit(ctx context.Context, tx domain.Tx, orderID string, kind domain.AuditKind, actorID, stateID, conclusion string, payload any) (domain.AuditOperation, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.AuditOperation{}, fmt.Errorf("marshal audit payload: %w", err)
	}
	audit := domain.AuditOperation{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		Kind:       kind,
		OperatorID: actorID,
		StateID:    stateID,
		Conclusion: conclusion,
		Payload:    body,
		CreatedAt:  e.now(),
	}
	if err := tx.Audit().Append(ctx, audit); err != nil {
		return domain.AuditOperation{}, fmt.Errorf("append audit: %w", err)
	}
	return audit, nil
}

// operatorIndex загружает операторов для проверок предикатами истории.
func operatorIndex(ctx context.Context, repos domain.Repositories) (domain.OperatorLookup, error) {
	ops, err := repos.Operators().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	byID := make(map[string]domain.Operator, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}
	return func(id string) (domain.Operator, bool) {
		op, ok := byID[id]
		return op, ok
	}, nil
}

func result(err error) string {
	if err != nil {
		return "rejected"
	}
	return "ok"
}
