package stock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
)

// Entry — запрос на движение остатка.
type Entry struct {
	ArticleID  string
	Delta      int
	Kind       domain.MovementKind
	OrderID    string
	OperatorID string
	Comment    string
}

// Ledger — единственный писатель остатков. Кэш Article.StockQuantity и журнал
// движений меняются в одной транзакции под блокировкой строки артикула.
type Ledger struct {
	store   domain.Store
	logger  *log.Entry
	metrics *metrics.FulfillmentMetrics
	now     func() time.Time
}

// New создаёт складской ledger.
func New(store domain.Store, logger *log.Entry, m *metrics.FulfillmentMetrics) *Ledger {
	if logger == nil {
		logger = log.New().WithField("component", "stock-ledger")
	}
	return &Ledger{
		store:   store,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record применяет одно движение внутри транзакции вызывающего.
func (l *Ledger) Record(ctx context.Context, tx domain.Tx, e Entry) (domain.StockMovement, error) {
	movements, err := l.RecordBatch(ctx, tx, []Entry{e})
	if err != nil {
		return domain.StockMovement{}, err
	}
	return movements[0], nil
}

// RecordBatch применяет движения атомарно. Все нехватки собираются и
// возвращаются одной InsufficientStockError до любой записи.
func (l *Ledger) RecordBatch(ctx context.Context, tx domain.Tx, entries []Entry) ([]domain.StockMovement, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(entries))
	requested := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.ArticleID == "" {
			return nil, &domain.ValidationError{Field: "article_id", Reason: "is required"}
		}
		if e.Delta == 0 {
			return nil, &domain.ValidationError{Field: "delta", Reason: "must not be zero"}
		}
		if !e.Kind.Valid() {
			return nil, &domain.ValidationError{Field: "kind", Reason: "unknown movement kind " + string(e.Kind)}
		}
		if _, seen := requested[e.ArticleID]; !seen {
			ids = append(ids, e.ArticleID)
		}
		requested[e.ArticleID] += e.Delta
	}

	if err := tx.LockArticles(ctx, ids...); err != nil {
		return nil, err
	}
	articles, err := tx.Articles().GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load articles: %w", err)
	}

	var shortfalls []domain.StockShortfall
	for _, id := range ids {
		article, ok := articles[id]
		if !ok {
			return nil, fmt.Errorf("article %s: %w", id, domain.ErrArticleNotFound)
		}
		if delta := requested[id]; article.StockQuantity+delta < 0 {
			shortfalls = append(shortfalls, domain.StockShortfall{
				ArticleID: id,
				Requested: -delta,
				Available: article.StockQuantity,
			})
		}
	}
	if len(shortfalls) > 0 {
		sort.Slice(shortfalls, func(i, j int) bool { return shortfalls[i].ArticleID < shortfalls[j].ArticleID })
		return nil, &domain.InsufficientStockError{Shortfalls: shortfalls}
	}

	running := make(map[string]int, len(ids))
	for _, id := range ids {
		running[id] = articles[id].StockQuantity
	}

	out := make([]domain.StockMovement, 0, len(entries))
	for _, e := range entries {
		running[e.ArticleID] += e.Delta
		mv := domain.StockMovement{
			ID:         uuid.NewString(),
			ArticleID:  e.ArticleID,
			Delta:      e.Delta,
			Resulting:  running[e.ArticleID],
			Kind:       e.Kind,
			OrderID:    e.OrderID,
			OperatorID: e.OperatorID,
			Comment:    e.Comment,
			CreatedAt:  l.now(),
		}
		if err := tx.Movements().Append(ctx, mv); err != nil {
			return nil, fmt.Errorf("append movement: %w", err)
		}
		if err := events.Enqueue(ctx, tx.Outbox(), events.AggregateArticle, e.ArticleID, events.StockMoved, events.StockMovement{
			MovementID: mv.ID,
			ArticleID:  mv.ArticleID,
			Delta:      mv.Delta,
			Resulting:  mv.Resulting,
			Kind:       mv.Kind,
			OrderID:    mv.OrderID,
		}); err != nil {
			return nil, err
		}
		out = append(out, mv)
	}

	for _, id := range ids {
		if err := tx.Articles().UpdateStock(ctx, id, running[id]); err != nil {
			return nil, fmt.Errorf("update stock %s: %w", id, err)
		}
	}

	tx.AfterCommit(func() {
		for _, mv := range out {
			l.metrics.RecordStockMovement(string(mv.Kind))
		}
	})
	return out, nil
}

// Adjust — ручное движение (приход, инвентаризация) в собственной транзакции.
func (l *Ledger) Adjust(ctx context.Context, e Entry) (domain.StockMovement, error) {
	var mv domain.StockMovement
	err := l.store.InTx(ctx, domain.LockScope{Articles: []string{e.ArticleID}}, func(ctx context.Context, tx domain.Tx) error {
		var err error
		mv, err = l.Record(ctx, tx, e)
		return err
	})
	if err != nil {
		if domain.IsRetryable(err) {
			l.metrics.RecordContention("stock_adjust")
		}
		return domain.StockMovement{}, err
	}

	l.logger.WithFields(log.Fields{
		"article_id":  e.ArticleID,
		"delta":       e.Delta,
		"resulting":   mv.Resulting,
		"operator_id": e.OperatorID,
	}).Info("stock adjusted")
	return mv, nil
}

// CurrentQuantity возвращает текущий остаток артикула.
func (l *Ledger) CurrentQuantity(ctx context.Context, articleID string) (int, error) {
	article, err := l.store.Articles().Get(ctx, articleID)
	if err != nil {
		return 0, err
	}
	return article.StockQuantity, nil
}

// Movements возвращает последние limit движений артикула.
func (l *Ledger) Movements(ctx context.Context, articleID string, limit int) ([]domain.StockMovement, error) {
	if _, err := l.store.Articles().Get(ctx, articleID); err != nil {
		return nil, err
	}
	return l.store.Movements().ListByArticle(ctx, articleID, limit)
}
