package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
)

// LineDraft — позиция создаваемого заказа.
type LineDraft struct {
	ArticleID string
	Quantity  int
}

// OrderDraft — входные данные для приёма заказа.
type OrderDraft struct {
	Reference   string
	ClientRef   string
	Destination string
	OriginTag   string
	Lines       []LineDraft
	ActorID     string
}

// BasketChanged — полезная нагрузка события изменения корзины.
type BasketChanged struct {
	OrderID       string `json:"order_id"`
	Operation     string `json:"operation"`
	LineID        string `json:"line_id,omitempty"`
	UpsellCounter int    `json:"upsell_counter"`
	TotalMinor    int64  `json:"total_minor"`
	ActorID       string `json:"actor_id,omitempty"`
}

// Basket выполняет изменения корзины. После каждого изменения в той же
// транзакции пересчитываются счётчик допродажи, подытоги и итог заказа.
type Basket struct {
	store  domain.Store
	ledger *ledger.Ledger
	engine *Engine
	logger *log.Entry
	now    func() time.Time
}

// NewBasket создаёт сервис корзины.
func NewBasket(store domain.Store, l *ledger.Ledger, engine *Engine, logger *log.Entry) *Basket {
	if logger == nil {
		logger = log.New().WithField("component", "basket")
	}
	return &Basket{
		store:  store,
		ledger: l,
		engine: engine,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder принимает заказ, считает цены и открывает состояние new.
func (b *Basket) CreateOrder(ctx context.Context, draft OrderDraft) (domain.Order, error) {
	if strings.TrimSpace(draft.ClientRef) == "" {
		return domain.Order{}, &domain.ValidationError{Field: "client_ref", Reason: "is required"}
	}
	if len(draft.Lines) == 0 {
		return domain.Order{}, &domain.ValidationError{Field: "lines", Reason: "order must contain at least one line"}
	}

	now := b.now()
	order := domain.Order{
		ID:          uuid.NewString(),
		Reference:   strings.TrimSpace(draft.Reference),
		ClientRef:   strings.TrimSpace(draft.ClientRef),
		Destination: strings.TrimSpace(draft.Destination),
		OriginTag:   draft.OriginTag,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if order.Reference == "" {
		order.Reference = "CMD-" + strings.ToUpper(order.ID[:8])
	}
	if strings.Contains(order.Reference, domain.ResendSuffix) {
		return domain.Order{}, &domain.ValidationError{Field: "reference", Reason: "suffix " + domain.ResendSuffix + " is reserved for resend orders"}
	}
	for i, ld := range draft.Lines {
		if ld.Quantity <= 0 {
			return domain.Order{}, &domain.QuantityError{OrderID: order.ID, Field: fmt.Sprintf("lines[%d].quantity", i), Value: ld.Quantity, Limit: 1, Reason: "must be greater than zero"}
		}
		order.Lines = append(order.Lines, domain.BasketLine{
			ID:        uuid.NewString(),
			ArticleID: ld.ArticleID,
			Quantity:  ld.Quantity,
			CreatedAt: now,
		})
	}

	err := b.store.InTx(ctx, domain.LockScope{Orders: []string{order.ID}}, func(ctx context.Context, tx domain.Tx) error {
		if _, err := b.reprice(ctx, tx, &order, order.ArticleIDs()...); err != nil {
			return err
		}
		if err := tx.Orders().Create(ctx, order); err != nil {
			return err
		}
		if _, err := b.ledger.OpenState(ctx, tx, order, domain.StateNew, "", "order received"); err != nil {
			return err
		}
		return events.Order(ctx, tx, order.ID, events.OrderCreated, BasketChanged{
			OrderID:       order.ID,
			Operation:     "create",
			UpsellCounter: order.UpsellCounter,
			TotalMinor:    order.TotalMinor,
			ActorID:       draft.ActorID,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	b.logger.WithFields(log.Fields{
		"order_id":  order.ID,
		"reference": order.Reference,
		"total":     order.TotalMinor,
	}).Info("order created")
	return order, nil
}

// AddLine добавляет позицию.
func (b *Basket) AddLine(ctx context.Context, orderID, articleID string, quantity int, actorID string) (domain.Order, error) {
	return b.mutate(ctx, orderID, "add_line", actorID, articleID, func(order *domain.Order) (string, error) {
		if quantity <= 0 {
			return "", &domain.QuantityError{OrderID: orderID, Field: "quantity", Value: quantity, Limit: 1, Reason: "must be greater than zero"}
		}
		line := domain.BasketLine{ID: uuid.NewString(), ArticleID: articleID, Quantity: quantity, CreatedAt: b.now()}
		order.Lines = append(order.Lines, line)
		return line.ID, nil
	})
}

// ChangeQuantity меняет количество позиции.
func (b *Basket) ChangeQuantity(ctx context.Context, orderID, lineID string, quantity int, actorID string) (domain.Order, error) {
	return b.mutate(ctx, orderID, "change_quantity", actorID, "", func(order *domain.Order) (string, error) {
		idx, err := lineIndex(order, lineID)
		if err != nil {
			return "", err
		}
		if quantity <= 0 {
			return "", &domain.QuantityError{OrderID: orderID, LineID: lineID, Field: "quantity", Value: quantity, Limit: 1, Reason: "must be greater than zero"}
		}
		line := &order.Lines[idx]
		// цена единицы сохраняется, если артикула уже нет в каталоге
		if line.Quantity > 0 {
			line.SubtotalMinor = line.SubtotalMinor / int64(line.Quantity) * int64(quantity)
		}
		line.Quantity = quantity
		return lineID, nil
	})
}

// ReplaceArticle заменяет артикул позиции.
func (b *Basket) ReplaceArticle(ctx context.Context, orderID, lineID, articleID, actorID string) (domain.Order, error) {
	return b.mutate(ctx, orderID, "replace_article", actorID, articleID, func(order *domain.Order) (string, error) {
		idx, err := lineIndex(order, lineID)
		if err != nil {
			return "", err
		}
		order.Lines[idx].ArticleID = articleID
		return lineID, nil
	})
}

// RemoveLine удаляет позицию.
func (b *Basket) RemoveLine(ctx context.Context, orderID, lineID, actorID string) (domain.Order, error) {
	return b.mutate(ctx, orderID, "remove_line", actorID, "", func(order *domain.Order) (string, error) {
		idx, err := lineIndex(order, lineID)
		if err != nil {
			return "", err
		}
		order.Lines = append(order.Lines[:idx], order.Lines[idx+1:]...)
		return lineID, nil
	})
}

// Get возвращает заказ.
func (b *Basket) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return b.store.Orders().Get(ctx, orderID)
}

// mutate применяет изменение корзины. introduced — артикул, который изменение
// кладёт в корзину: его отсутствие в каталоге отклоняет изменение.
func (b *Basket) mutate(ctx context.Context, orderID, operation, actorID, introduced string, apply func(order *domain.Order) (string, error)) (domain.Order, error) {
	var (
		order    domain.Order
		warnings []domain.DataConsistencyWarning
	)
	err := b.store.InTx(ctx, domain.LockScope{Orders: []string{orderID}}, func(ctx context.Context, tx domain.Tx) error {
		var err error
		order, err = tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		lineID, err := apply(&order)
		if err != nil {
			return err
		}
		warnings, err = b.reprice(ctx, tx, &order, introduced)
		if err != nil {
			return err
		}
		order.UpdatedAt = b.now()
		if err := tx.Orders().Save(ctx, order); err != nil {
			return err
		}
		order.Version++
		return events.Order(ctx, tx, order.ID, events.OrderBasketChanged, BasketChanged{
			OrderID:       order.ID,
			Operation:     operation,
			LineID:        lineID,
			UpsellCounter: order.UpsellCounter,
			TotalMinor:    order.TotalMinor,
			ActorID:       actorID,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	b.logger.WithFields(log.Fields{
		"order_id":  orderID,
		"operation": operation,
		"counter":   order.UpsellCounter,
		"total":     order.TotalMinor,
		"actor_id":  actorID,
	}).Info("basket changed")
	for _, w := range warnings {
		b.logger.WithFields(log.Fields{
			"order_id":   w.OrderID,
			"article_id": w.ArticleID,
			"operation":  operation,
		}).Warn(w.Reason)
	}
	return order, nil
}

// reprice загружает артикулы корзины и пересчитывает заказ.
// В корзину нельзя положить артикул, которого нет в каталоге. Позиции, чьи
// артикулы пропали из каталога позже, сохраняют прежнюю цену и возвращаются
// предупреждениями.
func (b *Basket) reprice(ctx context.Context, repos domain.Repositories, order *domain.Order, introduced ...string) ([]domain.DataConsistencyWarning, error) {
	articles, err := repos.Articles().GetMany(ctx, order.ArticleIDs())
	if err != nil {
		return nil, fmt.Errorf("load articles: %w", err)
	}
	for _, id := range introduced {
		if id == "" {
			continue
		}
		if _, found := articles[id]; !found {
			return nil, fmt.Errorf("article %s: %w", id, domain.ErrArticleNotFound)
		}
	}

	var warnings []domain.DataConsistencyWarning
	for _, id := range b.engine.RecomputeOrder(order, articles) {
		warnings = append(warnings, domain.DataConsistencyWarning{
			OrderID:   order.ID,
			ArticleID: id,
			Reason:    "article missing from catalog, previous unit price kept",
		})
	}
	return warnings, nil
}

func lineIndex(order *domain.Order, lineID string) (int, error) {
	for i, l := range order.Lines {
		if l.ID == lineID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("order %s line %s: %w", order.ID, lineID, domain.ErrLineNotFound)
}
