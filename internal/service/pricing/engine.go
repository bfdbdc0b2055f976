package pricing

import (
	"sort"
	"strings"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// FeePolicy задаёт стоимость доставки по направлению.
// Доставка всегда входит в итог заказа; неизвестное направление платит DefaultMinor.
type FeePolicy struct {
	Fees         map[string]int64
	DefaultMinor int64
}

// Fee возвращает стоимость доставки для направления.
func (p FeePolicy) Fee(destination string) int64 {
	if fee, ok := p.Fees[strings.ToUpper(strings.TrimSpace(destination))]; ok {
		return fee
	}
	return p.DefaultMinor
}

// Engine пересчитывает цены корзины. Ступень допродажи определяется всем заказом.
type Engine struct {
	fees FeePolicy
}

// NewEngine создаёт движок с политикой доставки.
func NewEngine(fees FeePolicy) *Engine {
	normalized := make(map[string]int64, len(fees.Fees))
	for dest, fee := range fees.Fees {
		normalized[strings.ToUpper(strings.TrimSpace(dest))] = fee
	}
	return &Engine{fees: FeePolicy{Fees: normalized, DefaultMinor: fees.DefaultMinor}}
}

// UnitPrice возвращает цену единицы артикула при счётчике counter.
func (e *Engine) UnitPrice(article domain.Article, counter int) int64 {
	if !article.UpsellEligible {
		return article.BasePriceMinor
	}
	return article.TierPrice(counter)
}

// UpsellCounter = max(0, U-1), где U есть сумма количеств позиций с артикулами,
// участвующими в допродаже. Всегда считается заново по корзине.
func UpsellCounter(lines []domain.BasketLine, articles map[string]domain.Article) int {
	u := 0
	for _, l := range lines {
		if a, ok := articles[l.ArticleID]; ok && a.UpsellEligible {
			u += l.Quantity
		}
	}
	if u >= 2 {
		return u - 1
	}
	return 0
}

// RecomputeOrder пересчитывает счётчик, подытоги всех позиций, доставку и итог.
// Позиция с отсутствующим в каталоге артикулом сохраняет прежнюю цену единицы;
// такие артикулы возвращаются вызывающему для предупреждения.
func (e *Engine) RecomputeOrder(order *domain.Order, articles map[string]domain.Article) []string {
	order.UpsellCounter = UpsellCounter(order.Lines, articles)

	var missing []string
	seen := make(map[string]struct{})
	for i := range order.Lines {
		line := &order.Lines[i]
		article, ok := articles[line.ArticleID]
		if !ok {
			if line.Quantity > 0 && line.SubtotalMinor > 0 {
				unit := line.SubtotalMinor / int64(line.Quantity)
				line.SubtotalMinor = unit * int64(line.Quantity)
			}
			if _, dup := seen[line.ArticleID]; !dup {
				seen[line.ArticleID] = struct{}{}
				missing = append(missing, line.ArticleID)
			}
			continue
		}
		line.SubtotalMinor = e.UnitPrice(article, order.UpsellCounter) * int64(line.Quantity)
	}

	order.DeliveryFeeMinor = e.fees.Fee(order.Destination)
	order.TotalMinor = order.LinesTotal() + order.DeliveryFeeMinor
	sort.Strings(missing)
	return missing
}

// DeliveryFee возвращает стоимость доставки направления.
func (e *Engine) DeliveryFee(destination string) int64 {
	return e.fees.Fee(destination)
}
