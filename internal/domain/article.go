package domain

// MaxUpsellTiers — максимум ступеней допродажи у артикула.
const MaxUpsellTiers = 4

// Article — продаваемый вариант товара с ценой и кэшем остатка.
type Article struct {
	ID             string
	SKU            string
	Name           string
	BasePriceMinor int64
	// UpsellTiers — цены ступеней 1..4; ступень 0 всегда BasePriceMinor.
	UpsellTiers    []int64
	UpsellEligible bool
	// StockQuantity синхронизирован с журналом движений в той же транзакции.
	StockQuantity int
}

// TierPrice возвращает цену ступени counter с ограничением максимальной заданной ступенью.
func (a Article) TierPrice(counter int) int64 {
	if counter <= 0 || len(a.UpsellTiers) == 0 {
		return a.BasePriceMinor
	}
	tiers := a.UpsellTiers
	if len(tiers) > MaxUpsellTiers {
		tiers = tiers[:MaxUpsellTiers]
	}
	if counter > len(tiers) {
		counter = len(tiers)
	}
	return tiers[counter-1]
}

// Validate проверяет карточку артикула.
func (a Article) Validate() error {
	if a.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if a.BasePriceMinor < 0 {
		return &ValidationError{Field: "base_price_minor", Reason: "must be non-negative"}
	}
	if len(a.UpsellTiers) > MaxUpsellTiers {
		return &ValidationError{Field: "upsell_tiers", Reason: "at most 4 tiers are allowed"}
	}
	for _, p := range a.UpsellTiers {
		if p < 0 {
			return &ValidationError{Field: "upsell_tiers", Reason: "tier price must be non-negative"}
		}
	}
	if a.StockQuantity < 0 {
		return &ValidationError{Field: "stock_quantity", Reason: "must be non-negative"}
	}
	return nil
}
