package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
)

// Seed — начальный каталог и операторы. Операторы перезаписываются,
// существующие артикулы не трогаются. Начальный остаток нового артикула
// проводится через журнал склада движением receipt.
type Seed struct {
	Operators []SeedOperator `json:"operators"`
	Articles  []SeedArticle  `json:"articles"`
}

type SeedOperator struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Role       domain.Role `json:"role"`
	Supervisor bool        `json:"supervisor"`
	Active     bool        `json:"active"`
}

type SeedArticle struct {
	ID             string  `json:"id"`
	SKU            string  `json:"sku"`
	Name           string  `json:"name"`
	BasePriceMinor int64   `json:"base_price_minor"`
	UpsellTiers    []int64 `json:"upsell_tiers"`
	UpsellEligible bool    `json:"upsell_eligible"`
	Stock          int     `json:"stock"`
}

// LoadSeed читает JSON-файл начальных данных.
func LoadSeed(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return seed, nil
}

// ApplySeed сохраняет операторов и создаёт отсутствующие артикулы.
func ApplySeed(ctx context.Context, store domain.Store, stockLedger *stock.Ledger, seed Seed, logger *log.Entry) error {
	for _, op := range seed.Operators {
		if err := store.Operators().Save(ctx, domain.Operator{
			ID:         op.ID,
			Name:       op.Name,
			Role:       op.Role,
			Supervisor: op.Supervisor,
			Active:     op.Active,
		}); err != nil {
			return fmt.Errorf("seed operator %s: %w", op.ID, err)
		}
	}

	created := 0
	for _, a := range seed.Articles {
		if a.Stock < 0 {
			return &domain.ValidationError{Field: "stock", Reason: "article " + a.ID + " has negative stock"}
		}
		_, err := store.Articles().Get(ctx, a.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrArticleNotFound) {
			return fmt.Errorf("seed article %s: %w", a.ID, err)
		}
		if err := store.Articles().Create(ctx, domain.Article{
			ID:             a.ID,
			SKU:            a.SKU,
			Name:           a.Name,
			BasePriceMinor: a.BasePriceMinor,
			UpsellTiers:    a.UpsellTiers,
			UpsellEligible: a.UpsellEligible,
		}); err != nil {
			return fmt.Errorf("seed article %s: %w", a.ID, err)
		}
		if a.Stock > 0 {
			if _, err := stockLedger.Adjust(ctx, stock.Entry{
				ArticleID:  a.ID,
				Delta:      a.Stock,
				Kind:       domain.MovementReceipt,
				OperatorID: domain.SystemOperatorID,
				Comment:    "initial stock",
			}); err != nil {
				return fmt.Errorf("seed stock %s: %w", a.ID, err)
			}
		}
		created++
	}

	logger.WithFields(log.Fields{
		"operators":        len(seed.Operators),
		"articles_created": created,
	}).Info("seed applied")
	return nil
}
