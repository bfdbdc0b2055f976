package pricing_test

import (
	"context"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "test")
}

func newBasket(t *testing.T) (*pricing.Basket, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	for _, a := range catalog() {
		require.NoError(t, store.Articles().Create(ctx, a))
	}
	l := ledger.New(store, testLogger(), nil)
	engine := pricing.NewEngine(pricing.FeePolicy{Fees: map[string]int64{"FR": 490}, DefaultMinor: 990})
	return pricing.NewBasket(store, l, engine, testLogger()), store
}

func TestCreateOrderOpensNewStateAndPrices(t *testing.T) {
	ctx := context.Background()
	basket, store := newBasket(t)

	order, err := basket.CreateOrder(ctx, pricing.OrderDraft{
		ClientRef:   "client-1",
		Destination: "FR",
		Lines: []pricing.LineDraft{
			{ArticleID: "X", Quantity: 1},
			{ArticleID: "Y", Quantity: 2},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, order.Reference)
	assert.Equal(t, 2, order.UpsellCounter)
	assert.Equal(t, int64(800+3200+490), order.TotalMinor)

	open, err := store.States().Open(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.StateNew, open[0].Kind)

	types := make([]string, 0)
	for _, msg := range store.AllPending() {
		types = append(types, msg.EventType)
	}
	assert.ElementsMatch(t, []string{"order.state_changed", "order.created"}, types)
}

func TestCreateOrderValidation(t *testing.T) {
	ctx := context.Background()
	basket, _ := newBasket(t)

	_, err := basket.CreateOrder(ctx, pricing.OrderDraft{Lines: []pricing.LineDraft{{ArticleID: "X", Quantity: 1}}})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = basket.CreateOrder(ctx, pricing.OrderDraft{ClientRef: "c"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = basket.CreateOrder(ctx, pricing.OrderDraft{ClientRef: "c", Lines: []pricing.LineDraft{{ArticleID: "X", Quantity: 0}}})
	require.ErrorIs(t, err, domain.ErrQuantityMismatch)

	_, err = basket.CreateOrder(ctx, pricing.OrderDraft{ClientRef: "c", Lines: []pricing.LineDraft{{ArticleID: "missing", Quantity: 1}}})
	require.ErrorIs(t, err, domain.ErrArticleNotFound)

	_, err = basket.CreateOrder(ctx, pricing.OrderDraft{ClientRef: "c", Reference: "CMD-1-R1", Lines: []pricing.LineDraft{{ArticleID: "X", Quantity: 1}}})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestBasketMutationsRecomputeCounterFromContents(t *testing.T) {
	ctx := context.Background()
	basket, _ := newBasket(t)

	order, err := basket.CreateOrder(ctx, pricing.OrderDraft{
		ClientRef: "client-1",
		Lines:     []pricing.LineDraft{{ArticleID: "X", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, order.UpsellCounter)
	xLine := order.Lines[0].ID

	order, err = basket.AddLine(ctx, order.ID, "Y", 2, "clerk")
	require.NoError(t, err)
	assert.Equal(t, 2, order.UpsellCounter)
	assert.Equal(t, int64(800), order.Lines[0].SubtotalMinor, "existing line repriced at the order tier")
	yLine := order.Lines[1].ID

	order, err = basket.ChangeQuantity(ctx, order.ID, yLine, 1, "clerk")
	require.NoError(t, err)
	assert.Equal(t, 1, order.UpsellCounter)
	assert.Equal(t, int64(900), order.Lines[0].SubtotalMinor)

	order, err = basket.ReplaceArticle(ctx, order.ID, yLine, "Z", "clerk")
	require.NoError(t, err)
	assert.Equal(t, 0, order.UpsellCounter)
	assert.Equal(t, int64(1000), order.Lines[0].SubtotalMinor)

	order, err = basket.RemoveLine(ctx, order.ID, xLine, "clerk")
	require.NoError(t, err)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, int64(500+990), order.TotalMinor)
	assert.Empty(t, order.ValidateInvariants())

	stored, err := basket.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Version, stored.Version)
	assert.Equal(t, order.TotalMinor, stored.TotalMinor)
}

func TestBasketMutationErrorsLeaveOrderUntouched(t *testing.T) {
	ctx := context.Background()
	basket, _ := newBasket(t)

	order, err := basket.CreateOrder(ctx, pricing.OrderDraft{
		ClientRef: "client-1",
		Lines:     []pricing.LineDraft{{ArticleID: "X", Quantity: 2}},
	})
	require.NoError(t, err)

	_, err = basket.ChangeQuantity(ctx, order.ID, "nope", 3, "clerk")
	require.ErrorIs(t, err, domain.ErrLineNotFound)

	_, err = basket.ChangeQuantity(ctx, order.ID, order.Lines[0].ID, -1, "clerk")
	var qErr *domain.QuantityError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, order.Lines[0].ID, qErr.LineID)

	_, err = basket.ReplaceArticle(ctx, order.ID, order.Lines[0].ID, "missing", "clerk")
	require.ErrorIs(t, err, domain.ErrArticleNotFound)

	_, err = basket.AddLine(ctx, "missing-order", "X", 1, "clerk")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	stored, err := basket.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Version, stored.Version)
	assert.Equal(t, "X", stored.Lines[0].ArticleID)
}

func TestBasketEditsSurviveArticleMissingFromCatalog(t *testing.T) {
	ctx := context.Background()
	basket, store := newBasket(t)

	// позиция ссылается на артикул, которого уже нет в каталоге
	legacy := domain.Order{
		ID:        "o-legacy",
		Reference: "CMD-LEGACY",
		ClientRef: "client-1",
		Lines:     []domain.BasketLine{{ID: "l-gone", ArticleID: "gone", Quantity: 3, SubtotalMinor: 1500}},
	}
	require.NoError(t, store.Orders().Create(ctx, legacy))

	order, err := basket.AddLine(ctx, legacy.ID, "X", 1, "clerk")
	require.NoError(t, err)
	require.Len(t, order.Lines, 2)
	assert.Equal(t, int64(1500), order.Lines[0].SubtotalMinor, "missing article keeps its price")

	order, err = basket.ChangeQuantity(ctx, legacy.ID, "l-gone", 2, "clerk")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), order.Lines[0].SubtotalMinor, "unit price of missing article is kept")
	assert.Equal(t, order.LinesTotal()+order.DeliveryFeeMinor, order.TotalMinor)

	_, err = basket.AddLine(ctx, legacy.ID, "missing", 1, "clerk")
	require.ErrorIs(t, err, domain.ErrArticleNotFound)
	_, err = basket.ReplaceArticle(ctx, legacy.ID, order.Lines[1].ID, "missing", "clerk")
	require.ErrorIs(t, err, domain.ErrArticleNotFound)

	order, err = basket.ReplaceArticle(ctx, legacy.ID, "l-gone", "Z", "clerk")
	require.NoError(t, err)
	assert.Equal(t, "Z", order.Lines[0].ArticleID)

	stored, err := basket.Get(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, order.TotalMinor, stored.TotalMinor)
	require.Len(t, stored.Lines, 2)
}
