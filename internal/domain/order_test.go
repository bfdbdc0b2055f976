package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:               "order-1",
		Reference:        "CMD-1",
		ClientRef:        "client-1",
		Destination:      "FR",
		DeliveryFeeMinor: 490,
		TotalMinor:       990,
		Lines: []domain.BasketLine{
			{ID: "line-1", ArticleID: "art-1", Quantity: 5, SubtotalMinor: 500, CreatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
	}{
		{name: "no client", mut: func(o *domain.Order) { o.ClientRef = "" }},
		{name: "negative counter", mut: func(o *domain.Order) { o.UpsellCounter = -1 }},
		{name: "zero quantity", mut: func(o *domain.Order) { o.Lines[0].Quantity = 0 }},
		{name: "total mismatch", mut: func(o *domain.Order) { o.TotalMinor = 1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			require.NotEmpty(t, order.ValidateInvariants())
		})
	}
}

func TestOrderValidateInvariants_QuantityErrorNamesLine(t *testing.T) {
	order := makeOrder()
	order.Lines[0].Quantity = -2

	errs := order.ValidateInvariants()
	var qErr *domain.QuantityError
	found := false
	for _, err := range errs {
		if errors.As(err, &qErr) {
			found = true
			break
		}
	}
	require.True(t, found)
	assert.Equal(t, "line-1", qErr.LineID)
	assert.Equal(t, "quantity", qErr.Field)
}

func TestOrderIsResendOf(t *testing.T) {
	origin := makeOrder()
	resend := domain.Order{ID: "order-2", Reference: "CMD-1-R1", ClientRef: "client-1", OriginRef: "order-1"}

	assert.True(t, resend.IsResendOf(origin))
	assert.True(t, resend.IsDerived())

	otherClient := resend
	otherClient.ClientRef = "client-2"
	assert.False(t, otherClient.IsResendOf(origin))

	otherRef := resend
	otherRef.Reference = "CMD-10-R1"
	assert.False(t, otherRef.IsResendOf(origin))
}

func TestOrderCloneDoesNotShareLines(t *testing.T) {
	order := makeOrder()
	order.Return = &domain.ReturnDisposition{Resend: true}

	clone := order.Clone()
	clone.Lines[0].Quantity = 42
	clone.Return.Resend = false

	assert.Equal(t, 5, order.Lines[0].Quantity)
	assert.True(t, order.Return.Resend)
}

func TestOrderArticleIDsUnique(t *testing.T) {
	order := makeOrder()
	order.Lines = append(order.Lines,
		domain.BasketLine{ID: "line-2", ArticleID: "art-2", Quantity: 1},
		domain.BasketLine{ID: "line-3", ArticleID: "art-1", Quantity: 1},
	)
	assert.Equal(t, []string{"art-1", "art-2"}, order.ArticleIDs())
}

func TestArticleTierPrice(t *testing.T) {
	article := domain.Article{ID: "a", BasePriceMinor: 1000, UpsellTiers: []int64{900, 800, 700}, UpsellEligible: true}

	tests := []struct {
		counter int
		want    int64
	}{
		{counter: 0, want: 1000},
		{counter: 1, want: 900},
		{counter: 2, want: 800},
		{counter: 3, want: 700},
		{counter: 9, want: 700},
		{counter: -1, want: 1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, article.TierPrice(tt.counter), "counter %d", tt.counter)
	}

	noTiers := domain.Article{ID: "b", BasePriceMinor: 500}
	assert.Equal(t, int64(500), noTiers.TierPrice(3))
}

func TestArticleValidate(t *testing.T) {
	require.NoError(t, domain.Article{ID: "a", BasePriceMinor: 1}.Validate())
	require.ErrorIs(t, domain.Article{ID: "a", UpsellTiers: []int64{1, 2, 3, 4, 5}}.Validate(), domain.ErrValidation)
	require.ErrorIs(t, domain.Article{BasePriceMinor: 1}.Validate(), domain.ErrValidation)
}
