package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func deliveryFixture(t *testing.T, kind domain.StateKind) (*memory.Store, *ledger.Ledger) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.Orders().Create(context.Background(), domain.Order{ID: "o-1", Reference: "CMD-1", ClientRef: "c"}))
	store.ImportStates(domain.OrderState{
		ID: "s-1", OrderID: "o-1", Kind: kind, OperatorID: "log-1",
		StartedAt: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	})
	return store, ledger.New(store, quietEntry(), nil)
}

func report(body string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: TopicDeliveryReports, Key: []byte("o-1"), Value: []byte(body)}
}

func TestDeliveryReportMovesOrderToDelivered(t *testing.T) {
	ctx := context.Background()
	_, l := deliveryFixture(t, domain.StateInDelivery)
	handler := NewDeliveryReportHandler(l, quietEntry())

	require.NoError(t, handler(ctx, report(`{"order_id":"o-1","outcome":"delivered","carrier_ref":"TRK-9"}`)))

	current, err := l.CurrentState(ctx, "o-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, domain.StateDelivered, current.Kind)
	assert.Equal(t, "carrier TRK-9", current.Comment)

	// повторная доставка того же отчёта
	require.NoError(t, handler(ctx, report(`{"order_id":"o-1","outcome":"delivered"}`)))
	history, err := l.History(ctx, "o-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestDeliveryReportReturnedUsesMessageKey(t *testing.T) {
	ctx := context.Background()
	_, l := deliveryFixture(t, domain.StateInDelivery)
	handler := NewDeliveryReportHandler(l, quietEntry())

	require.NoError(t, handler(ctx, report(`{"outcome":"returned"}`)))

	current, err := l.CurrentState(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReturned, current.Kind)
}

func TestDeliveryReportRejections(t *testing.T) {
	ctx := context.Background()
	_, l := deliveryFixture(t, domain.StateInPreparation)
	handler := NewDeliveryReportHandler(l, quietEntry())

	err := handler(ctx, report(`{`))
	require.ErrorIs(t, err, domain.ErrValidation)

	err = handler(ctx, report(`{"order_id":"o-1","outcome":"lost"}`))
	require.ErrorIs(t, err, domain.ErrValidation)

	err = handler(ctx, report(`{"order_id":"o-1","outcome":"delivered"}`))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = handler(ctx, &sarama.ConsumerMessage{Value: []byte(`{"order_id":"missing","outcome":"delivered"}`)})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}
