package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/assignment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/reconciliation"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

// FulfillmentLifecycleTestSuite проходит заказ от создания до сверки
// через собранные сервисы поверх in-memory хранилища.
type FulfillmentLifecycleTestSuite struct {
	suite.Suite
	store *memory.Store
	svc   *Services
}

func (s *FulfillmentLifecycleTestSuite) SetupTest() {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.DeliveryFeeDefault = 500

	s.store = memory.NewStore()
	s.svc = NewServices(s.store, cfg, nil, testLogger())
	s.Require().NoError(ApplySeed(ctx, s.store, s.svc.Stock, Seed{
		Operators: []SeedOperator{
			{ID: "admin", Role: domain.RoleAdmin, Active: true},
			{ID: "conf-1", Role: domain.RoleConfirmation, Active: true},
			{ID: "prep-1", Role: domain.RolePreparation, Active: true},
			{ID: "log-1", Role: domain.RoleLogistics, Active: true},
		},
		Articles: []SeedArticle{{ID: "art-1", SKU: "A1", Name: "Mug", BasePriceMinor: 1000, Stock: 5}},
	}, testLogger()))
}

// orderInDelivery создаёт заказ и доводит его до in_delivery обычным путём.
func (s *FulfillmentLifecycleTestSuite) orderInDelivery(quantity int) domain.Order {
	ctx := context.Background()
	order, err := s.svc.Basket.CreateOrder(ctx, pricing.OrderDraft{
		ClientRef:   "client-1",
		Destination: "FR",
		OriginTag:   "web",
		ActorID:     "admin",
		Lines:       []pricing.LineDraft{{ArticleID: "art-1", Quantity: quantity}},
	})
	s.Require().NoError(err)

	s.assign(order.ID, "conf-1", domain.RoleConfirmation)
	s.transition(order.ID, domain.StateConfirmed, "conf-1")
	s.assign(order.ID, "prep-1", domain.RolePreparation)
	s.transition(order.ID, domain.StateCollected, "prep-1")
	s.transition(order.ID, domain.StatePacked, "prep-1")
	s.assign(order.ID, "log-1", domain.RoleLogistics)
	s.requireState(order.ID, domain.StateInDelivery)
	return order
}

func (s *FulfillmentLifecycleTestSuite) assign(orderID, operatorID string, role domain.Role) {
	res, err := s.svc.Assignment.Assign(context.Background(), assignment.Request{
		OrderID:    orderID,
		OperatorID: operatorID,
		ActorID:    "admin",
		Role:       role,
	})
	s.Require().NoError(err)
	s.Require().False(res.NoOp)
	s.Require().Equal(operatorID, res.State.OperatorID)
}

func (s *FulfillmentLifecycleTestSuite) transition(orderID string, to domain.StateKind, actorID string) {
	_, err := s.svc.Ledger.Transition(context.Background(), ledger.TransitionRequest{
		OrderID:    orderID,
		To:         to,
		OperatorID: actorID,
		ActorID:    actorID,
	})
	s.Require().NoError(err)
}

func (s *FulfillmentLifecycleTestSuite) requireState(orderID string, kind domain.StateKind) domain.OrderState {
	current, err := s.svc.Ledger.CurrentState(context.Background(), orderID)
	s.Require().NoError(err)
	s.Require().NotNil(current)
	s.Require().Equal(kind, current.Kind)
	return *current
}

func (s *FulfillmentLifecycleTestSuite) stockOf(articleID string) int {
	qty, err := s.svc.Stock.CurrentQuantity(context.Background(), articleID)
	s.Require().NoError(err)
	return qty
}

func (s *FulfillmentLifecycleTestSuite) TestDeliveredOrderKeepsSingleOpenState() {
	ctx := context.Background()
	order := s.orderInDelivery(2)
	s.transition(order.ID, domain.StateDelivered, "log-1")
	s.requireState(order.ID, domain.StateDelivered)

	history, err := s.svc.Ledger.History(ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Len(history, 8)
	open := 0
	for _, st := range history {
		if st.IsOpen() {
			open++
		}
	}
	s.Equal(1, open)

	audit, err := s.svc.Audit.ForOrder(ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Len(audit, 3)
	for _, op := range audit {
		s.Equal(domain.AuditAssignedByAdmin, op.Kind)
	}
	s.Equal(5, s.stockOf("art-1"), "delivery alone does not move stock")
}

func (s *FulfillmentLifecycleTestSuite) TestPartialDeliveryCreatesResend() {
	ctx := context.Background()
	order := s.orderInDelivery(3)

	res, err := s.svc.Reconciliation.PartialDelivery(ctx, reconciliation.PartialDeliveryRequest{
		OrderID: order.ID,
		ActorID: "log-1",
		Lines: []reconciliation.LineOutcome{{
			LineID:    order.Lines[0].ID,
			Delivered: 1,
			Resend:    2,
			Condition: domain.ConditionGood,
		}},
	})
	s.Require().NoError(err)
	s.Equal(order.Reference+domain.ResendSuffix+"1", res.Derived.Reference)
	s.Equal(order.ID, res.Derived.OriginRef)
	s.Equal("prep-1", res.DerivedState.OperatorID)
	s.Equal(domain.StateInPreparation, res.DerivedState.Kind)
	s.Require().Len(res.Derived.Lines, 1)
	s.Equal(2, res.Derived.Lines[0].Quantity)
	s.Equal(7, s.stockOf("art-1"))

	current, err := s.svc.Ledger.CurrentState(ctx, order.ID)
	s.Require().NoError(err)
	s.Nil(current, "origin is left without an open state")

	resends, err := s.svc.Reconciliation.FindResendOrders(ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Len(resends, 1)
	s.Equal(res.Derived.ID, resends[0].ID)
}

func (s *FulfillmentLifecycleTestSuite) TestReturnedOrderRestocksOnce() {
	ctx := context.Background()
	order := s.orderInDelivery(2)
	s.transition(order.ID, domain.StateReturned, "log-1")

	res, err := s.svc.Reconciliation.ProcessReturn(ctx, reconciliation.ReturnRequest{
		OrderID:   order.ID,
		ActorID:   "log-1",
		Resend:    true,
		Condition: domain.ConditionGood,
	})
	s.Require().NoError(err)
	s.Require().NotNil(res.Order.Return)
	s.True(res.Order.Return.Restocked)
	s.Equal(7, s.stockOf("art-1"))
	s.requireState(order.ID, domain.StateReturned)

	_, err = s.svc.Reconciliation.ProcessReturn(ctx, reconciliation.ReturnRequest{
		OrderID:   order.ID,
		ActorID:   "log-1",
		Resend:    true,
		Condition: domain.ConditionGood,
	})
	s.Require().ErrorIs(err, domain.ErrAlreadyReconciled)
	s.Equal(7, s.stockOf("art-1"))
}

func (s *FulfillmentLifecycleTestSuite) TestEscalationReturnsToConfirmer() {
	ctx := context.Background()
	order, err := s.svc.Basket.CreateOrder(ctx, pricing.OrderDraft{
		ClientRef: "client-2",
		ActorID:   "admin",
		Lines:     []pricing.LineDraft{{ArticleID: "art-1", Quantity: 1}},
	})
	s.Require().NoError(err)
	s.assign(order.ID, "conf-1", domain.RoleConfirmation)
	s.transition(order.ID, domain.StateConfirmed, "conf-1")
	s.assign(order.ID, "prep-1", domain.RolePreparation)

	res, err := s.svc.Reconciliation.EscalateProblem(ctx, reconciliation.EscalationRequest{
		OrderID: order.ID,
		ActorID: "prep-1",
		Comment: "address unreadable",
	})
	s.Require().NoError(err)
	s.Equal("conf-1", res.ConfirmerID)
	s.Equal(domain.StateReturnToConfirmation, res.State.Kind)
	s.requireState(order.ID, domain.StateReturnToConfirmation)
}

func (s *FulfillmentLifecycleTestSuite) TestDecisionEdgesAreNotPlainTransitions() {
	ctx := context.Background()
	order := s.orderInDelivery(1)

	_, err := s.svc.Ledger.Transition(ctx, ledger.TransitionRequest{
		OrderID: order.ID,
		To:      domain.StatePartiallyDelivered,
		ActorID: "log-1",
	})
	require.ErrorIs(s.T(), err, domain.ErrInvalidTransition)
	s.requireState(order.ID, domain.StateInDelivery)
}

func TestFulfillmentLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(FulfillmentLifecycleTestSuite))
}
