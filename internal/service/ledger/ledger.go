package ledger

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
	"github.com/vladislavdragonenkov/fulfillment/internal/telemetry"
)

// Ledger — единственный писатель OrderState. Гарантирует не более одного
// открытого состояния на заказ: закрытие и открытие выполняются в одной транзакции.
type Ledger struct {
	store   domain.Store
	logger  *log.Entry
	metrics *metrics.FulfillmentMetrics
	now     func() time.Time
}

// Change описывает один шаг истории: закрытое и открытое состояния.
type Change struct {
	Closed *domain.OrderState
	Opened domain.OrderState
}

// New создаёт ledger поверх хранилища.
func New(store domain.Store, logger *log.Entry, m *metrics.FulfillmentMetrics) *Ledger {
	if logger == nil {
		logger = log.New().WithField("component", "state-ledger")
	}
	return &Ledger{
		store:   store,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OpenState открывает состояние заказа, у которого нет открытого.
// Если открытое уже есть, возвращается InvariantViolationError: вызывающий
// обязан закрыть его в той же транзакции (см. Move).
func (l *Ledger) OpenState(ctx context.Context, tx domain.Tx, order domain.Order, kind domain.StateKind, operatorID, comment string) (domain.OrderState, error) {
	history, err := tx.States().History(ctx, order.ID)
	if err != nil {
		return domain.OrderState{}, fmt.Errorf("load history: %w", err)
	}

	var open []string
	for _, st := range history {
		if st.IsOpen() {
			open = append(open, st.ID)
		}
	}
	if len(open) > 0 {
		return domain.OrderState{}, &domain.InvariantViolationError{
			OrderID:      order.ID,
			OpenStateIDs: open,
			Detail:       "close the open state before opening " + string(kind),
		}
	}

	var prev *domain.OrderState
	if len(history) > 0 {
		last := history[len(history)-1]
		prev = &last
	}
	return l.open(ctx, tx, order, prev, kind, operatorID, comment)
}

// CloseOpenState закрывает открытое состояние заказа. Возвращает nil, если открытого нет.
func (l *Ledger) CloseOpenState(ctx context.Context, tx domain.Tx, orderID, operatorID string) (*domain.OrderState, error) {
	current, err := l.CurrentIn(ctx, tx, orderID)
	if err != nil || current == nil {
		return nil, err
	}

	ended := l.now()
	if err := tx.States().Close(ctx, current.ID, ended, operatorID); err != nil {
		return nil, fmt.Errorf("close state %s: %w", current.ID, err)
	}
	current.EndedAt = &ended
	current.ClosedBy = operatorID
	return current, nil
}

// Move закрывает текущее открытое состояние и открывает kind, проверяя ребро графа.
func (l *Ledger) Move(ctx context.Context, tx domain.Tx, order domain.Order, kind domain.StateKind, operatorID, actorID, comment string) (Change, error) {
	current, err := l.CurrentIn(ctx, tx, order.ID)
	if err != nil {
		return Change{}, err
	}
	if current == nil {
		return Change{}, &domain.InvalidTransitionError{OrderID: order.ID, To: kind, Reason: "order has no open state"}
	}
	if !domain.CanTransition(current.Kind, kind) {
		return Change{}, &domain.InvalidTransitionError{OrderID: order.ID, From: current.Kind, To: kind}
	}

	closed, err := l.CloseOpenState(ctx, tx, order.ID, actorID)
	if err != nil {
		return Change{}, err
	}
	opened, err := l.open(ctx, tx, order, closed, kind, operatorID, comment)
	if err != nil {
		return Change{}, err
	}
	return Change{Closed: closed, Opened: opened}, nil
}

func (l *Ledger) open(ctx context.Context, tx domain.Tx, order domain.Order, prev *domain.OrderState, kind domain.StateKind, operatorID, comment string) (domain.OrderState, error) {
	var from domain.StateKind
	if prev != nil {
		from = prev.Kind
		if !domain.CanTransition(prev.Kind, kind) {
			return domain.OrderState{}, &domain.InvalidTransitionError{OrderID: order.ID, From: prev.Kind, To: kind}
		}
	} else if !domain.CanStart(kind, order.IsDerived()) {
		return domain.OrderState{}, &domain.InvalidTransitionError{OrderID: order.ID, To: kind, Reason: "not an initial state"}
	}

	state, err := tx.States().Append(ctx, domain.OrderState{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		Kind:       kind,
		StartedAt:  l.now(),
		OperatorID: operatorID,
		Comment:    comment,
	})
	if err != nil {
		return domain.OrderState{}, err
	}

	if err := events.Order(ctx, tx, order.ID, events.OrderStateChanged, events.StateChanged{
		OrderID:    order.ID,
		From:       from,
		To:         kind,
		StateID:    state.ID,
		OperatorID: operatorID,
		At:         state.StartedAt,
	}); err != nil {
		return domain.OrderState{}, err
	}

	tx.AfterCommit(func() {
		l.metrics.RecordTransition(string(from), string(kind))
		l.logger.WithFields(log.Fields{
			"order_id":    order.ID,
			"from":        from,
			"state":       kind,
			"operator_id": operatorID,
		}).Debug("state opened")
	})
	return state, nil
}

// CurrentIn возвращает открытое состояние внутри транзакции. Несколько открытых
// состояний не исправляются на лету: возвращается InvariantViolationError.
func (l *Ledger) CurrentIn(ctx context.Context, repos domain.Repositories, orderID string) (*domain.OrderState, error) {
	open, err := repos.States().Open(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load open states: %w", err)
	}
	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		return &open[0], nil
	default:
		ids := make([]string, 0, len(open))
		for _, st := range open {
			ids = append(ids, st.ID)
		}
		l.logger.WithFields(log.Fields{"order_id": orderID, "open_states": ids}).Error("duplicate open states detected")
		return nil, &domain.InvariantViolationError{OrderID: orderID, OpenStateIDs: ids, Detail: "repair sweep required"}
	}
}

// CurrentState возвращает открытое состояние заказа или nil.
func (l *Ledger) CurrentState(ctx context.Context, orderID string) (*domain.OrderState, error) {
	return l.CurrentIn(ctx, l.store, orderID)
}

// History возвращает историю заказа по возрастанию.
func (l *Ledger) History(ctx context.Context, orderID string) ([]domain.OrderState, error) {
	if _, err := l.store.Orders().Get(ctx, orderID); err != nil {
		return nil, err
	}
	return l.store.States().History(ctx, orderID)
}

// FindEarliest ищет первую запись истории, удовлетворяющую предикату.
func (l *Ledger) FindEarliest(ctx context.Context, repos domain.Repositories, orderID string, pred domain.StatePredicate) (domain.OrderState, bool, error) {
	history, err := repos.States().History(ctx, orderID)
	if err != nil {
		return domain.OrderState{}, false, err
	}
	st, ok := domain.FindEarliest(history, pred)
	return st, ok, nil
}

// FindLatest ищет последнюю запись истории, удовлетворяющую предикату.
func (l *Ledger) FindLatest(ctx context.Context, repos domain.Repositories, orderID string, pred domain.StatePredicate) (domain.OrderState, bool, error) {
	history, err := repos.States().History(ctx, orderID)
	if err != nil {
		return domain.OrderState{}, false, err
	}
	st, ok := domain.FindLatest(history, pred)
	return st, ok, nil
}

// TransitionRequest — служебный переход без аудита (сборка, упаковка, доставка).
type TransitionRequest struct {
	OrderID    string
	To         domain.StateKind
	OperatorID string
	ActorID    string
	Comment    string
}

// Transition выполняет служебный переход в собственной транзакции.
// Переходы, которые требуют решения (назначение, сверка), отклоняются:
// для них есть AssignmentEngine и ReconciliationEngine.
func (l *Ledger) Transition(ctx context.Context, req TransitionRequest) (Change, error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.transition", telemetry.OrderID(req.OrderID), telemetry.OperatorID(req.ActorID))
	var change Change
	err := l.store.InTx(ctx, domain.LockScope{Orders: []string{req.OrderID}}, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.Orders().Get(ctx, req.OrderID)
		if err != nil {
			return err
		}
		current, err := l.CurrentIn(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if current != nil {
			if reason := decisionRequired(current.Kind, req.To); reason != "" {
				return &domain.InvalidTransitionError{OrderID: order.ID, From: current.Kind, To: req.To, Reason: reason}
			}
		}
		change, err = l.Move(ctx, tx, order, req.To, req.OperatorID, req.ActorID, req.Comment)
		return err
	})
	telemetry.End(span, err)
	if err != nil {
		if domain.IsRetryable(err) {
			l.metrics.RecordContention("transition")
		}
		return Change{}, err
	}

	l.logger.WithFields(log.Fields{
		"order_id": req.OrderID,
		"state":    req.To,
		"actor_id": req.ActorID,
	}).Info("order state changed")
	return change, nil
}

func decisionRequired(from, to domain.StateKind) string {
	switch to {
	case domain.StatePartiallyDelivered:
		return "use partial delivery reconciliation"
	case domain.StateReturnToConfirmation:
		return "use problem escalation"
	}
	if from == to {
		return "use reassign"
	}
	for _, role := range domain.PoolRoles() {
		route, _ := domain.RouteFor(role)
		if route.Target == to && route.AcceptsFrom(from) {
			return "requires assignment to the " + string(role) + " pool"
		}
	}
	return ""
}

// RepairDuplicates закрывает все открытые состояния заказа, кроме самого позднего.
// Возвращает оставленное и закрытые состояния.
func (l *Ledger) RepairDuplicates(ctx context.Context, tx domain.Tx, orderID string) (domain.OrderState, []domain.OrderState, error) {
	open, err := tx.States().Open(ctx, orderID)
	if err != nil {
		return domain.OrderState{}, nil, err
	}
	if len(open) < 2 {
		if len(open) == 1 {
			return open[0], nil, nil
		}
		return domain.OrderState{}, nil, nil
	}

	sort.Slice(open, func(i, j int) bool {
		if !open[i].StartedAt.Equal(open[j].StartedAt) {
			return open[i].StartedAt.Before(open[j].StartedAt)
		}
		return open[i].Seq < open[j].Seq
	})
	keep := open[len(open)-1]
	closed := make([]domain.OrderState, 0, len(open)-1)
	for _, st := range open[:len(open)-1] {
		ended := l.now()
		if err := tx.States().Close(ctx, st.ID, ended, domain.SystemOperatorID); err != nil {
			return domain.OrderState{}, nil, fmt.Errorf("close duplicate %s: %w", st.ID, err)
		}
		st.EndedAt = &ended
		st.ClosedBy = domain.SystemOperatorID
		closed = append(closed, st)
	}
	return keep, closed, nil
}
