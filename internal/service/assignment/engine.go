// Package assignment назначает заказы операторам пулов (подтверждение,
// сборка, логистика). Каждое назначение закрывает текущее состояние,
// открывает целевое и пишет ровно одну запись аудита в одной транзакции.
package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/retry"
	"github.com/vladislavdragonenkov/fulfillment/internal/telemetry"
)

const defaultBulkConcurrency = 4

// Request — назначение заказа оператору.
// Пустая Role означает роль самого оператора.
type Request struct {
	OrderID    string
	OperatorID string
	ActorID    string
	Role       domain.Role
	Comment    string

	// expectFrom — ребаланс переносит заказ, только если он всё ещё у этого оператора.
	expectFrom string
}

// Result описывает итог назначения. NoOp: заказ уже был у этого оператора.
type Result struct {
	OrderID string
	State   domain.OrderState
	Audit   *domain.AuditOperation
	NoOp    bool
}

// auditPayload — структурированная часть записи аудита назначения.
type auditPayload struct {
	Role         domain.Role      `json:"role"`
	From         domain.StateKind `json:"from_state"`
	OperatorID   string           `json:"operator_id"`
	PrevOperator string           `json:"previous_operator_id,omitempty"`
}

// rebalancePayload фиксирует, откуда и куда ребаланс перенёс заказ.
type rebalancePayload struct {
	Role domain.Role `json:"role"`
	From string      `json:"from"`
	To   string      `json:"to"`
}

// Engine — AssignmentEngine.
type Engine struct {
	store   domain.Store
	ledger  *ledger.Ledger
	logger  *log.Entry
	metrics *metrics.FulfillmentMetrics
	retrier *retry.Retrier
	now     func() time.Time

	bulkConcurrency int
}

// Option настраивает Engine.
type Option func(*Engine)

// WithBulkConcurrency ограничивает число параллельных назначений в BulkAssign.
func WithBulkConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bulkConcurrency = n
		}
	}
}

// WithRetrier задаёт повтор при конкуренции за блокировку в массовых операциях.
func WithRetrier(r *retry.Retrier) Option {
	return func(e *Engine) {
		if r != nil {
			e.retrier = r
		}
	}
}

// NewEngine создаёт движок назначений.
func NewEngine(store domain.Store, l *ledger.Ledger, logger *log.Entry, m *metrics.FulfillmentMetrics, opts ...Option) *Engine {
	if logger == nil {
		logger = log.New().WithField("component", "assignment-engine")
	}
	e := &Engine{
		store:           store,
		ledger:          l,
		logger:          logger,
		metrics:         m,
		now:             func() time.Time { return time.Now().UTC() },
		bulkConcurrency: defaultBulkConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retrier == nil {
		e.retrier = retry.New(retry.DefaultConfig(), logger)
	}
	return e
}

// Assign переводит заказ из состояния, доступного пулу роли, в целевое
// состояние пула с оператором req.OperatorID.
// Повторное назначение тому же оператору ничего не меняет.
func (e *Engine) Assign(ctx context.Context, req Request) (Result, error) {
	return e.run(ctx, "assign", req, modeAssign, "")
}

// Reassign передаёт заказ, уже находящийся в целевом состоянии пула, другому оператору.
func (e *Engine) Reassign(ctx context.Context, req Request) (Result, error) {
	return e.run(ctx, "reassign", req, modeReassign, "")
}

type mode int

const (
	modeAssign mode = iota
	modeReassign
)

func (e *Engine) run(ctx context.Context, operation string, req Request, m mode, kind domain.AuditKind) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "assignment."+operation,
		telemetry.OrderID(req.OrderID), telemetry.OperatorID(req.OperatorID))
	started := time.Now()

	var res Result
	err := e.store.InTx(ctx, domain.LockScope{Orders: []string{req.OrderID}}, func(ctx context.Context, tx domain.Tx) error {
		var err error
		res, err = e.assignTx(ctx, tx, req, m, kind)
		return err
	})
	telemetry.End(span, err)
	e.metrics.ObserveOperation(operation, time.Since(started))

	if err != nil {
		e.metrics.RecordAssignmentFailure(failureReason(err))
		if domain.IsRetryable(err) {
			e.metrics.RecordContention(operation)
		}
		e.logger.WithFields(log.Fields{
			"order_id":    req.OrderID,
			"operator_id": req.OperatorID,
			"actor_id":    req.ActorID,
			"error":       err,
		}).Warn(operation + " rejected")
		return Result{}, err
	}

	fields := log.Fields{
		"order_id":    req.OrderID,
		"operator_id": req.OperatorID,
		"actor_id":    req.ActorID,
		"state":       res.State.Kind,
	}
	if res.NoOp {
		e.logger.WithFields(fields).Debug("order already assigned to operator")
	} else {
		e.logger.WithFields(fields).Info("order assigned")
	}
	return res, nil
}

// assignTx выполняет назначение внутри транзакции, заблокировавшей заказ.
// Непустой kind задаёт вид аудита для автоматических назначений.
func (e *Engine) assignTx(ctx context.Context, tx domain.Tx, req Request, m mode, kind domain.AuditKind) (Result, error) {
	operator, err := e.resolveOperator(ctx, tx, req.OperatorID, req.Role)
	if err != nil {
		return Result{}, err
	}
	role := operator.Role
	route, _ := domain.RouteFor(role)

	if kind == "" {
		kind, err = e.actorKind(ctx, tx, req.ActorID, role, m)
		if err != nil {
			return Result{}, err
		}
	}

	order, err := tx.Orders().Get(ctx, req.OrderID)
	if err != nil {
		return Result{}, err
	}
	current, err := e.ledger.CurrentIn(ctx, tx, order.ID)
	if err != nil {
		return Result{}, err
	}
	if current == nil {
		return Result{}, &domain.InvalidTransitionError{OrderID: order.ID, To: route.Target, Reason: "order has no open state"}
	}
	if req.expectFrom != "" && (current.Kind != route.Target || current.OperatorID != req.expectFrom) {
		return Result{}, &domain.InvalidTransitionError{
			OrderID: order.ID, From: current.Kind, To: route.Target,
			Reason: "order is no longer held by " + req.expectFrom,
		}
	}

	if current.Kind == route.Target {
		if current.OperatorID == operator.ID {
			return Result{OrderID: order.ID, State: *current, NoOp: true}, nil
		}
		if m == modeAssign && current.OperatorID != "" {
			return Result{}, &domain.InvalidTransitionError{
				OrderID: order.ID, From: current.Kind, To: route.Target,
				Reason: "already assigned to " + current.OperatorID + ", use reassign",
			}
		}
	} else {
		if m == modeReassign {
			return Result{}, &domain.InvalidTransitionError{
				OrderID: order.ID, From: current.Kind, To: route.Target,
				Reason: "order is not held by the " + string(role) + " pool",
			}
		}
		if !route.AcceptsFrom(current.Kind) {
			return Result{}, &domain.InvalidTransitionError{
				OrderID: order.ID, From: current.Kind, To: route.Target,
				Reason: "state is not eligible for the " + string(role) + " pool",
			}
		}
	}

	change, err := e.ledger.Move(ctx, tx, order, route.Target, operator.ID, req.ActorID, req.Comment)
	if err != nil {
		return Result{}, err
	}

	var payload any = auditPayload{Role: role, From: current.Kind, OperatorID: operator.ID, PrevOperator: current.OperatorID}
	if kind == domain.AuditAutoRebalanced {
		payload = rebalancePayload{Role: role, From: current.OperatorID, To: operator.ID}
	}
	audit, err := e.appendAudit(ctx, tx, order.ID, kind, req.ActorID, change.Opened.ID, req.Comment, payload)
	if err != nil {
		return Result{}, err
	}

	if err := events.Order(ctx, tx, order.ID, events.OrderAssigned, events.Assigned{
		OrderID:      order.ID,
		Role:         role,
		OperatorID:   operator.ID,
		PrevOperator: current.OperatorID,
		ActorID:      req.ActorID,
		Kind:         kind,
		AuditID:      audit.ID,
	}); err != nil {
		return Result{}, err
	}

	tx.AfterCommit(func() {
		e.metrics.RecordAssignment(string(kind))
		if kind == domain.AuditAutoRebalanced {
			e.metrics.RecordRebalanceMove()
		}
	})
	return Result{OrderID: order.ID, State: change.Opened, Audit: &audit}, nil
}

// resolveOperator проверяет, что оператор существует, активен и состоит в пуле роли.
func (e *Engine) resolveOperator(ctx context.Context, repos domain.Repositories, operatorID string, role domain.Role) (domain.Operator, error) {
	op, err := repos.Operators().Get(ctx, operatorID)
	if errors.Is(err, domain.ErrOperatorNotFound) {
		return domain.Operator{}, &domain.InvalidOperatorError{OperatorID: operatorID, Role: role, Reason: "unknown operator"}
	}
	if err != nil {
		return domain.Operator{}, fmt.Errorf("load operator %s: %w", operatorID, err)
	}
	if role == "" {
		role = op.Role
	}
	if !op.Active {
		return domain.Operator{}, &domain.InvalidOperatorError{OperatorID: op.ID, Role: role, Reason: "operator is inactive"}
	}
	if op.Role != role {
		return domain.Operator{}, &domain.InvalidOperatorError{OperatorID: op.ID, Role: role, Reason: "operator belongs to the " + string(op.Role) + " pool"}
	}
	if _, ok := domain.RouteFor(role); !ok {
		return domain.Operator{}, &domain.InvalidOperatorError{OperatorID: op.ID, Role: role, Reason: "role has no assignment pool"}
	}
	return op, nil
}

// actorKind проверяет право действующего оператора и возвращает вид аудита.
func (e *Engine) actorKind(ctx context.Context, repos domain.Repositories, actorID string, role domain.Role, m mode) (domain.AuditKind, error) {
	if actorID == "" {
		return "", &domain.InvalidOperatorError{Role: role, Reason: "acting operator is required"}
	}
	if actorID == domain.SystemOperatorID {
		return domain.AuditAutoDistributed, nil
	}
	actor, err := repos.Operators().Get(ctx, actorID)
	if errors.Is(err, domain.ErrOperatorNotFound) {
		return "", &domain.InvalidOperatorError{OperatorID: actorID, Role: role, Reason: "unknown acting operator"}
	}
	if err != nil {
		return "", fmt.Errorf("load acting operator %s: %w", actorID, err)
	}
	if !actor.CanAssignFor(role) {
		return "", &domain.InvalidOperatorError{OperatorID: actorID, Role: role, Reason: "not allowed to assign orders of this pool"}
	}

	switch {
	case m == modeReassign && actor.IsAdmin():
		return domain.AuditReassignedByAdmin, nil
	case m == modeReassign:
		return domain.AuditReassignedBySupervisor, nil
	case actor.IsAdmin():
		return domain.AuditAssignedByAdmin, nil
	default:
		return domain.AuditAssignedBySupervisor, nil
	}
}

func (e *Engine) appendAudit(ctx context.Context, tx domain.Tx, orderID string, kind domain.AuditKind, actorID, stateID, conclusion string, payload any) (domain.AuditOperation, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.AuditOperation{}, fmt.Errorf("marshal audit payload: %w", err)
	}
	audit := domain.AuditOperation{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		Kind:       kind,
		OperatorID: actorID,
		StateID:    stateID,
		Conclusion: conclusion,
		Payload:    body,
		CreatedAt:  e.now(),
	}
	if err := tx.Audit().Append(ctx, audit); err != nil {
		return domain.AuditOperation{}, fmt.Errorf("append audit: %w", err)
	}
	return audit, nil
}

// failureReason — метка метрики отказа.
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidOperator):
		return "invalid_operator"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, domain.ErrContention):
		return "contention"
	case errors.Is(err, domain.ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "internal"
	}
}
