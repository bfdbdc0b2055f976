package assignment

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Placement — заказ, отданный оператору автоматически.
type Placement struct {
	OrderID    string `json:"order_id"`
	OperatorID string `json:"operator_id"`
}

// DistributionReport — итог AutoDistribute.
type DistributionReport struct {
	Role     domain.Role   `json:"role"`
	Assigned []Placement   `json:"assigned"`
	Failed   []BulkFailure `json:"failed"`
}

// Move — перенос заказа ребалансом.
type Move struct {
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// RebalanceReport — итог Rebalance.
type RebalanceReport struct {
	Role      domain.Role    `json:"role"`
	Mean      float64        `json:"mean"`
	Threshold float64        `json:"threshold"`
	Moves     []Move         `json:"moves"`
	Failed    []BulkFailure  `json:"failed"`
	Load      map[string]int `json:"load"`
}

// Load возвращает число заказов в целевом состоянии пула у каждого активного оператора роли.
func (e *Engine) Load(ctx context.Context, role domain.Role) (map[string]int, error) {
	pool, held, err := e.poolHoldings(ctx, role)
	if err != nil {
		return nil, err
	}
	load := make(map[string]int, len(pool))
	for _, op := range pool {
		load[op.ID] = len(held[op.ID])
	}
	return load, nil
}

// AutoDistribute раздаёт неназначенные заказы, ожидающие пул, по кругу
// между активными операторами, начиная с наименее загруженного.
func (e *Engine) AutoDistribute(ctx context.Context, role domain.Role) (DistributionReport, error) {
	report := DistributionReport{Role: role, Assigned: make([]Placement, 0), Failed: make([]BulkFailure, 0)}
	route, ok := domain.RouteFor(role)
	if !ok {
		return report, &domain.InvalidOperatorError{Role: role, Reason: "role has no assignment pool"}
	}

	pool, held, err := e.poolHoldings(ctx, role)
	if err != nil {
		return report, err
	}
	if len(pool) == 0 {
		return report, &domain.InvalidOperatorError{Role: role, Reason: "no active operators in pool"}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		li, lj := len(held[pool[i].ID]), len(held[pool[j].ID])
		if li != lj {
			return li < lj
		}
		return pool[i].ID < pool[j].ID
	})

	waiting, err := e.store.States().ListOpenByKinds(ctx, route.Sources...)
	if err != nil {
		return report, fmt.Errorf("list waiting orders: %w", err)
	}

	next := 0
	for _, st := range waiting {
		// Возврат на подтверждение уже адресован конкретному оператору.
		if st.OperatorID != "" {
			continue
		}
		op := pool[next%len(pool)]
		next++

		err := e.retrier.Do(ctx, "auto_distribute", st.OrderID, func(ctx context.Context) error {
			_, err := e.run(ctx, "auto_distribute", Request{
				OrderID:    st.OrderID,
				OperatorID: op.ID,
				ActorID:    domain.SystemOperatorID,
				Comment:    "auto distribution",
			}, modeAssign, domain.AuditAutoDistributed)
			return err
		})
		if err != nil {
			report.Failed = append(report.Failed, BulkFailure{OrderID: st.OrderID, Reason: err.Error(), Err: err})
			continue
		}
		report.Assigned = append(report.Assigned, Placement{OrderID: st.OrderID, OperatorID: op.ID})
	}

	e.logger.WithFields(log.Fields{
		"role":     role,
		"assigned": len(report.Assigned),
		"failed":   len(report.Failed),
	}).Info("auto distribution finished")
	return report, nil
}

// Rebalance переносит заказы от операторов с нагрузкой выше mean+threshold
// к операторам с нагрузкой ниже mean-threshold. Каждый перенос выполняется в отдельной
// транзакция, в которой заново проверяется, что заказ всё ещё у донора.
func (e *Engine) Rebalance(ctx context.Context, role domain.Role, threshold float64) (RebalanceReport, error) {
	if threshold < 0 {
		threshold = 0
	}
	report := RebalanceReport{Role: role, Threshold: threshold, Moves: make([]Move, 0), Failed: make([]BulkFailure, 0)}
	if _, ok := domain.RouteFor(role); !ok {
		return report, &domain.InvalidOperatorError{Role: role, Reason: "role has no assignment pool"}
	}

	pool, held, err := e.poolHoldings(ctx, role)
	if err != nil {
		return report, err
	}
	load := make(map[string]int, len(pool))
	total := 0
	for _, op := range pool {
		load[op.ID] = len(held[op.ID])
		total += load[op.ID]
	}
	report.Load = load
	if len(pool) < 2 || total == 0 {
		return report, nil
	}
	mean := float64(total) / float64(len(pool))
	report.Mean = mean

	for attempts := 0; attempts < total; attempts++ {
		donor, receiver := pickPair(pool, load, held, mean, threshold)
		if donor == "" || receiver == "" {
			break
		}

		// Переносим самый свежий заказ донора.
		candidates := held[donor]
		st := candidates[len(candidates)-1]
		held[donor] = candidates[:len(candidates)-1]

		err := e.retrier.Do(ctx, "rebalance", st.OrderID, func(ctx context.Context) error {
			_, err := e.run(ctx, "rebalance", Request{
				OrderID:    st.OrderID,
				OperatorID: receiver,
				ActorID:    domain.SystemOperatorID,
				Comment:    fmt.Sprintf("rebalanced from %s to %s", donor, receiver),
				expectFrom: donor,
			}, modeReassign, domain.AuditAutoRebalanced)
			return err
		})
		if err != nil {
			report.Failed = append(report.Failed, BulkFailure{OrderID: st.OrderID, Reason: err.Error(), Err: err})
			continue
		}
		load[donor]--
		load[receiver]++
		report.Moves = append(report.Moves, Move{OrderID: st.OrderID, From: donor, To: receiver})
	}

	e.logger.WithFields(log.Fields{
		"role":   role,
		"mean":   mean,
		"moves":  len(report.Moves),
		"failed": len(report.Failed),
	}).Info("rebalance finished")
	return report, nil
}

// pickPair выбирает самого загруженного донора, у которого остались заказы,
// и наименее загруженного получателя. Пара возвращается, только если перенос
// строго сокращает разрыв: после него получатель не станет загруженнее донора.
func pickPair(pool []domain.Operator, load map[string]int, held map[string][]domain.OrderState, mean, threshold float64) (string, string) {
	var donor, receiver string
	for _, op := range pool {
		l := float64(load[op.ID])
		if l > mean+threshold && len(held[op.ID]) > 0 {
			if donor == "" || load[op.ID] > load[donor] || (load[op.ID] == load[donor] && op.ID < donor) {
				donor = op.ID
			}
		}
		if l < mean-threshold {
			if receiver == "" || load[op.ID] < load[receiver] || (load[op.ID] == load[receiver] && op.ID < receiver) {
				receiver = op.ID
			}
		}
	}
	if donor == "" || receiver == "" || load[donor]-load[receiver] < 2 {
		return "", ""
	}
	return donor, receiver
}

// poolHoldings возвращает активных операторов роли и их открытые состояния
// в целевом состоянии пула в порядке открытия.
func (e *Engine) poolHoldings(ctx context.Context, role domain.Role) ([]domain.Operator, map[string][]domain.OrderState, error) {
	route, ok := domain.RouteFor(role)
	if !ok {
		return nil, nil, &domain.InvalidOperatorError{Role: role, Reason: "role has no assignment pool"}
	}
	pool, err := e.store.Operators().ListActiveByRole(ctx, role)
	if err != nil {
		return nil, nil, fmt.Errorf("list pool: %w", err)
	}
	open, err := e.store.States().ListOpenByKinds(ctx, route.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("list held orders: %w", err)
	}

	held := make(map[string][]domain.OrderState, len(pool))
	for _, op := range pool {
		held[op.ID] = nil
	}
	for _, st := range open {
		if _, inPool := held[st.OperatorID]; inPool {
			held[st.OperatorID] = append(held[st.OperatorID], st)
		}
	}
	return pool, held, nil
}
