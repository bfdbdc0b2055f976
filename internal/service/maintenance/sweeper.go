package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
)

const (
	defaultSweepInterval  = 5 * time.Minute
	defaultSweepBatchSize = 100
)

var stateSweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fulfillment_state_sweep_runs_total",
	Help: "Total number of duplicate open state sweeps grouped by result.",
}, []string{"result"})

// Repair описывает ремонт одного заказа.
type Repair struct {
	OrderID string
	Kept    domain.OrderState
	Closed  []domain.OrderState
	AuditID string
}

// SweepReport — итог одного прохода.
type SweepReport struct {
	Repairs []Repair
	Failed  map[string]error
}

// ClosedCount возвращает число закрытых состояний.
func (r SweepReport) ClosedCount() int {
	n := 0
	for _, rep := range r.Repairs {
		n += len(rep.Closed)
	}
	return n
}

type closedRef struct {
	StateID string           `json:"state_id"`
	Kind    domain.StateKind `json:"kind"`
}

type repairPayload struct {
	OrderID     string           `json:"order_id"`
	KeptStateID string           `json:"kept_state_id"`
	KeptKind    domain.StateKind `json:"kept_kind"`
	Closed      []closedRef      `json:"closed"`
}

// Sweeper находит заказы с несколькими открытыми состояниями и оставляет
// открытым только самое позднее. Каждый ремонт пишет аудит state_repaired.
type Sweeper struct {
	store     domain.Store
	ledger    *ledger.Ledger
	logger    *log.Entry
	metrics   *metrics.FulfillmentMetrics
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewSweeper создаёт задачу ремонта.
func NewSweeper(store domain.Store, l *ledger.Ledger, options ...Option) *Sweeper {
	opts := buildOptions("state-sweeper", defaultSweepInterval, defaultSweepBatchSize, options)
	return &Sweeper{
		store:     store,
		ledger:    l,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run запускает периодический ремонт до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	runEvery(ctx, s.interval, func(ctx context.Context) {
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Warn("state sweep failed")
		}
	})
}

// SweepOnce чинит все найденные заказы. Ошибка ремонта одного заказа
// не останавливает проход и попадает в Failed.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Failed: map[string]error{}}
	seen := map[string]struct{}{}

	for {
		if err := ctx.Err(); err != nil {
			stateSweepRunsTotal.WithLabelValues("error").Inc()
			return report, err
		}

		ids, err := s.store.States().OrdersWithMultipleOpen(ctx, s.batchSize)
		if err != nil {
			stateSweepRunsTotal.WithLabelValues("error").Inc()
			return report, fmt.Errorf("find duplicate open states: %w", err)
		}

		progressed := false
		for _, id := range ids {
			if _, done := seen[id]; done {
				continue
			}
			seen[id] = struct{}{}
			progressed = true

			rep, err := s.repair(ctx, id)
			if err != nil {
				report.Failed[id] = err
				s.logger.WithError(err).WithField("order_id", id).Warn("state repair failed")
				continue
			}
			if len(rep.Closed) > 0 {
				report.Repairs = append(report.Repairs, rep)
			}
		}

		if !progressed || len(ids) < s.batchSize {
			break
		}
	}

	result := "ok"
	if len(report.Failed) > 0 {
		result = "partial"
	}
	stateSweepRunsTotal.WithLabelValues(result).Inc()
	if closed := report.ClosedCount(); closed > 0 {
		s.logger.WithFields(log.Fields{
			"orders": len(report.Repairs),
			"closed": closed,
		}).Warn("duplicate open states repaired")
	}
	return report, nil
}

func (s *Sweeper) repair(ctx context.Context, orderID string) (Repair, error) {
	rep := Repair{OrderID: orderID}
	err := s.store.InTx(ctx, domain.LockScope{Orders: []string{orderID}}, func(ctx context.Context, tx domain.Tx) error {
		kept, closed, err := s.ledger.RepairDuplicates(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if len(closed) == 0 {
			return nil
		}
		rep.Kept, rep.Closed = kept, closed

		payload := repairPayload{OrderID: orderID, KeptStateID: kept.ID, KeptKind: kept.Kind}
		for _, st := range closed {
			payload.Closed = append(payload.Closed, closedRef{StateID: st.ID, Kind: st.Kind})
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal repair payload: %w", err)
		}
		audit := domain.AuditOperation{
			ID:         uuid.NewString(),
			OrderID:    orderID,
			Kind:       domain.AuditStateRepaired,
			OperatorID: domain.SystemOperatorID,
			StateID:    kept.ID,
			Conclusion: fmt.Sprintf("closed %d duplicate open state(s)", len(closed)),
			Payload:    body,
			CreatedAt:  s.now(),
		}
		if err := tx.Audit().Append(ctx, audit); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		rep.AuditID = audit.ID

		n := len(closed)
		tx.AfterCommit(func() { s.metrics.RecordRepairedStates(n) })
		return events.Order(ctx, tx, orderID, events.OrderStateRepaired, payload)
	})
	if err != nil {
		return Repair{OrderID: orderID}, err
	}
	return rep, nil
}
