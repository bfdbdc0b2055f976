package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/jobs"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/assignment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/audit"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/maintenance"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/reconciliation"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/retry"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
	"github.com/vladislavdragonenkov/fulfillment/internal/transport/httpapi"
)

// Services — собранные движки поверх одного хранилища.
type Services struct {
	Ledger         *ledger.Ledger
	Stock          *stock.Ledger
	Pricing        *pricing.Engine
	Basket         *pricing.Basket
	Assignment     *assignment.Engine
	Reconciliation *reconciliation.Engine
	Audit          *audit.Log
	Sweeper        *maintenance.Sweeper
}

// NewServices связывает движки. Ledger остаётся единственным писателем состояний,
// остальные получают его явно.
func NewServices(store domain.Store, cfg Config, m *metrics.FulfillmentMetrics, logger *log.Entry) *Services {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	component := func(name string) *log.Entry { return logger.WithField("component", name) }

	states := ledger.New(store, component("state-ledger"), m)
	stockLedger := stock.New(store, component("stock-ledger"), m)
	prices := pricing.NewEngine(pricing.FeePolicy{Fees: cfg.DeliveryFees, DefaultMinor: cfg.DeliveryFeeDefault})

	return &Services{
		Ledger:  states,
		Stock:   stockLedger,
		Pricing: prices,
		Basket:  pricing.NewBasket(store, states, prices, component("basket")),
		Assignment: assignment.NewEngine(store, states, component("assignment-engine"), m,
			assignment.WithRetrier(retry.New(retry.DefaultConfig(), component("assignment-retry"))),
		),
		Reconciliation: reconciliation.NewEngine(store, states, stockLedger, prices, component("reconciliation-engine"), m),
		Audit:          audit.New(store, component("audit-log")),
		Sweeper: maintenance.NewSweeper(store, states,
			maintenance.WithLogger(component("state-sweeper")),
			maintenance.WithMetrics(m),
		),
	}
}

// HTTPServices возвращает набор сервисов для HTTP API.
func (s *Services) HTTPServices() httpapi.Services {
	return httpapi.Services{
		Basket:         s.Basket,
		States:         s.Ledger,
		Assignment:     s.Assignment,
		Reconciliation: s.Reconciliation,
		Stock:          s.Stock,
		Audit:          s.Audit,
	}
}

// NewJobScheduler регистрирует ребаланс каждого пула и ремонт состояний.
// Задачи с пустым расписанием доступны только через RunOnce.
func NewJobScheduler(svc *Services, cfg Config, m *metrics.FulfillmentMetrics, logger *log.Entry) (*jobs.Scheduler, error) {
	scheduler := jobs.NewScheduler(logger.WithField("component", "job-scheduler"), m)
	for _, job := range jobs.RebalanceJobs(svc.Assignment, cfg.RebalanceSchedule, cfg.RebalanceThreshold, logger.WithField("component", "rebalance-job")) {
		if err := scheduler.Add(job); err != nil {
			return nil, err
		}
	}
	if err := scheduler.Add(jobs.SweepJob(svc.Sweeper, cfg.SweepSchedule)); err != nil {
		return nil, err
	}
	return scheduler, nil
}
