package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FulfillmentMetrics содержит метрики ledger-ов и движков.
// Все методы безопасны для nil-получателя.
type FulfillmentMetrics struct {
	// Переходы состояний
	transitions *prometheus.CounterVec

	// Назначения
	assignments        *prometheus.CounterVec
	assignmentFailures *prometheus.CounterVec
	rebalanceMoves     prometheus.Counter

	// Сверка и склад
	reconciliations *prometheus.CounterVec
	stockMovements  *prometheus.CounterVec

	// Конкуренция и ремонт
	contention     *prometheus.CounterVec
	repairedStates prometheus.Counter

	// Время выполнения операций
	operationDuration *prometheus.HistogramVec

	// Gauge для выполняющихся фоновых заданий
	activeJobs prometheus.Gauge
}

// NewFulfillmentMetrics создаёт метрики в DefaultRegisterer.
func NewFulfillmentMetrics() *FulfillmentMetrics {
	return NewFulfillmentMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewFulfillmentMetricsWithRegisterer создаёт метрики в указанном registerer (тесты, изоляция).
func NewFulfillmentMetricsWithRegisterer(registerer prometheus.Registerer) *FulfillmentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &FulfillmentMetrics{
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_state_transitions_total",
			Help: "Total number of committed order state transitions",
		}, []string{"from", "to"}),
		assignments: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_assignments_total",
			Help: "Total number of committed assignments by audit kind",
		}, []string{"kind"}),
		assignmentFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_assignment_failures_total",
			Help: "Total number of rejected assignments by reason",
		}, []string{"reason"}),
		rebalanceMoves: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_rebalance_moves_total",
			Help: "Total number of orders moved by rebalancing",
		}),
		reconciliations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_reconciliations_total",
			Help: "Total number of reconciliation operations by kind and result",
		}, []string{"kind", "result"}),
		stockMovements: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_stock_movements_total",
			Help: "Total number of committed stock movements by kind",
		}, []string{"kind"}),
		contention: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_lock_contention_total",
			Help: "Total number of operations rejected by lock timeout",
		}, []string{"operation"}),
		repairedStates: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_repaired_states_total",
			Help: "Total number of duplicate open states closed by the repair sweep",
		}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_operation_duration_seconds",
			Help:    "Duration of engine operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		activeJobs: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_active_jobs",
			Help: "Number of scheduled jobs currently running",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordTransition учитывает зафиксированный переход from -> to.
func (m *FulfillmentMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordAssignment учитывает назначение по виду аудита.
func (m *FulfillmentMetrics) RecordAssignment(kind string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(kind).Inc()
}

// RecordAssignmentFailure учитывает отклонённое назначение.
func (m *FulfillmentMetrics) RecordAssignmentFailure(reason string) {
	if m == nil {
		return
	}
	m.assignmentFailures.WithLabelValues(reason).Inc()
}

// RecordRebalanceMove учитывает перенос заказа при ребалансе.
func (m *FulfillmentMetrics) RecordRebalanceMove() {
	if m == nil {
		return
	}
	m.rebalanceMoves.Inc()
}

// RecordReconciliation учитывает операцию сверки.
func (m *FulfillmentMetrics) RecordReconciliation(kind, result string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(kind, result).Inc()
}

// RecordStockMovement учитывает зафиксированное движение остатка.
func (m *FulfillmentMetrics) RecordStockMovement(kind string) {
	if m == nil {
		return
	}
	m.stockMovements.WithLabelValues(kind).Inc()
}

// RecordContention учитывает отказ по таймауту блокировки.
func (m *FulfillmentMetrics) RecordContention(operation string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(operation).Inc()
}

// RecordRepairedStates учитывает закрытые ремонтом состояния.
func (m *FulfillmentMetrics) RecordRepairedStates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.repairedStates.Add(float64(n))
}

// ObserveOperation записывает время выполнения операции.
func (m *FulfillmentMetrics) ObserveOperation(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// JobStarted увеличивает количество выполняющихся заданий.
func (m *FulfillmentMetrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

// JobFinished уменьшает количество выполняющихся заданий.
func (m *FulfillmentMetrics) JobFinished() {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
}
