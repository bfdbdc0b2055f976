// Package maintenance содержит фоновые задачи обслуживания хранилища:
// ремонт дублирующихся открытых состояний и очистку просроченных
// idempotency-ключей.
package maintenance

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Options задаёт параметры фоновой задачи.
type Options struct {
	Logger    *log.Entry
	Metrics   *metrics.FulfillmentMetrics
	Interval  time.Duration
	BatchSize int
}

// Option настраивает задачу.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.FulfillmentMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithInterval задаёт интервал между циклами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт размер порции за один запрос к хранилищу.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

func buildOptions(component string, interval time.Duration, batch int, options []Option) Options {
	opts := Options{Interval: interval, BatchSize: batch}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", component)
	}
	if opts.Interval <= 0 {
		opts.Interval = interval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = batch
	}
	return opts
}

// runEvery выполняет fn сразу и затем по тикеру до отмены ctx.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
