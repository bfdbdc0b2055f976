package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	defaultKeyCleanupInterval  = 10 * time.Minute
	defaultKeyCleanupBatchSize = 500
)

var (
	keyCleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_idempotency_cleanup_runs_total",
		Help: "Total number of idempotency cleanup runs grouped by result.",
	}, []string{"result"})
	keyCleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_idempotency_cleanup_deleted_total",
		Help: "Total number of deleted expired idempotency records.",
	})
)

// KeyCleaner удаляет просроченные записи idempotency-ключей HTTP API.
type KeyCleaner struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewKeyCleaner создаёт задачу очистки.
func NewKeyCleaner(repo domain.IdempotencyRepository, options ...Option) *KeyCleaner {
	opts := buildOptions("idempotency-cleaner", defaultKeyCleanupInterval, defaultKeyCleanupBatchSize, options)
	return &KeyCleaner{
		repo:      repo,
		logger:    opts.Logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (c *KeyCleaner) Run(ctx context.Context) {
	if c.repo == nil {
		c.logger.Warn("idempotency cleaner is disabled: repo is nil")
		return
	}
	runEvery(ctx, c.interval, func(ctx context.Context) {
		deleted, err := c.CleanOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled):
		case err != nil:
			c.logger.WithError(err).Warn("idempotency cleanup run failed")
		case deleted > 0:
			c.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
		}
	})
}

// CleanOnce удаляет все записи с истёкшим ttl порциями batchSize.
func (c *KeyCleaner) CleanOnce(ctx context.Context) (int, error) {
	before := c.now()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := c.repo.DeleteExpired(ctx, before, c.batchSize)
		if err != nil {
			keyCleanupRunsTotal.WithLabelValues("error").Inc()
			return total, err
		}
		total += deleted
		keyCleanupDeletedTotal.Add(float64(deleted))
		if deleted < c.batchSize {
			break
		}
	}
	keyCleanupRunsTotal.WithLabelValues("ok").Inc()
	return total, nil
}
