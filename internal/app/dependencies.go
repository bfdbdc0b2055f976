package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
)

// runtimeDependencies — хранилище и связанные с ним репозитории.
type runtimeDependencies struct {
	store           domain.Store
	idempotencyRepo domain.IdempotencyRepository
	driver          StorageDriver
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// initRuntimeDependencies открывает хранилище выбранного драйвера.
// Для postgres при включённой автомиграции схема доводится до последней версии.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		logger.Warn("using in-memory storage: data is lost on restart")
		return &runtimeDependencies{
			store:           memory.NewStore(memory.WithLockTimeout(cfg.LockTimeout)),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			driver:          StorageDriverMemory,
		}, nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("postgres storage requires %sPOSTGRES_DSN", EnvPrefix)
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithLockTimeout(cfg.LockTimeout),
			postgres.WithLogger(logger.WithField("layer", "postgres")),
		)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			applied, err := store.MigrateUp(ctx, 0)
			if err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
			logger.WithField("applied", applied).Info("postgres schema is up to date")
		}
		return &runtimeDependencies{
			store:           store,
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			driver:          StorageDriverPostgres,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}
