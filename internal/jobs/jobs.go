package jobs

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/assignment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/maintenance"
)

const (
	SweepJobName           = "state-sweep"
	rebalanceJobNamePrefix = "rebalance-"
)

// RebalanceJobName возвращает имя задачи ребаланса пула роли.
func RebalanceJobName(role domain.Role) string {
	return rebalanceJobNamePrefix + string(role)
}

// RebalanceJobs создаёт по задаче ребаланса на каждый пул.
func RebalanceJobs(engine *assignment.Engine, schedule string, threshold float64, logger *log.Entry) []Job {
	if logger == nil {
		logger = log.WithField("component", "rebalance-job")
	}
	roles := domain.PoolRoles()
	out := make([]Job, 0, len(roles))
	for _, role := range roles {
		role := role
		out = append(out, Job{
			Name:     RebalanceJobName(role),
			Schedule: schedule,
			Run: func(ctx context.Context) error {
				report, err := engine.Rebalance(ctx, role, threshold)
				if err != nil {
					return fmt.Errorf("rebalance %s: %w", role, err)
				}
				if len(report.Moves) > 0 || len(report.Failed) > 0 {
					logger.WithFields(log.Fields{
						"role":   role,
						"moves":  len(report.Moves),
						"failed": len(report.Failed),
					}).Info("pool rebalanced")
				}
				return nil
			},
		})
	}
	return out
}

// SweepJob создаёт задачу ремонта дублирующихся открытых состояний.
func SweepJob(sweeper *maintenance.Sweeper, schedule string) Job {
	return Job{
		Name:     SweepJobName,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			report, err := sweeper.SweepOnce(ctx)
			if err != nil {
				return err
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("state sweep: %d order(s) not repaired", len(report.Failed))
			}
			return nil
		},
	}
}
