// Package jobs запускает плановые задачи обслуживания по cron-расписанию.
// Задачи явные: их можно остановить или вызвать один раз вручную.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// ErrUnknownJob возвращается RunOnce для незарегистрированного имени.
var ErrUnknownJob = errors.New("unknown job")

// Job — плановая задача.
type Job struct {
	Name string
	// Schedule — cron-выражение (5 полей, допускается шестое поле секунд
	// и дескрипторы вида @every 5m). Пустое расписание регистрирует задачу
	// только для RunOnce.
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler держит cron и реестр задач.
type Scheduler struct {
	cron    *cron.Cron
	logger  *log.Entry
	metrics *metrics.FulfillmentMetrics

	mu      sync.Mutex
	jobs    map[string]Job
	baseCtx context.Context
	cancel  context.CancelFunc
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewScheduler создаёт планировщик. Повторный запуск задачи пропускается,
// пока предыдущий ещё выполняется.
func NewScheduler(logger *log.Entry, m *metrics.FulfillmentMetrics) *Scheduler {
	if logger == nil {
		logger = log.WithField("component", "job-scheduler")
	}
	cronLogger := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger:  logger,
		metrics: m,
		jobs:    make(map[string]Job),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Add регистрирует задачу.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job must have a name and a run func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if job.Schedule != "" {
		if _, err := s.cron.AddFunc(job.Schedule, func() {
			_ = s.execute(s.baseCtx, job)
		}); err != nil {
			return fmt.Errorf("schedule job %q: %w", job.Name, err)
		}
	}
	s.jobs[job.Name] = job
	return nil
}

// Names возвращает имена зарегистрированных задач.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start запускает cron.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", s.Names()).Info("job scheduler started")
}

// Stop останавливает cron, отменяет контекст выполняющихся задач и ждёт
// их завершения не дольше, чем позволяет ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("job scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce выполняет задачу синхронно, вне расписания.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	s.metrics.JobStarted()
	defer s.metrics.JobFinished()

	started := time.Now()
	err := job.Run(ctx)
	entry := s.logger.WithFields(log.Fields{
		"job":      job.Name,
		"duration": time.Since(started).String(),
	})
	s.metrics.ObserveOperation("job."+job.Name, time.Since(started))
	if err != nil {
		entry.WithError(err).Error("job failed")
		return err
	}
	entry.Debug("job finished")
	return nil
}
