// Package app собирает сервис: хранилище, движки, HTTP API, gRPC health,
// метрики, плановые задачи и обмен с Kafka.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/jobs"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/maintenance"
	"github.com/vladislavdragonenkov/fulfillment/internal/telemetry"
	"github.com/vladislavdragonenkov/fulfillment/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

// ServiceName — имя сервиса в трассах и gRPC health.
const ServiceName = "fulfillment"

// Run поднимает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}
	build := version.Current()

	tracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    ServiceName,
		ServiceVersion: build.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing(tracing, cfg.ShutdownTimeout, logger)

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	m := metrics.NewFulfillmentMetrics()
	svc := NewServices(deps.store, cfg, m, logger)

	if cfg.SeedFile != "" {
		seed, err := LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := ApplySeed(ctx, deps.store, svc.Stock, seed, logger); err != nil {
			return err
		}
	}

	scheduler, err := NewJobScheduler(svc, cfg, m, logger)
	if err != nil {
		return err
	}

	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(producer, logger)

	healthHandler := newHealthHandler(build, deps, cfg)

	httpServices := svc.HTTPServices()
	httpServices.Idempotency = deps.idempotencyRepo
	httpServices.Health = healthHandler
	api := httpapi.NewServer(httpServices, logger.WithField("layer", "http"), httpapi.Options{
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	apiSrv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}
	metricsSrv := &http.Server{Handler: metricsMux(healthHandler), ReadHeaderTimeout: 5 * time.Second}
	grpcServer, grpcHealth := newGRPCServer(logger)

	listeners, err := listenAll(cfg.HTTPAddr, cfg.GRPCAddr, cfg.MetricsAddr)
	if err != nil {
		return err
	}
	httpLis, grpcLis, metricsLis := listeners[0], listeners[1], listeners[2]

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", httpLis.Addr().String()).Info("HTTP API слушает")
		if err := apiSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", grpcLis.Addr().String()).Info("gRPC health слушает")
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", metricsLis.Addr().String()).Info("метрики и health checks доступны")
		if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	if producer != nil {
		worker := newOutboxWorker(deps.store.Outbox(), producer, cfg, logger)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	cleaner := maintenance.NewKeyCleaner(deps.idempotencyRepo,
		maintenance.WithLogger(logger.WithField("component", "idempotency-cleaner")),
		maintenance.WithInterval(cfg.IdempotencyCleanupInterval),
		maintenance.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	g.Go(func() error {
		cleaner.Run(gctx)
		return nil
	})

	consumer, err := startDeliveryConsumer(gctx, cfg, svc.Ledger, producer, logger)
	if err != nil {
		logger.WithError(err).Warn("delivery report consumer is disabled")
	}

	scheduler.Start()

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем сервис")
		grpcHealth.Shutdown()
		stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
		shutdownHTTP(apiSrv, cfg.ShutdownTimeout, logger)
		shutdownHTTP(metricsSrv, cfg.ShutdownTimeout, logger)
		stopScheduler(scheduler, cfg.ShutdownTimeout, logger)
		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				logger.WithError(err).Warn("failed to stop delivery consumer")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func listenAll(addrs ...string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, lis)
	}
	return listeners, nil
}

// newGRPCServer поднимает gRPC только со стандартным health-сервисом и reflection.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return server, healthServer
}

func newHealthHandler(build version.Build, deps *runtimeDependencies, cfg Config) *healthcheck.Handler {
	h := healthcheck.NewHandler(build)
	h.RegisterChecker("storage", healthcheck.NewPingChecker("storage", deps.store))

	outboxRepo := deps.store.Outbox()
	h.RegisterChecker("outbox", healthcheck.NewBacklogChecker("outbox", healthcheck.BacklogFunc(
		func(ctx context.Context) (int, time.Time, error) {
			stats, err := outboxRepo.Stats(ctx)
			return stats.PendingCount, stats.OldestPendingAt, err
		}), cfg.OutboxMaxPendingAge))
	return h
}

// metricsMux отдаёт /metrics для Prometheus и probe-эндпоинты.
func metricsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	return mux
}

func stopGRPC(server *grpc.Server, timeout time.Duration, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

func stopScheduler(scheduler *jobs.Scheduler, timeout time.Duration, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := scheduler.Stop(ctx); err != nil {
		logger.WithError(err).Warn("scheduled jobs did not finish in time")
	}
}

func shutdownTracing(tracing *telemetry.Tracing, timeout time.Duration, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("failed to flush traces")
	}
}

// RunJobs выполняет задачи один раз и выходит. Используется внешним планировщиком.
func RunJobs(ctx context.Context, cfg Config, names []string) error {
	logger := log.WithField("component", "jobs")
	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	m := metrics.NewFulfillmentMetrics()
	svc := NewServices(deps.store, cfg, m, logger)
	scheduler, err := NewJobScheduler(svc, cfg, m, logger)
	if err != nil {
		return err
	}
	defer stopScheduler(scheduler, cfg.ShutdownTimeout, logger)
	if len(names) == 0 {
		names = scheduler.Names()
	}

	var errs []error
	for _, name := range names {
		if err := scheduler.RunOnce(ctx, name); err != nil {
			logger.WithError(err).WithField("job", name).Error("job failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.WithField("job", name).Info("job finished")
	}
	return errors.Join(errs...)
}
