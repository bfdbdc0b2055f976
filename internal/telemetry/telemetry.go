package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ErrMissingServiceName возвращается при пустом имени сервиса.
var ErrMissingServiceName = errors.New("telemetry: service name is required")

// Config задаёт экспорт трасс. Пустой OTLPEndpoint отключает экспорт.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	SampleRate     float64
}

// Tracing владеет провайдером трасс и закрывает его при остановке.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// Option настраивает Setup.
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
}

// WithExporter подменяет OTLP-экспортёр (тесты).
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// Setup регистрирует глобальный TracerProvider. Без endpoint и экспортёра
// остаётся no-op провайдер otel, и спаны ничего не стоят.
func Setup(ctx context.Context, cfg Config, opts ...Option) (*Tracing, error) {
	if cfg.ServiceName == "" {
		return nil, ErrMissingServiceName
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.exporter == nil && cfg.OTLPEndpoint == "" {
		return &Tracing{}, nil
	}

	exporter := o.exporter
	if exporter == nil {
		var err error
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracing{provider: tp}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Shutdown сбрасывает буфер спанов и останавливает провайдер.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// Enabled сообщает, что экспорт трасс включён.
func (t *Tracing) Enabled() bool {
	return t != nil && t.provider != nil
}
