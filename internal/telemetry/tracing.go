package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/vladislavdragonenkov/fulfillment"

// StartSpan открывает спан операции движка.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// OrderID — атрибут идентификатора заказа.
func OrderID(id string) attribute.KeyValue {
	return attribute.String("order.id", id)
}

// OperatorID — атрибут идентификатора оператора.
func OperatorID(id string) attribute.KeyValue {
	return attribute.String("operator.id", id)
}

// End закрывает спан, помечая ошибку или успех.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID возвращает идентификатор трассы из контекста или пустую строку.
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}
