package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// OTel adapts an OpenTelemetry tracer to the engine's Tracer interface.
type OTel struct {
	tracer trace.Tracer
}

// NewOTel wraps the named tracer from the global provider.
func NewOTel(name string) *OTel {
	return &OTel{tracer: otel.Tracer(name)}
}

// NewOTelWithTracer wraps an explicit tracer, for tests and custom
// providers.
func NewOTelWithTracer(t trace.Tracer) *OTel {
	return &OTel{tracer: t}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

func (s otelSpan) End() { s.span.End() }

// Start opens a span with the given attributes.
func (o *OTel) Start(ctx context.Context, name string, attrs map[string]any) (context.Context, Span) {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kvs = append(kvs, attribute.String(k, val))
		case int:
			kvs = append(kvs, attribute.Int(k, val))
		case int64:
			kvs = append(kvs, attribute.Int64(k, val))
		case float64:
			kvs = append(kvs, attribute.Float64(k, val))
		case bool:
			kvs = append(kvs, attribute.Bool(k, val))
		default:
			kvs = append(kvs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	ctx, span := o.tracer.Start(ctx, name, trace.WithAttributes(kvs...))
	return ctx, otelSpan{span: span}
}

// NewOTLPProvider builds a tracer provider exporting over OTLP/gRPC and
// installs it as the global provider. The caller owns shutdown.
func NewOTLPProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}
