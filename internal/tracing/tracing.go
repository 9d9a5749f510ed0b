// Package tracing wires OpenTelemetry tracing for the pipeline and its demo
// HTTP surface: a tracer provider exporting via OTLP/gRPC, plus helpers for
// pulling trace/span IDs out of a context for log correlation.
package tracing

import (
	"context"
	"time"

	"github.com/DMarby/imagepipeline/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an otel TracerProvider with the single tracer used throughout
// the pipeline.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New creates a Tracer that exports spans via OTLP/gRPC to the collector
// configured through the standard OTEL_EXPORTER_OTLP_* environment
// variables. The returned Tracer must be Shutdown to flush pending spans.
func New(ctx context.Context, log *logger.Logger, serviceName string) (*Tracer, error) {
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	log.Infow("tracing initialized", "service", serviceName)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
	}, nil
}

// Start starts a new span as a child of the span (if any) in ctx.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// Starter is satisfied by both Tracer and test.Tracer, letting the demo
// binary and tests swap a real exporter for a no-op one.
type Starter interface {
	Start(ctx context.Context, name string) (context.Context, trace.Span)
}

// Shutdown flushes and stops the exporter, bounded by the given context.
func (t *Tracer) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(shutdownCtx)
}

// TraceInfo returns the hex trace and span IDs for the span (if any) carried
// by ctx, or two empty strings if ctx carries no valid span context.
func TraceInfo(ctx context.Context) (traceID, spanID string) {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
