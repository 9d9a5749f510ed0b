// Package test provides a no-op Tracer for use in tests and in the demo
// binary when no OTLP collector is configured.
package test

import (
	"context"

	"github.com/DMarby/imagepipeline/internal/logger"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer is a stand-in for tracing.Tracer that never exports spans.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer backed by the otel no-op implementation.
func New(log *logger.Logger) *Tracer {
	log.Infow("tracing disabled, using no-op tracer")
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("test")}
}

// Start starts a no-op span.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// Shutdown is a no-op.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return nil
}
