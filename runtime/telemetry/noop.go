package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger drops every message. The registries and the coordinator
	// fall back to it when no logger option is given.
	NoopLogger struct{}

	// NoopMetrics drops every counter, timer and gauge sample.
	NoopMetrics struct{}

	// NoopTracer hands out spans that record nothing.
	NoopTracer struct{}

	noopSpan struct{}
)

// NewNoopLogger returns a Logger that drops every message. Tests use it to
// keep registry output quiet.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics returns a Metrics recorder that drops every sample, for
// components built without WithMetrics.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// NewNoopTracer returns a Tracer whose spans record nothing.
func NewNoopTracer() Tracer { return NoopTracer{} }

// Debug drops the message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info drops the message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn drops the message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error drops the message. Persistence failures logged here are lost, so
// production wiring should always pass a real logger.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter drops the increment.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer drops the duration.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge drops the reading, such as the live session count published
// after each lifecycle commit.
func (NoopMetrics) RecordGauge(string, float64, ...string) {}

// Start leaves ctx untouched and returns a span that records nothing.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) End(...trace.SpanEndOption)              {}
func (noopSpan) AddEvent(string, ...any)                 {}
func (noopSpan) SetStatus(codes.Code, string)            {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}
