package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordStepExecution does nothing.
func (NoopMetrics) RecordStepExecution(context.Context, string, time.Duration, error) {}

// RecordStepRetry does nothing.
func (NoopMetrics) RecordStepRetry(context.Context, string, int) {}

// RecordIntervention does nothing.
func (NoopMetrics) RecordIntervention(context.Context, string) {}

// RecordIndexAllocation does nothing.
func (NoopMetrics) RecordIndexAllocation(context.Context, string, bool) {}

// RecordRevocations does nothing.
func (NoopMetrics) RecordRevocations(context.Context, string, int, int) {}

// RecordRecovery does nothing.
func (NoopMetrics) RecordRecovery(context.Context, string, int, error) {}

// RecordDispatchFailure does nothing.
func (NoopMetrics) RecordDispatchFailure(context.Context, string) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartStepSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartStepSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartOperationSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartOperationSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
