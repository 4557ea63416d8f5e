// Package telemetry defines the observability surface of the engine:
// structured logging, step metrics, and span creation. The interfaces are
// intentionally small so tests can provide lightweight stubs; production
// deployments use the Clue-backed implementations, which delegate to
// goa.design/clue/log and the global OpenTelemetry providers.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names emitted by the engine. All carry correlation_id-free tags
// (agent, status) to keep cardinality bounded.
const (
	MetricWorkflowsDispatched = "paigeant.workflows.dispatched"
	MetricStepsCompleted      = "paigeant.steps.completed"
	MetricStepsFailed         = "paigeant.steps.failed"
	MetricStepsRetried        = "paigeant.steps.retried"
	MetricStepDuration        = "paigeant.step.duration"
)

type (
	// Logger captures structured logging used throughout the engine.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and timer helpers for engine instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer abstracts span creation so engine code stays agnostic of the
	// underlying OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
