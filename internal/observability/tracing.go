package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracingConfig holds configuration for tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Tracing wraps the global OpenTelemetry tracer with the span lifecycle the
// gateway needs around a dispatch attempt or a health probe: start, attach
// request attributes, record the outcome, end.
type Tracing struct {
	config TracingConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewTracing creates a new tracing instance. With no tracer provider
// registered globally, otel.Tracer returns a no-op tracer, so Enabled gates
// nothing here — it exists for callers that want to skip the attribute work
// entirely rather than build spans nothing will ever export.
func NewTracing(config TracingConfig, logger *zap.Logger) *Tracing {
	if config.ServiceName == "" {
		config.ServiceName = "llmgate"
	}
	return &Tracing{
		config: config,
		logger: logger,
		tracer: otel.Tracer(config.ServiceName),
	}
}

// IsEnabled reports whether tracing spans should be built at all.
func (t *Tracing) IsEnabled() bool {
	return t.config.Enabled
}

// StartSpan starts a new span for the given operation.
func (t *Tracing) StartSpan(ctx context.Context, operationName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operationName)
}

// SetAttributes sets string attributes on the current span.
func (t *Tracing) SetAttributes(ctx context.Context, attributes map[string]string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	otelAttrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		otelAttrs = append(otelAttrs, attribute.String(k, v))
	}
	span.SetAttributes(otelAttrs...)
}

// RecordError records an error on the current span and marks its status.
func (t *Tracing) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceDispatch wraps one route-dispatch attempt in a span carrying the
// provider/model/strategy that was chosen, so a trace backend can show
// which backend a request actually landed on without cross-referencing logs.
func (t *Tracing) TraceDispatch(ctx context.Context, providerID, upstreamModel, strategy string, fn func(ctx context.Context) error) error {
	if !t.IsEnabled() {
		return fn(ctx)
	}

	ctx, span := t.StartSpan(ctx, "pipeline.dispatch")
	defer span.End()

	start := time.Now()
	t.SetAttributes(ctx, map[string]string{
		"gateway.provider_id":    providerID,
		"gateway.upstream_model": upstreamModel,
		"gateway.strategy":       strategy,
	})

	err := fn(ctx)

	span.SetAttributes(attribute.Int64("gateway.dispatch_duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		t.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// TraceProbe wraps one health-controller probe attempt (active or recovery)
// in a span carrying the provider it checked and the probe method.
func (t *Tracing) TraceProbe(ctx context.Context, providerID, method string, fn func(ctx context.Context) error) error {
	if !t.IsEnabled() {
		return fn(ctx)
	}

	ctx, span := t.StartSpan(ctx, "health.probe")
	defer span.End()

	t.SetAttributes(ctx, map[string]string{
		"gateway.provider_id":  providerID,
		"gateway.probe_method": method,
	})

	err := fn(ctx)
	if err != nil {
		t.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}
