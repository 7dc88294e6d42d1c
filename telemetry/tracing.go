package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with fleet-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartProbeSpan starts a client span for one credential health check.
// Only the token suffix is recorded.
func (t *Tracer) StartProbeSpan(ctx context.Context, tokenSuffix string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "probe.getMe", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("credential.suffix", tokenSuffix))
	return ctx, span
}

// EndProbeSpan records the classification and attempt count.
func (t *Tracer) EndProbeSpan(span trace.Span, health string, attempts int, err error) {
	span.SetAttributes(
		attribute.String("probe.health", health),
		attribute.Int("probe.attempts", attempts),
	)
	end(span, err)
}

// StartCycleSpan starts a span for one supervisor reconciliation cycle.
func (t *Tracer) StartCycleSpan(ctx context.Context, supervisor string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "cycle."+supervisor, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("fleet.supervisor", supervisor))
	return ctx, span
}

// CycleSpanOptions summarizes one reconciliation cycle.
type CycleSpanOptions struct {
	Healthy     int
	Invalid     int
	Unreachable int
	Started     int
	Stopped     int
}

// EndCycleSpan ends a cycle span with its tallies.
func (t *Tracer) EndCycleSpan(span trace.Span, opts CycleSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("fleet.healthy", opts.Healthy),
		attribute.Int("fleet.invalid", opts.Invalid),
		attribute.Int("fleet.unreachable", opts.Unreachable),
		attribute.Int("fleet.started", opts.Started),
		attribute.Int("fleet.stopped", opts.Stopped),
	)
	end(span, err)
}

// StartProvisionSpan starts a span for one bot-creation conversation.
func (t *Tracer) StartProvisionSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "provision.main", trace.WithSpanKind(trace.SpanKindClient))
}

// EndProvisionSpan ends a provisioning span.
func (t *Tracer) EndProvisionSpan(span trace.Span, identifier string, attempts int, err error) {
	span.SetAttributes(
		attribute.String("provision.identifier", identifier),
		attribute.Int("provision.attempts", attempts),
	)
	end(span, err)
}

// StartDispatchSpan starts a server span for one relay request.
func (t *Tracer) StartDispatchSpan(ctx context.Context, requestID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "relay.dispatch", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("relay.request_id", requestID))
	return ctx, span
}

// EndDispatchSpan ends a dispatch span with the routing outcome.
func (t *Tracer) EndDispatchSpan(span trace.Span, identity string, status int, err error) {
	span.SetAttributes(
		attribute.String("relay.target_identity", identity),
		attribute.Int("http.response.status_code", status),
	)
	end(span, err)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
