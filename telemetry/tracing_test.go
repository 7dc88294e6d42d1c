package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return NewTracerFrom(tp, "test"), rec
}

func attr(span sdktrace.ReadOnlySpan, key string) attribute.Value {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

// --- Unit Tests ---

func TestGetTracer_Noop(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()
	_, span := tr.StartProbeSpan(context.Background(), "abcd")
	tr.EndProbeSpan(span, "healthy", 1, nil)
}

func TestProbeSpan(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	_, span := tr.StartProbeSpan(context.Background(), "WXYZ")
	tr.EndProbeSpan(span, "unreachable", 4, errors.New("502"))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "probe.getMe" {
		t.Errorf("name = %q", s.Name())
	}
	if attr(s, "credential.suffix").AsString() != "WXYZ" {
		t.Error("missing credential.suffix")
	}
	if attr(s, "probe.attempts").AsInt64() != 4 {
		t.Error("missing probe.attempts")
	}
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status().Code)
	}
}

func TestCycleSpan(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	_, span := tr.StartCycleSpan(context.Background(), "main")
	tr.EndCycleSpan(span, CycleSpanOptions{Healthy: 2, Invalid: 1, Started: 1}, nil)

	s := rec.Ended()[0]
	if s.Name() != "cycle.main" {
		t.Errorf("name = %q", s.Name())
	}
	if attr(s, "fleet.healthy").AsInt64() != 2 || attr(s, "fleet.invalid").AsInt64() != 1 {
		t.Error("cycle tallies not recorded")
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}
}

func TestDispatchAndProvisionSpans(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	_, d := tr.StartDispatchSpan(context.Background(), "req-1")
	tr.EndDispatchSpan(d, "shopA", 200, nil)
	_, p := tr.StartProvisionSpan(context.Background())
	tr.EndProvisionSpan(p, "my_bot", 2, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d", len(spans))
	}
	if attr(spans[0], "relay.target_identity").AsString() != "shopA" {
		t.Error("dispatch identity not recorded")
	}
	if attr(spans[1], "provision.identifier").AsString() != "my_bot" {
		t.Error("provision identifier not recorded")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "ParentBased{root:AlwaysOffSampler"},
		{1, "ParentBased{root:AlwaysOnSampler"},
		{0.5, "ParentBased{root:TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		got := Sampler(tt.rate).Description()
		if len(got) < len(tt.want) || got[:len(tt.want)] != tt.want {
			t.Errorf("Sampler(%v) = %q, want prefix %q", tt.rate, got, tt.want)
		}
	}
}

func TestInitProvider_NoEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
}

func TestInitProvider_BadProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestInitProvider_HTTP(t *testing.T) {
	p, err := InitProvider(context.Background(), ProviderConfig{
		Endpoint: "http://localhost:4318",
		Protocol: "http",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("InitProvider error: %v", err)
	}
	defer SetGlobalTracer(nil)
	if p.Tracer() == nil {
		t.Fatal("Tracer() should not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Shutdown(ctx)
}

func TestInitProvider_GRPC(t *testing.T) {
	p, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName: "fleetd-test",
		Endpoint:    "localhost:4317",
		Insecure:    true,
		SampleRate:  0.5,
	})
	if err != nil {
		t.Fatalf("InitProvider error: %v", err)
	}
	defer SetGlobalTracer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Shutdown(ctx)
}
