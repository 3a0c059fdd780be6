package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestHostPort(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost:4317", "localhost:4317"},
		{"http://collector:4317/", "collector:4317"},
		{"https://otel.example.com", "otel.example.com"},
		{"collector:4317/", "collector:4317"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := hostPort(tt.in); got != tt.want {
			t.Errorf("hostPort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
}

func TestTraceContextRoundTrip(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := Start(context.Background(), "podflow/test", "parent")
	parent, state := TraceContextStrings(ctx)
	End(span, errors.New("boom"))
	if parent == "" {
		t.Fatalf("expected traceparent")
	}

	restored := ContextWithRemoteParent(context.Background(), parent, state)
	h := http.Header{}
	InjectHeaders(restored, h)
	if h.Get("traceparent") != parent {
		t.Fatalf("traceparent = %q, want %q", h.Get("traceparent"), parent)
	}

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Status().Description != "boom" {
		t.Fatalf("ended spans = %+v", ended)
	}
}

func TestResolveAppliesEnvFallbacks(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "from-env")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4317/")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	s := resolve(Config{Environment: "prod", SampleRatio: 7})
	if s.service != "from-env" || s.endpoint != "collector:4317" || !s.insecure || s.env != "prod" {
		t.Fatalf("resolve = %+v", s)
	}
	if s.ratio != 1 {
		t.Fatalf("out of range ratio = %v, want 1", s.ratio)
	}

	s = resolve(Config{ServiceName: "podflow-api", OTLPEndpoint: "otel:4317", SampleRatio: 0.25})
	if s.service != "podflow-api" || s.endpoint != "otel:4317" || s.ratio != 0.25 {
		t.Fatalf("explicit config lost: %+v", s)
	}
}
