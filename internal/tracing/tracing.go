package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const (
	DefaultServiceName = "podflow"
	defaultEndpoint    = "localhost:4317"
)

type Config struct {
	Enabled     bool
	ServiceName string
	Environment string

	OTLPEndpoint string
	OTLPInsecure bool

	SampleRatio float64
}

// settings is Config with OTEL_* environment fallbacks applied.
type settings struct {
	service  string
	env      string
	endpoint string
	insecure bool
	ratio    float64
}

func resolve(cfg Config) settings {
	s := settings{
		service:  firstSet(cfg.ServiceName, os.Getenv("OTEL_SERVICE_NAME"), DefaultServiceName),
		env:      strings.TrimSpace(cfg.Environment),
		endpoint: hostPort(firstSet(cfg.OTLPEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), defaultEndpoint)),
		insecure: cfg.OTLPInsecure,
		ratio:    cfg.SampleRatio,
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))) {
	case "true", "1", "yes", "on":
		s.insecure = true
	case "false", "0", "no", "off":
		s.insecure = false
	}
	if s.ratio <= 0 || s.ratio > 1 {
		s.ratio = 1
	}
	return s
}

// Setup installs the global tracer provider and propagator. Exporter
// failures disable tracing instead of failing startup.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	otel.SetTextMapPropagator(propagation.TraceContext{})
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	s := resolve(cfg)
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.endpoint)}
	if s.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		logger.Warn("otlp exporter unavailable, tracing off", "endpoint", s.endpoint, "err", err)
		return noop, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(serviceResource(s, logger)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.ratio))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", s.endpoint, "service", s.service, "sample_ratio", s.ratio)
	return tp.Shutdown, nil
}

func serviceResource(s settings, logger *slog.Logger) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(s.service)}
	if s.env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(s.env))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		logger.Warn("otel resource merge failed, using default", "err", err)
		return resource.Default()
	}
	return res
}

// hostPort accepts either host:port or a URL; the gRPC exporter wants host:port.
func hostPort(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return strings.TrimSuffix(raw, "/")
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// TraceContextStrings returns the W3C traceparent and tracestate of the
// span in ctx, for storing next to a record.
func TraceContextStrings(ctx context.Context) (traceParent string, traceState string) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get("traceparent"), carrier.Get("tracestate")
}

// ContextWithRemoteParent restores a stored trace context as the remote
// parent of ctx so background work joins the submitting request's trace.
func ContextWithRemoteParent(ctx context.Context, traceParent string, traceState string) context.Context {
	carrier := propagation.MapCarrier{}
	if v := strings.TrimSpace(traceParent); v != "" {
		carrier.Set("traceparent", v)
	}
	if v := strings.TrimSpace(traceState); v != "" {
		carrier.Set("tracestate", v)
	}
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectHeaders writes traceparent/tracestate into h for outbound calls to
// model backends, the generation endpoint and webhooks. Baggage is never
// sent to third parties.
func InjectHeaders(ctx context.Context, h http.Header) {
	if h == nil {
		return
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(h))
}

// Start opens a span on the named podflow tracer.
func Start(ctx context.Context, tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracer).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
