// Package observability provides Prometheus metrics, OpenTelemetry
// tracing, and the runtime/trace flight recorder for pgtether.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgtether/pgtether/pkg/config"
)

// TracerProvider wraps the OpenTelemetry SDK provider. A nil
// *TracerProvider hands out no-op tracers.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	config   *config.OpenTelemetryConfig
}

// NewTracerProvider builds and installs the global tracer provider.
// Returns nil when cfg is nil or disabled.
func NewTracerProvider(ctx context.Context, cfg *config.OpenTelemetryConfig, version string) (*TracerProvider, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.GetOTLPProtocol() {
	case "grpc":
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", cfg.GetOTLPProtocol())
	}
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.GetServiceName()),
		semconv.ServiceVersion(version),
	}
	for k, v := range cfg.ExtraAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch rate := cfg.GetSamplingRate(); {
	case rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case rate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: provider, config: cfg}, nil
}

// Tracer returns a named tracer, no-op when tracing is disabled.
func (tp *TracerProvider) Tracer(name string) trace.Tracer {
	if tp == nil {
		return otel.Tracer(name)
	}
	return tp.provider.Tracer(name)
}

// Shutdown flushes pending spans and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Enabled reports whether spans are actually exported.
func (tp *TracerProvider) Enabled() bool {
	return tp != nil
}

// Span attribute keys shared across components.
const (
	AttrDBUser     = "db.user"
	AttrDBName     = "db.name"
	AttrServer     = "pgtether.server"
	AttrPoolMode   = "pgtether.pool_mode"
	AttrBackendPID = "pgtether.backend_pid"
	AttrSessionPID = "pgtether.session_pid"
)

// SessionAttributes returns the attributes every session span carries.
func SessionAttributes(server, user, database string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrServer, server),
		attribute.String(AttrDBUser, user),
		attribute.String(AttrDBName, database),
	}
}
