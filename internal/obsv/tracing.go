// Package obsv wires the optional observability exports — OTLP tracing and
// a Prometheus metrics registry — that cmd/elspeth turns on when configured.
// Both are ported from the teacher's pkg/tracing and pkg/metrics, narrowed
// from the teacher's per-service instrumentation to the handful of signals
// a run of the pipeline engine actually produces.
package obsv

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// OTLPConfig configures the OTLP gRPC trace exporter.
type OTLPConfig struct {
	Endpoint    string
	ServiceName string
}

// NewOTLPTracerProvider builds an OTLP gRPC tracer provider and returns it
// along with a shutdown function to invoke when the process exits.
func NewOTLPTracerProvider(ctx context.Context, cfg OTLPConfig) (trace.TracerProvider, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, nil, fmt.Errorf("obsv: otlp endpoint required")
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("obsv: create otlp exporter: %w", err)
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "elspeth"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("obsv: create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return provider, provider.Shutdown, nil
}

// ConfigureGlobalTracer installs provider as the global tracer provider and
// returns a Tracer scoped to instrumentation, or a no-op tracer if provider
// is nil (tracing disabled).
func ConfigureGlobalTracer(provider trace.TracerProvider, instrumentation string) trace.Tracer {
	if provider == nil {
		return noop.Tracer(instrumentation)
	}
	otel.SetTracerProvider(provider)
	return provider.Tracer(instrumentation)
}

var noop = trace.NewNoopTracerProvider()
