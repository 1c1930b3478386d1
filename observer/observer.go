// Package observer provides OTEL-based tracing for agent turns. It wires
// an OTLP HTTP trace exporter behind the qx.Tracer interface; when Init
// is never called, NewTracer falls back to the global (no-op) provider.
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/qx-sh/qx/observer"

// Init sets up the OTEL trace provider with an OTLP HTTP exporter.
// endpoint overrides the collector address; empty defers to the standard
// OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). The returned
// shutdown function must be called on application exit to flush spans.
func Init(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("qx")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	var opts []otlptracehttp.Option
	if endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
