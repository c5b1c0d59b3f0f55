// Package telemetry sets up OpenTelemetry tracing for the engine's render cycles and readback stages.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options selects where traces go.
type Options struct {
	// ServiceName is recorded as the service.name resource attribute.
	ServiceName string

	// Endpoint is the OTLP/HTTP endpoint URL. Empty disables tracing.
	Endpoint string

	// Disabled turns tracing off even when Endpoint is set.
	Disabled bool
}

// Setup initialises OpenTelemetry tracing.
//
// Tracing is opt-in: when the endpoint is empty or tracing is disabled, Setup returns a no-op
// shutdown function and no global provider is registered, so the engine's spans cost nothing.
//
// The returned shutdown function flushes pending spans and should be deferred by the caller.
//
// Parameters:
//   - ctx: the setup context
//   - opts: the tracing options
//
// Returns:
//   - func(context.Context) error: flushes and stops the provider
//   - error: an error if the exporter or resource could not be created
func Setup(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if opts.Disabled || opts.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(opts.Endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
