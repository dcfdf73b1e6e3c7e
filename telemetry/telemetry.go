// Package telemetry wires OpenTelemetry tracing for the deployment
// pipeline. Exporter and sampler selection is environment-driven so the
// same binary works for local development (console exporter) and
// production (OTLP collector).
package telemetry

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kernelforge/kernelforge"

// InitTracing configures the global tracer provider. It returns a shutdown
// function that flushes pending spans.
func InitTracing(ctx context.Context) (func(context.Context) error, error) {
	if _, ok := os.LookupEnv("OTEL_SERVICE_NAME"); !ok {
		os.Setenv("OTEL_SERVICE_NAME", "kernelforge")
	}

	exporter, err := initTraceExporter(ctx)
	if err != nil {
		return nil, err
	}

	// The Go SDK has no automatic sampler; resolve it from the standard
	// env vars manually.
	samplerType, ok := os.LookupEnv("OTEL_TRACES_SAMPLER")
	if !ok {
		samplerType = "parentbased_traceidratio"
	}
	fraction := 0.1
	if arg, ok := os.LookupEnv("OTEL_TRACES_SAMPLER_ARG"); ok {
		if f, err := strconv.ParseFloat(arg, 64); err == nil {
			fraction = f
		}
	}
	if samplerType != "parentbased_traceidratio" {
		log.Printf("[telemetry] unsupported sampler %q, using parentbased_traceidratio %.2f", samplerType, fraction)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction))),
		// resource.Default picks up OTEL_SERVICE_NAME and
		// OTEL_RESOURCE_ATTRIBUTES from the environment.
		sdktrace.WithResource(resource.Default()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

// initTraceExporter selects the span exporter:
//   - console: pretty-printed stdout spans for development
//   - otlp: gRPC to an OpenTelemetry collector
func initTraceExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	exporterType, ok := os.LookupEnv("OTEL_TRACES_EXPORTER")
	if !ok {
		exporterType = "console"
	}
	log.Printf("[telemetry] trace exporter: %s", exporterType)

	if exporterType == "otlp" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create otlp-grpc exporter: %w", err)
		}
		return exporter, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdouttrace exporter: %w", err)
	}
	return exporter, nil
}

// StartSpan opens a pipeline span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// TraceID returns the hex trace id of the span in ctx, or "" when no span
// is recording.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
