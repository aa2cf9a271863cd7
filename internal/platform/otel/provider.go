// Package otel wires OpenTelemetry tracing for collaboration processes.
package otel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/louisbranch/findingsync/internal/platform/config"
)

// tracingEnv is the tracing configuration read at startup.
type tracingEnv struct {
	Enabled     bool    `env:"FINDINGSYNC_OTEL_ENABLED"      envDefault:"true"`
	Endpoint    string  `env:"FINDINGSYNC_OTEL_ENDPOINT"`
	SampleRatio float64 `env:"FINDINGSYNC_OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when FINDINGSYNC_OTEL_ENDPOINT is empty or
// FINDINGSYNC_OTEL_ENABLED is false, Setup returns a no-op shutdown
// function and no global provider is registered. Frame spans are dense, so
// FINDINGSYNC_OTEL_SAMPLE_RATIO (0..1) thins root traces.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	var cfg tracingEnv
	if err := config.ParseEnv(&cfg); err != nil {
		return noop, err
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if !cfg.Enabled || endpoint == "" {
		return noop, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return noop, fmt.Errorf("FINDINGSYNC_OTEL_SAMPLE_RATIO must be within [0, 1], got %v", cfg.SampleRatio)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("collab.component", componentOf(serviceName)),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

func samplerFor(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// componentOf reports whether the process is the coordination server or a
// client host; client hosts share the "collab-" service prefix.
func componentOf(serviceName string) string {
	if strings.HasPrefix(serviceName, "collab-") {
		return "client"
	}
	return "server"
}
