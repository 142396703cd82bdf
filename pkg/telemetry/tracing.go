// Package telemetry provides OpenTelemetry tracing for skill loading and
// execution. Tracing is off unless enabled in configuration.
package telemetry

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config configures the tracer provider.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// SamplerType is one of always, never or ratio.
	SamplerType  string
	SamplerRatio float64
	// Exporter overrides the default OTLP/HTTP exporter.
	Exporter trace.SpanExporter
}

// InitTracer installs a global OTLP/HTTP tracer provider and returns the
// function that flushes and stops it.
func InitTracer(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultTracerName
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create resource")
	}

	exporter := cfg.Exporter
	if exporter == nil {
		// Endpoint and headers come from OTEL_EXPORTER_OTLP_* environment variables.
		exporter, err = otlptracehttp.New(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create trace exporter")
		}
	}

	batchSpanProcessor := trace.NewBatchSpanProcessor(
		exporter,
		trace.WithMaxExportBatchSize(512),
		trace.WithBatchTimeout(1*time.Second),
	)

	tracerProvider := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSpanProcessor(batchSpanProcessor),
		trace.WithSampler(getSampler(cfg)),
	)

	otel.SetTracerProvider(tracerProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		var result *multierror.Error
		if err := tracerProvider.ForceFlush(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to flush spans"))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to shut down tracer provider"))
		}
		return result.ErrorOrNil()
	}, nil
}

func getSampler(cfg Config) trace.Sampler {
	switch cfg.SamplerType {
	case "always":
		return trace.AlwaysSample()
	case "never":
		return trace.NeverSample()
	case "ratio":
		return trace.ParentBased(trace.TraceIDRatioBased(cfg.SamplerRatio))
	default:
		return trace.ParentBased(trace.AlwaysSample())
	}
}
