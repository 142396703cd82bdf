package telemetry

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestWithSpan_RecordsStatus(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	exporter := tracetest.NewInMemoryExporter()
	shutdown, err := InitTracer(context.Background(), Config{
		Enabled:     true,
		SamplerType: "always",
		Exporter:    exporter,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, WithSpan(ctx, "loader.load", func(ctx context.Context) error {
		AddEvent(ctx, "descriptor.parsed")
		return nil
	}, SkillAttributes("echo", "/skills/echo")...))

	failure := errors.New("no viable entry point")
	assert.Equal(t, failure, WithSpan(ctx, "loader.load", func(context.Context) error {
		return failure
	}, SkillAttributes("broken", "")...))

	provider, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok)
	require.NoError(t, provider.ForceFlush(ctx))

	spans := exporter.GetSpans()
	require.NoError(t, shutdown(ctx))
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "descriptor.parsed", spans[0].Events[0].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "no viable entry point", spans[1].Status.Description)
}

func TestGetSampler(t *testing.T) {
	assert.Contains(t, getSampler(Config{SamplerType: "never"}).Description(), "AlwaysOff")
	assert.Contains(t, getSampler(Config{SamplerType: "always"}).Description(), "AlwaysOn")
	assert.Contains(t, getSampler(Config{SamplerType: "ratio", SamplerRatio: 0.5}).Description(), "TraceIDRatioBased")
}
