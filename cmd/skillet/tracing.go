package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jingkaihe/skillet/pkg/config"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/telemetry"
	"github.com/jingkaihe/skillet/pkg/version"
)

var tracer = telemetry.Tracer("skillet.cli")

// initTracing starts OpenTelemetry from the tracing config keys.
func initTracing(ctx context.Context, c config.Config) (func(context.Context) error, error) {
	return telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        c.Tracing.Enabled,
		ServiceName:    "skillet",
		ServiceVersion: version.Get().Version,
		SamplerType:    c.Tracing.Sampler,
		SamplerRatio:   c.Tracing.Ratio,
	})
}

// withTracing wraps cmd so that it runs inside a "cli.command" span with a
// tracer provider set up for the duration of the command.
func withTracing(cmd *cobra.Command) *cobra.Command {
	originalRunE := cmd.RunE

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		shutdown, err := initTracing(ctx, cfg)
		if err != nil {
			logger.G(ctx).WithError(err).Warn("failed to initialize tracing")
			return originalRunE(cmd, args)
		}
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to flush traces")
			}
		}()

		attrs := []attribute.KeyValue{
			attribute.String("command.name", cmd.Name()),
			attribute.String("command.path", cmd.CommandPath()),
			attribute.Int("args.count", len(args)),
		}
		cmd.Flags().Visit(func(flag *pflag.Flag) {
			if flag.Name != "param" {
				attrs = append(attrs, attribute.String("flag."+flag.Name, flag.Value.String()))
			}
		})

		ctx, span := tracer.Start(ctx, "cli.command", trace.WithAttributes(attrs...))
		defer span.End()

		cmd.SetContext(ctx)
		if err := originalRunE(cmd, args); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}

	return cmd
}

func init() {
	defaults := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.Bool("tracing-enabled", defaults.Tracing.Enabled, "Enable OpenTelemetry tracing")
	flags.String("tracing-sampler", defaults.Tracing.Sampler, "Tracing sampler type (always, never, ratio)")
	flags.Float64("tracing-ratio", defaults.Tracing.Ratio, "Sampling ratio when using ratio sampler")

	viper.BindPFlag("tracing.enabled", flags.Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.sampler", flags.Lookup("tracing-sampler"))
	viper.BindPFlag("tracing.ratio", flags.Lookup("tracing-ratio"))
}
