package observability

import (
	"github.com/smallbiznis/movepoint/internal/observability/logger"
	"github.com/smallbiznis/movepoint/internal/observability/metrics"
	"github.com/smallbiznis/movepoint/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(LoadConfig),
	loggingOptions,
	tracingOptions,
	meteringOptions,
)

var loggingOptions = fx.Options(
	fx.Provide(func(cfg Config) logger.Config {
		return logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			Debug:               cfg.Debug(),
			IncludeCaller:       true,
			IncludeStackOnError: cfg.Debug(),
		}
	}),
	fx.Provide(logger.New),
)

var tracingOptions = fx.Options(
	fx.Provide(func(cfg Config) tracing.Config {
		return tracing.Config{
			Enabled:          cfg.Export.Enabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.Export.Endpoint,
			ExporterProtocol: cfg.Export.Protocol,
			SamplingRatio:    cfg.Export.SamplingRatio,
		}
	}),
	fx.Provide(tracing.NewProvider),
	fx.Invoke(func(tp *sdktrace.TracerProvider, cfg Config, log *zap.Logger) {
		log.Info("observability.ready",
			zap.String("service", cfg.ServiceName),
			zap.String("role", string(cfg.Role)),
			zap.Bool("otlp_export", cfg.Export.Enabled),
			zap.Bool("tracer_provider", tp != nil),
		)
	}),
)

var meteringOptions = fx.Options(
	fx.Provide(func(cfg Config) metrics.Config {
		return metrics.Config{
			Enabled:          cfg.Export.Enabled,
			ExporterEndpoint: cfg.Export.Endpoint,
			ExporterProtocol: cfg.Export.Protocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		}
	}),
	fx.Provide(
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.PipelineWithConfig,
	),
	// Scheduler collectors are process singletons; register them with the
	// service labels before any job touches them.
	fx.Invoke(func(cfg metrics.Config) { metrics.SchedulerWithConfig(cfg) }),
)
