// Package telemetry installs the process-wide OpenTelemetry tracer provider.
// Tracing is off unless an OTLP endpoint is configured; the orchestrator's
// spans then go to the global no-op provider.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	EnvEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvServiceName = "OTEL_SERVICE_NAME"
	EnvInsecure    = "OTEL_EXPORTER_OTLP_INSECURE"
	EnvSampleRatio = "PAGECHAT_TRACE_SAMPLE_RATIO"
)

// Config selects the exporter.
type Config struct {
	Endpoint    string
	ServiceName string
	Version     string
	Insecure    bool
	SampleRatio float64 // 0 or >= 1 samples everything.
}

// ConfigFromEnv reads the standard OTLP environment variables.
func ConfigFromEnv(version string) Config {
	cfg := Config{
		Endpoint:    os.Getenv(EnvEndpoint),
		ServiceName: os.Getenv(EnvServiceName),
		Version:     version,
		Insecure:    true,
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pagechat"
	}
	if v, err := strconv.ParseBool(os.Getenv(EnvInsecure)); err == nil {
		cfg.Insecure = v
	}
	if v, err := strconv.ParseFloat(os.Getenv(EnvSampleRatio), 64); err == nil {
		cfg.SampleRatio = v
	}
	return cfg
}

// Enabled reports whether an exporter endpoint is set.
func (c Config) Enabled() bool { return c.Endpoint != "" }

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

// Setup installs a batching OTLP gRPC tracer provider as the global one.
// When cfg is not enabled it does nothing and returns a no-op shutdown.
func Setup(ctx context.Context, cfg Config, log zerolog.Logger) (ShutdownFunc, error) {
	if !cfg.Enabled() {
		log.Debug().Msg("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
	}

	tp, err := NewProvider(ctx, cfg, exporter)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().Str("endpoint", cfg.Endpoint).Str("service", cfg.ServiceName).Msg("tracing enabled")

	return tp.Shutdown, nil
}

// NewProvider builds a tracer provider that batches spans to exporter.
func NewProvider(ctx context.Context, cfg Config, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}
