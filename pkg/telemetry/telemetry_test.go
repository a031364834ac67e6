package telemetry_test

import (
	"context"
	"testing"

	"github.com/germanamz/pagechat/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(telemetry.EnvEndpoint, "collector:4317")
	t.Setenv(telemetry.EnvServiceName, "")
	t.Setenv(telemetry.EnvInsecure, "false")
	t.Setenv(telemetry.EnvSampleRatio, "0.25")

	cfg := telemetry.ConfigFromEnv("1.2.3")

	assert.True(t, cfg.Enabled())
	assert.Equal(t, "collector:4317", cfg.Endpoint)
	assert.Equal(t, "pagechat", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.False(t, cfg.Insecure)
	assert.InDelta(t, 0.25, cfg.SampleRatio, 1e-12)
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewProvider_ExportsSpans(t *testing.T) {
	ctx := context.Background()
	exp := tracetest.NewInMemoryExporter()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{ServiceName: "pagechat-test", Version: "dev"}, exp)
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(ctx, "pagechat.ask")
	span.End()
	require.NoError(t, tp.ForceFlush(ctx))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "pagechat.ask", spans[0].Name)

	name, ok := spans[0].Resource.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "pagechat-test", name.AsString())

	require.NoError(t, tp.Shutdown(ctx))
}
