package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "disabled skips checks", mutate: func(c *Config) { c.Endpoint = "" }},
		{name: "enabled defaults", mutate: func(c *Config) { c.Enabled = true }},
		{name: "missing endpoint", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "" }, wantErr: "endpoint is required"},
		{name: "missing service name", mutate: func(c *Config) { c.Enabled = true; c.ServiceName = "" }, wantErr: "service_name"},
		{name: "bad protocol", mutate: func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, wantErr: "protocol must be"},
		{name: "insecure remote", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, wantErr: "local endpoint"},
		{name: "secure remote", mutate: func(c *Config) {
			c.Enabled = true
			c.Insecure = false
			c.Endpoint = "otel.example.com:4317"
		}},
		{name: "loopback ip", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "127.0.0.1:4318" }},
		{name: "ipv6 loopback with scheme", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "http://[::1]:4318" }},
		{name: "sampling above one", mutate: func(c *Config) { c.Enabled = true; c.SamplingRate = 1.5 }, wantErr: "sampling_rate"},
		{name: "zero export interval", mutate: func(c *Config) { c.Enabled = true; c.ExportInterval = 0 }, wantErr: "export_interval"},
		{name: "zero export interval without metrics", mutate: func(c *Config) {
			c.Enabled = true
			c.MetricsEnabled = false
			c.ExportInterval = 0
		}},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.Enabled = true; c.ShutdownTimeout = 0 }, wantErr: "shutdown_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_DisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NotNil(t, tel.LoggerProvider())

	h := tel.Health()
	assert.True(t, h.Healthy)
	assert.False(t, h.Degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.SamplingRate = -1

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_WithInjectedExporters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.ExportInterval = time.Hour

	spans := tracetest.NewInMemoryExporter()
	metrics := &recordingMetricExporter{}

	tel, err := New(context.Background(), cfg, zaptest.NewLogger(t),
		WithTraceExporter(spans),
		WithMetricExporter(metrics),
	)
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())

	_, span := tel.Tracer("test").Start(context.Background(), "governor.submit")
	span.End()

	counter, err := tel.Meter("test").Int64Counter("actiond.test.total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, tel.ForceFlush(context.Background()))
	require.Len(t, spans.GetSpans(), 1)
	assert.Equal(t, "governor.submit", spans.GetSpans()[0].Name)
	assert.Positive(t, metrics.exports)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.False(t, tel.Health().Healthy)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))

	h := tel.Health()
	assert.False(t, h.Healthy)
	assert.True(t, h.Degraded)
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(context.Background(), "rollback.trigger")
	span.SetAttributes(attribute.String("action.id", "a-1"))
	span.End()
	tt.AssertSpanAttribute(t, "rollback.trigger", "action.id", "a-1")
	assert.Nil(t, tt.SpanByName("missing"))

	counter, err := tt.Meter("test").Int64Counter("actiond.rollback.total")
	require.NoError(t, err)
	counter.Add(context.Background(), 2, metric.WithAttributes(attribute.String("reason", "degradation")))
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "manual")))

	assert.Equal(t, int64(3), tt.CounterValue(t, "actiond.rollback.total"))
	assert.Equal(t, int64(2), tt.CounterValue(t, "actiond.rollback.total", attribute.String("reason", "degradation")))
}

type recordingMetricExporter struct {
	exports int
}

func (e *recordingMetricExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return cumulative(k)
}

func (e *recordingMetricExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (e *recordingMetricExporter) Export(context.Context, *metricdata.ResourceMetrics) error {
	e.exports++
	return nil
}

func (e *recordingMetricExporter) ForceFlush(context.Context) error { return nil }
func (e *recordingMetricExporter) Shutdown(context.Context) error   { return nil }
