package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var promTracer = otel.Tracer("actiond.metrics.prometheus")

// ErrNoData indicates a query that returned no samples.
var ErrNoData = errors.New("no data for query")

// Queries holds the PromQL expressions behind each snapshot field.
// Throughput is optional.
type Queries struct {
	SuccessRate  string `koanf:"success_rate"`
	ErrorRate    string `koanf:"error_rate"`
	P95LatencyMs string `koanf:"p95_latency_ms"`
	TimeoutRate  string `koanf:"timeout_rate"`
	Throughput   string `koanf:"throughput"`
}

// DefaultQueries returns expressions over the payment gateway's standard
// counters and latency histogram.
func DefaultQueries() Queries {
	return Queries{
		SuccessRate:  `sum(rate(payment_transactions_total{outcome="success"}[5m])) / sum(rate(payment_transactions_total[5m]))`,
		ErrorRate:    `sum(rate(payment_transactions_total{outcome="error"}[5m])) / sum(rate(payment_transactions_total[5m]))`,
		P95LatencyMs: `histogram_quantile(0.95, sum by (le) (rate(payment_latency_milliseconds_bucket[5m])))`,
		TimeoutRate:  `sum(rate(payment_transactions_total{outcome="timeout"}[5m])) / sum(rate(payment_transactions_total[5m]))`,
		Throughput:   `sum(rate(payment_transactions_total[1m]))`,
	}
}

// PrometheusConfig configures PrometheusPort.
type PrometheusConfig struct {
	URL     string
	Timeout time.Duration
	Queries Queries
}

// ApplyDefaults fills unset fields.
func (c *PrometheusConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	d := DefaultQueries()
	if c.Queries.SuccessRate == "" {
		c.Queries.SuccessRate = d.SuccessRate
	}
	if c.Queries.ErrorRate == "" {
		c.Queries.ErrorRate = d.ErrorRate
	}
	if c.Queries.P95LatencyMs == "" {
		c.Queries.P95LatencyMs = d.P95LatencyMs
	}
	if c.Queries.TimeoutRate == "" {
		c.Queries.TimeoutRate = d.TimeoutRate
	}
}

// PrometheusPort reads snapshots from a Prometheus-compatible query API.
type PrometheusPort struct {
	api    v1.API
	config PrometheusConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewPrometheusPort creates a port that queries cfg.URL.
func NewPrometheusPort(cfg PrometheusConfig, logger *zap.Logger) (*PrometheusPort, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("prometheus url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &PrometheusPort{
		api:    v1.NewAPI(client),
		config: cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Current runs every configured query at the current instant.
func (p *PrometheusPort) Current(ctx context.Context) (Snapshot, error) {
	ctx, span := promTracer.Start(ctx, "PrometheusPort.Current")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	ts := p.now()
	snap := Snapshot{Timestamp: ts}

	fields := []struct {
		name  string
		query string
		dst   *float64
	}{
		{"success_rate", p.config.Queries.SuccessRate, &snap.SuccessRate},
		{"error_rate", p.config.Queries.ErrorRate, &snap.ErrorRate},
		{"p95_latency_ms", p.config.Queries.P95LatencyMs, &snap.P95LatencyMs},
		{"timeout_rate", p.config.Queries.TimeoutRate, &snap.TimeoutRate},
	}
	for _, f := range fields {
		v, err := p.query(ctx, f.query, ts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Snapshot{}, fmt.Errorf("%s query failed: %w", f.name, err)
		}
		*f.dst = v
	}

	if p.config.Queries.Throughput != "" {
		if v, err := p.query(ctx, p.config.Queries.Throughput, ts); err == nil {
			snap.ThroughputTPS = &v
		} else {
			p.logger.Debug("throughput query failed", zap.Error(err))
		}
	}

	if err := snap.Validate(); err != nil {
		span.RecordError(err)
		return Snapshot{}, err
	}

	span.SetAttributes(attribute.Float64("success_rate", snap.SuccessRate))
	span.SetStatus(codes.Ok, "success")
	return snap, nil
}

func (p *PrometheusPort) query(ctx context.Context, q string, ts time.Time) (float64, error) {
	result, warnings, err := p.api.Query(ctx, q, ts)
	if err != nil {
		return 0, err
	}
	if len(warnings) > 0 {
		p.logger.Warn("prometheus query warnings", zap.String("query", q), zap.Strings("warnings", warnings))
	}

	switch r := result.(type) {
	case model.Vector:
		if len(r) == 0 {
			return 0, fmt.Errorf("%w: %s", ErrNoData, q)
		}
		sum := 0.0
		for _, sample := range r {
			sum += float64(sample.Value)
		}
		return sum, nil
	case *model.Scalar:
		return float64(r.Value), nil
	default:
		return 0, fmt.Errorf("unsupported result type %s for query %s", result.Type(), q)
	}
}

var _ Port = (*PrometheusPort)(nil)
