package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/actiond/internal/http"

// apiMetrics instruments the API. Instruments that fail to register stay nil
// and are skipped.
type apiMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	size        metric.Int64Histogram
	inflight    metric.Int64UpDownCounter
	submissions metric.Int64Counter
}

func newAPIMetrics(logger *zap.Logger) *apiMetrics {
	return newAPIMetricsWithMeter(otel.Meter(httpInstrumentationName), logger)
}

func newAPIMetricsWithMeter(meter metric.Meter, logger *zap.Logger) *apiMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &apiMetrics{meter: meter, logger: logger}

	var err error
	m.requests, err = meter.Int64Counter("actiond.http.requests_total",
		metric.WithDescription("API requests by method, route and status code"),
		metric.WithUnit("{request}"))
	m.warn("requests_total", err)

	m.duration, err = meter.Float64Histogram("actiond.http.request_duration_seconds",
		metric.WithDescription("API request latency by method, route and status code"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	m.warn("request_duration_seconds", err)

	m.size, err = meter.Int64Histogram("actiond.http.response_size_bytes",
		metric.WithDescription("API response body size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 100000))
	m.warn("response_size_bytes", err)

	m.inflight, err = meter.Int64UpDownCounter("actiond.http.active_requests",
		metric.WithDescription("API requests in flight"),
		metric.WithUnit("{request}"))
	m.warn("active_requests", err)

	m.submissions, err = meter.Int64Counter("actiond.http.submissions_total",
		metric.WithDescription("Decisions submitted over the API by source (direct, upstream) and result"),
		metric.WithUnit("{decision}"))
	m.warn("submissions_total", err)

	return m
}

func (m *apiMetrics) warn(name string, err error) {
	if err != nil {
		m.logger.Warn("failed to create http instrument", zap.String("instrument", name), zap.Error(err))
	}
}

// middleware records request count, latency, size and in-flight gauge
// against the matched route.
func (m *apiMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}

			err := next(c)
			if err != nil {
				// Let the error handler write the response so the status is final.
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, c.Response().Size, attrs)
			}
			return nil
		}
	}
}

// recordSubmission counts one decision. result is the submit status, or
// "error" when the governor refused it outright.
func (m *apiMetrics) recordSubmission(ctx context.Context, source, result string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}

// normalizePath maps the matched route to a metric label. Echo reports the
// route pattern (/api/v1/actions/:id), so ids never reach the label.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
