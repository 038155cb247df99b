package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/autopilot/internal/http"

// requestMetrics instruments the status API. A nil instrument means
// creation failed and is skipped.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newRequestMetrics(logger *zap.Logger) *requestMetrics {
	meter := otel.Meter(httpInstrumentationName)
	m := &requestMetrics{}

	var err error
	if m.requests, err = meter.Int64Counter(
		"autopilot.http.requests_total",
		metric.WithDescription("Status API requests by method, route and status code"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create request counter", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram(
		"autopilot.http.request_duration_seconds",
		metric.WithDescription("Status API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 5),
	); err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter(
		"autopilot.http.in_flight_requests",
		metric.WithDescription("Status API requests being served"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create in-flight counter", zap.Error(err))
	}
	return m
}

// middleware records one sample per request, labelled by route pattern.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			opt := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, opt)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), opt)
			}
			return err
		}
	}
}

// routeLabel keeps checkpoint IDs out of label values.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
