package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a
// Prometheus exporter. It returns the HTTP handler for the /metrics endpoint
// and a shutdown function for graceful cleanup on application exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// RunMetrics instruments supervised runs.
type RunMetrics struct {
	started  metric.Int64Counter
	failed   metric.Int64Counter
	timedOut metric.Int64Counter
	duration metric.Float64Histogram
}

// NewRunMetrics builds the run instruments on the global meter provider.
func NewRunMetrics() (*RunMetrics, error) {
	meter := otel.Meter("forkguard")

	started, err := meter.Int64Counter("forkguard.runs.started",
		metric.WithDescription("Supervised runs started"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("forkguard.runs.failed",
		metric.WithDescription("Supervised runs that produced a failure record"))
	if err != nil {
		return nil, err
	}
	timedOut, err := meter.Int64Counter("forkguard.runs.timed_out",
		metric.WithDescription("Supervised runs killed by the execution deadline"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("forkguard.run.duration",
		metric.WithDescription("Supervised run duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &RunMetrics{
		started:  started,
		failed:   failed,
		timedOut: timedOut,
		duration: duration,
	}, nil
}

// RunStarted records the start of a run.
func (m *RunMetrics) RunStarted(ctx context.Context, name string) {
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("run.name", name)))
}

// RunFinished records the outcome of a run.
func (m *RunMetrics) RunFinished(ctx context.Context, name string, d time.Duration, failed, timedOut bool) {
	attrs := metric.WithAttributes(attribute.String("run.name", name))
	m.duration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.failed.Add(ctx, 1, attrs)
	}
	if timedOut {
		m.timedOut.Add(ctx, 1, attrs)
	}
}
