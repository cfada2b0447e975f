// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// DepthFunc reports the number of items per queue and status.
type DepthFunc func(ctx context.Context) (map[string]map[string]int64, error)

// RegisterQueueDepth exposes shotplane.queue.depth as an observable gauge
// labelled with queue and status. depth is called on every scrape.
func RegisterQueueDepth(depth DepthFunc) error {
	meter := otel.Meter("shotplane-queue")
	_, err := meter.Int64ObservableGauge(
		"shotplane.queue.depth",
		otelmetric.WithDescription("Number of queue items by queue and status"),
		otelmetric.WithInt64Callback(func(ctx context.Context, o otelmetric.Int64Observer) error {
			counts, err := depth(ctx)
			if err != nil {
				return err
			}
			for queue, statuses := range counts {
				for status, n := range statuses {
					o.Observe(n, otelmetric.WithAttributes(
						attribute.String("queue", queue),
						attribute.String("status", status),
					))
				}
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register queue depth gauge: %w", err)
	}
	return nil
}
