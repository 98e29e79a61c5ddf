package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PrometheusMeter creates a Prometheus metrics exporter backed by an OTel
// MeterProvider and returns the provider's meter together with an
// [http.Handler] serving the /metrics scrape endpoint. Each call creates an
// independent Prometheus registry to avoid collector conflicts when called
// multiple times.
func PrometheusMeter(name string) (metric.Meter, http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(
		promexporter.WithRegisterer(registry),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return provider.Meter(name), promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
