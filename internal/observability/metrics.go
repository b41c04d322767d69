// Package observability holds the Prometheus registry for cardimages runs.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphakala/cardimages/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry  *prometheus.Registry
	CardImage *metrics.CardImageMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	cardImageMetrics, err := metrics.NewCardImageMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create CardImage metrics: %w", err)
	}

	return &Metrics{
		registry:  registry,
		CardImage: cardImageMetrics,
	}, nil
}

// Registry exposes the registry, e.g. for tests using prometheus testutil.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics in the text exposition format to path,
// for the node_exporter textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
