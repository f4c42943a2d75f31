// Package metrics exports run tallies as a Prometheus textfile for the
// node exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"harvest-go/internal/harvest"
)

// Namespace prefixes every exported metric.
const Namespace = "harvest"

// RunMetrics holds the gauges describing the most recent run.
type RunMetrics struct {
	registry *prometheus.Registry

	Items       *prometheus.GaugeVec
	Duration    prometheus.Gauge
	Success     prometheus.Gauge
	LastRun     prometheus.Gauge
	LastSuccess prometheus.Gauge
}

// NewRunMetrics registers the run gauges on a private registry.
func NewRunMetrics() *RunMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &RunMetrics{
		registry: reg,
		Items: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "run",
				Name:      "items",
				Help:      "Items processed by the last run, by kind",
			},
			[]string{"kind"},
		),
		Duration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of the last run",
		}),
		Success: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "run",
			Name:      "success",
			Help:      "1 if the last run completed, 0 if it failed",
		}),
		LastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "run",
			Name:      "last_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "run",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last successful run finished",
		}),
	}
}

// Registry returns the registry the gauges live on.
func (m *RunMetrics) Registry() *prometheus.Registry { return m.registry }

// Observe records a finished run. summary may be nil when the run failed
// before producing one.
func (m *RunMetrics) Observe(summary *harvest.RunSummary, started, finished time.Time, runErr error) {
	m.Duration.Set(finished.Sub(started).Seconds())
	m.LastRun.Set(float64(finished.Unix()))
	if runErr == nil {
		m.Success.Set(1)
		m.LastSuccess.Set(float64(finished.Unix()))
	} else {
		m.Success.Set(0)
	}
	if summary == nil {
		return
	}

	for kind, v := range map[string]int{
		"pages":              summary.Pages,
		"links_found":        summary.LinksFound,
		"links_new":          summary.LinksNew,
		"sections_abandoned": summary.Abandoned,
		"details":            summary.Details,
		"records_new":        summary.New,
		"records_changed":    summary.Changed,
		"records_unchanged":  summary.Unchanged,
		"skipped":            summary.Skipped,
		"downgraded":         summary.Downgraded,
		"media_ok":           summary.Media.Succeeded,
		"media_skipped":      summary.Media.Skipped,
		"media_failed":       summary.Media.Failed,
		"media_timed_out":    summary.Media.TimedOut,
	} {
		m.Items.WithLabelValues(kind).Set(float64(v))
	}
}

// WriteTextfile writes the gauges to path in the text exposition format.
// The file is replaced atomically.
func (m *RunMetrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
