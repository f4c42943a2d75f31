package metrics_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"harvest-go/internal/harvest"
	"harvest-go/internal/metrics"
)

func TestRunMetrics_Observe(t *testing.T) {
	m := metrics.NewRunMetrics()
	started := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)

	m.Observe(&harvest.RunSummary{
		Pages: 4,
		New:   3,
		Media: harvest.DownloadSummary{Succeeded: 7, TimedOut: 1},
	}, started, finished, nil)

	if got := gaugeValue(t, m, "harvest_run_items", "records_new"); got != 3 {
		t.Errorf("records_new = %v, want 3", got)
	}
	if got := gaugeValue(t, m, "harvest_run_items", "media_ok"); got != 7 {
		t.Errorf("media_ok = %v, want 7", got)
	}
	if got := gaugeValue(t, m, "harvest_run_duration_seconds", ""); got != 90 {
		t.Errorf("duration = %v, want 90", got)
	}
	if got := gaugeValue(t, m, "harvest_run_success", ""); got != 1 {
		t.Errorf("success = %v, want 1", got)
	}
	if got := gaugeValue(t, m, "harvest_run_last_success_timestamp_seconds", ""); got != float64(finished.Unix()) {
		t.Errorf("last success = %v, want %v", got, finished.Unix())
	}
}

func TestRunMetrics_ObserveFailure(t *testing.T) {
	m := metrics.NewRunMetrics()
	started := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	m.Observe(nil, started, started.Add(time.Second), errors.New("boom"))

	if got := gaugeValue(t, m, "harvest_run_success", ""); got != 0 {
		t.Errorf("success = %v, want 0", got)
	}
	if got := gaugeValue(t, m, "harvest_run_last_success_timestamp_seconds", ""); got != 0 {
		t.Errorf("last success = %v, want 0 after failure", got)
	}
	if got := gaugeValue(t, m, "harvest_run_last_timestamp_seconds", ""); got != float64(started.Add(time.Second).Unix()) {
		t.Errorf("last run = %v", got)
	}
}

func TestRunMetrics_WriteTextfile(t *testing.T) {
	m := metrics.NewRunMetrics()
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	m.Observe(&harvest.RunSummary{New: 3}, now, now, nil)

	path := filepath.Join(t.TempDir(), "textfile", "harvest.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{
		`harvest_run_items{kind="records_new"} 3`,
		"harvest_run_success 1",
		"# TYPE harvest_run_duration_seconds gauge",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}

// gaugeValue gathers the registry and returns the named gauge. kind selects
// a series of the items vector; it is ignored for plain gauges.
func gaugeValue(t *testing.T, m *metrics.RunMetrics, name, kind string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if kind == "" {
				return metric.GetGauge().GetValue()
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "kind" && lp.GetValue() == kind {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{kind=%q} not gathered", name, kind)
	return 0
}
