package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gatherValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metric:
		for _, met := range fam.GetMetric() {
			for k, v := range labels {
				if !hasLabel(met, k, v) {
					continue metric
				}
			}
			switch {
			case met.Gauge != nil:
				return met.Gauge.GetValue()
			case met.Counter != nil:
				return met.Counter.GetValue()
			case met.Histogram != nil:
				return float64(met.Histogram.GetSampleCount())
			}
		}
	}
	t.Fatalf("collector %s%v not found", name, labels)
	return 0
}

func hasLabel(m *dto.Metric, key, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == key && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func TestMetrics_PipelineCollectors(t *testing.T) {
	m := New()

	m.SetQueueDepth(3)
	m.RecordQueueDrop()
	m.RecordQueueDrop()
	m.RecordSyncResult("synced")
	m.RecordSyncResult("conflict")

	if got := gatherValue(t, m, "uisync_queue_depth", nil); got != 3 {
		t.Errorf("queue depth = %v, want 3", got)
	}
	if got := gatherValue(t, m, "uisync_queue_drops_total", nil); got != 2 {
		t.Errorf("drops = %v, want 2", got)
	}
	if got := gatherValue(t, m, "uisync_sync_results_total", map[string]string{"outcome": "synced"}); got != 1 {
		t.Errorf("synced results = %v, want 1", got)
	}
	// A conflict outcome also feeds the dedicated conflicts counter.
	if got := gatherValue(t, m, "uisync_conflicts_total", nil); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
}

func TestMetrics_SessionCollectors(t *testing.T) {
	m := New()

	m.SetSessionGauges(2, 5)
	m.RecordUpdate("full")
	m.RecordUpdate("incremental")
	m.RecordUpdate("incremental")
	m.RecordApplyTime(120 * time.Millisecond)

	if got := gatherValue(t, m, "uisync_sessions", nil); got != 2 {
		t.Errorf("sessions = %v, want 2", got)
	}
	if got := gatherValue(t, m, "uisync_devices", nil); got != 5 {
		t.Errorf("devices = %v, want 5", got)
	}
	if got := gatherValue(t, m, "uisync_updates_total", map[string]string{"kind": "incremental"}); got != 2 {
		t.Errorf("incremental updates = %v, want 2", got)
	}
	if got := gatherValue(t, m, "uisync_apply_seconds", nil); got != 1 {
		t.Errorf("apply samples = %v, want 1", got)
	}
}

func TestMetrics_NilReceiverIsInert(t *testing.T) {
	var m *Metrics
	m.SetQueueDepth(1)
	m.RecordQueueDrop()
	m.RecordSyncResult("synced")
	m.SetSessionGauges(1, 1)
	m.RecordUpdate("full")
	m.RecordApplyTime(time.Second)
	if m.Registry() != nil {
		t.Error("nil metrics must expose no registry")
	}
}
