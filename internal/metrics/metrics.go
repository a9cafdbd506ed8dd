// Package metrics exposes Prometheus collectors for the sync pipeline and
// the session host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector. A nil *Metrics is valid and records
// nothing, so callers never need to guard.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth  prometheus.Gauge
	queueDrops  prometheus.Counter
	syncResults *prometheus.CounterVec

	sessions prometheus.Gauge
	devices  prometheus.Gauge

	updates   *prometheus.CounterVec
	conflicts prometheus.Counter
	applyTime prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "uisync_queue_depth",
			Help: "Number of change events currently queued",
		}),
		queueDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "uisync_queue_drops_total",
			Help: "Change events dropped because the queue was full",
		}),
		syncResults: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "uisync_sync_results_total",
				Help: "Sync pipeline results by outcome",
			},
			[]string{"outcome"}, // "synced", "unchanged", "conflict", ...
		),
		sessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "uisync_sessions",
			Help: "Live preview sessions",
		}),
		devices: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "uisync_devices",
			Help: "Connected preview devices across all sessions",
		}),
		updates: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "uisync_updates_total",
				Help: "Update frames dispatched by kind",
			},
			[]string{"kind"}, // "full", "incremental"
		),
		conflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "uisync_conflicts_total",
			Help: "Simultaneous-edit conflicts detected",
		}),
		applyTime: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "uisync_apply_seconds",
			Help:    "Client-reported update apply time",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RecordQueueDrop() {
	if m == nil {
		return
	}
	m.queueDrops.Inc()
}

func (m *Metrics) RecordSyncResult(outcome string) {
	if m == nil {
		return
	}
	m.syncResults.WithLabelValues(outcome).Inc()
	if outcome == "conflict" {
		m.conflicts.Inc()
	}
}

func (m *Metrics) SetSessionGauges(sessions, devices int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(sessions))
	m.devices.Set(float64(devices))
}

func (m *Metrics) RecordUpdate(kind string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordApplyTime(d time.Duration) {
	if m == nil {
		return
	}
	m.applyTime.Observe(d.Seconds())
}
