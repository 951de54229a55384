package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"hwtopo/internal/topology"
)

// Metrics holds the Prometheus collectors of a TopologyService
type Metrics struct {
	loads        *prometheus.CounterVec
	edits        *prometheus.CounterVec
	editDuration prometheus.Histogram
	snapshots    *prometheus.CounterVec
	exports      *prometheus.CounterVec
	generation   prometheus.Gauge
	objects      *prometheus.GaugeVec
}

// NewMetrics registers the service collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		loads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hwtopo_loads_total",
			Help: "Fact bases offered to the service by source and result",
		}, []string{"source", "result"}),

		edits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hwtopo_edits_total",
			Help: "Editor sessions by result",
		}, []string{"result"}),

		editDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hwtopo_edit_duration_seconds",
			Help:    "Editor session duration in seconds including commit",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		}),

		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hwtopo_snapshots_total",
			Help: "Snapshot store operations by operation and result",
		}, []string{"operation", "result"}),

		exports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hwtopo_exports_total",
			Help: "Exports by format and result",
		}, []string{"format", "result"}),

		generation: f.NewGauge(prometheus.GaugeOpts{
			Name: "hwtopo_generation",
			Help: "Generation of the live topology",
		}),

		objects: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hwtopo_objects",
			Help: "Objects of the live topology by type",
		}, []string{"type"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// observe records the shape of the live topology
func (m *Metrics) observe(stats topology.Stats) {
	if m == nil {
		return
	}
	m.generation.Set(float64(stats.Generation))
	m.objects.Reset()
	for typ, n := range stats.ByType {
		m.objects.WithLabelValues(string(typ)).Set(float64(n))
	}
}

func (m *Metrics) load(source, res string) {
	if m != nil {
		m.loads.WithLabelValues(source, res).Inc()
	}
}

func (m *Metrics) edit(seconds float64, err error) {
	if m == nil {
		return
	}
	m.edits.WithLabelValues(result(err)).Inc()
	m.editDuration.Observe(seconds)
}

func (m *Metrics) snapshot(op string, err error) {
	if m != nil {
		m.snapshots.WithLabelValues(op, result(err)).Inc()
	}
}

func (m *Metrics) export(format string, err error) {
	if m != nil {
		m.exports.WithLabelValues(format, result(err)).Inc()
	}
}
