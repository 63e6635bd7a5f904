package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for pipeline execution. A nil
// *Metrics is valid and records nothing.
//
// Metrics:
//   - saat_pipeline_runs_total{pipeline,status}
//   - saat_pipeline_duration_seconds{pipeline}
//   - saat_step_runs_total{pipeline,step,status}
//   - saat_step_duration_seconds{agent}
//   - saat_context_unclassified_total
//   - saat_memory_entries
//   - saat_memory_evictions_total
type Metrics struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	unclassified  prometheus.Counter
	memoryEntries prometheus.Gauge
	evictions     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saat_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		}, []string{"pipeline", "status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saat_pipeline_duration_seconds",
			Help:    "Wall-clock duration of pipeline runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"pipeline"}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saat_step_runs_total",
			Help: "Total number of pipeline steps by outcome",
		}, []string{"pipeline", "step", "status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saat_step_duration_seconds",
			Help:    "Duration of agent invocations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),
		unclassified: f.NewCounter(prometheus.CounterOpts{
			Name: "saat_context_unclassified_total",
			Help: "Step outputs that matched no architectural context slot",
		}),
		memoryEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "saat_memory_entries",
			Help: "Current number of context memory entries",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "saat_memory_evictions_total",
			Help: "Context memory entries evicted to stay within max_size",
		}),
	}
}

func (m *Metrics) observeRun(pipeline string, success bool, d time.Duration, memEntries int) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.runs.WithLabelValues(pipeline, status).Inc()
	m.runDuration.WithLabelValues(pipeline).Observe(d.Seconds())
	m.memoryEntries.Set(float64(memEntries))
}

func (m *Metrics) observeStep(pipeline, step, status string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(pipeline, step, status).Inc()
}

func (m *Metrics) observeInvocation(agent string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(agent).Observe(d.Seconds())
}

func (m *Metrics) observeUnclassified() {
	if m == nil {
		return
	}
	m.unclassified.Inc()
}

// MemoryEvicted counts one evicted memory entry. It is meant for
// memory.OnEvict.
func (m *Metrics) MemoryEvicted(string) {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
