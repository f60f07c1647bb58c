// Package metrics exposes build, step and worker counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/izzyreal/buildmaster/internal/status"
)

const namespace = "buildmaster"

// Metrics implements status.Recorder on top of a Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	buildsTotal      *prometheus.CounterVec
	buildsRunning    *prometheus.GaugeVec
	buildDuration    *prometheus.HistogramVec
	stepsTotal       *prometheus.CounterVec
	logBytes         *prometheus.CounterVec
	workersConnected prometheus.Gauge
	pendingRequests  *prometheus.GaugeVec
}

var _ status.Recorder = (*Metrics)(nil)

// New registers the collectors on reg, or on a fresh registry when reg is
// nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Finished builds by builder and result.",
		}, []string{"builder", "result"}),
		buildsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_running",
			Help:      "Builds currently running by builder.",
		}, []string{"builder"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of finished builds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"builder"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Finished steps by builder and result.",
		}, []string{"builder", "result"}),
		logBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_bytes_total",
			Help:      "Bytes of step log output by builder.",
		}, []string{"builder"}),
		workersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_connected",
			Help:      "Workers currently attached.",
		}),
		pendingRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Build requests waiting for a worker by builder.",
		}, []string{"builder"}),
	}
	reg.MustRegister(
		m.buildsTotal,
		m.buildsRunning,
		m.buildDuration,
		m.stepsTotal,
		m.logBytes,
		m.workersConnected,
		m.pendingRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BuildStarted(b status.BuildInfo) {
	m.buildsRunning.WithLabelValues(b.Builder).Inc()
}

func (m *Metrics) BuildFinished(b status.BuildInfo) {
	m.buildsRunning.WithLabelValues(b.Builder).Dec()
	result := "unknown"
	if b.Result != nil {
		result = b.Result.String()
	}
	m.buildsTotal.WithLabelValues(b.Builder, result).Inc()
	if !b.Started.IsZero() && !b.Finished.IsZero() {
		m.buildDuration.WithLabelValues(b.Builder).Observe(b.Finished.Sub(b.Started).Seconds())
	}
}

func (m *Metrics) StepStarted(status.StepInfo) {}

func (m *Metrics) StepFinished(s status.StepInfo) {
	result := "unknown"
	if s.Result != nil {
		result = s.Result.String()
	}
	m.stepsTotal.WithLabelValues(s.Builder, result).Inc()
}

func (m *Metrics) LogChunk(s status.StepInfo, _ string, _ int, text string) {
	m.logBytes.WithLabelValues(s.Builder).Add(float64(len(text)))
}

// SetWorkersConnected records how many workers are attached.
func (m *Metrics) SetWorkersConnected(n int) {
	m.workersConnected.Set(float64(n))
}

// SetPendingRequests records the queue length of builder.
func (m *Metrics) SetPendingRequests(builder string, n int) {
	m.pendingRequests.WithLabelValues(builder).Set(float64(n))
}
