package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	jobsPublished     prometheus.Counter
	templateRefreshes *prometheus.CounterVec
	templateErrors    *prometheus.CounterVec
	shares            *prometheus.CounterVec
	blocks            *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	currentHeight     prometheus.Gauge
	networkDifficulty prometheus.Gauge
	connectedWorkers  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, stream string) *Metrics {
	labels := prometheus.Labels{"stream": stream}
	m := &Metrics{
		jobsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gompcore", Name: "jobs_published_total",
			Help: "Jobs published by the coordinator.", ConstLabels: labels,
		}),
		templateRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gompcore", Name: "template_refreshes_total",
			Help: "Template events that did not produce a new job.", ConstLabels: labels,
		}, []string{"trigger"}),
		templateErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gompcore", Name: "template_errors_total",
			Help: "Template events that failed to fetch or decode.", ConstLabels: labels,
		}, []string{"trigger"}),
		shares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gompcore", Name: "shares_total",
			Help: "Share submissions by result.", ConstLabels: labels,
		}, []string{"result"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gompcore", Name: "blocks_submitted_total",
			Help: "Block candidates submitted to the daemon.", ConstLabels: labels,
		}, []string{"accepted"}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gompcore", Name: "broadcast_failures_total",
			Help: "Job or difficulty deliveries that failed.", ConstLabels: labels,
		}),
		currentHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gompcore", Name: "current_height",
			Help: "Height of the current job.", ConstLabels: labels,
		}),
		networkDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gompcore", Name: "network_difficulty",
			Help: "Network difficulty reported by the daemon.", ConstLabels: labels,
		}),
		connectedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gompcore", Name: "connected_workers",
			Help: "Workers receiving job broadcasts.", ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.jobsPublished, m.templateRefreshes, m.templateErrors, m.shares,
		m.blocks, m.broadcastFailures, m.currentHeight, m.networkDifficulty,
		m.connectedWorkers,
	)
	return m
}

func (m *Metrics) jobPublished(job *Job) {
	if m == nil {
		return
	}
	m.jobsPublished.Inc()
	m.currentHeight.Set(float64(job.Height()))
}

func (m *Metrics) templateRefresh(t Trigger) {
	if m == nil {
		return
	}
	m.templateRefreshes.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) templateError(t Trigger) {
	if m == nil {
		return
	}
	m.templateErrors.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) shareResult(err error) {
	if m == nil {
		return
	}
	result := "accepted"
	if err != nil {
		result = KindOf(err).String()
	}
	m.shares.WithLabelValues(result).Inc()
}

func (m *Metrics) blockSubmitted(accepted bool) {
	if m == nil {
		return
	}
	label := "false"
	if accepted {
		label = "true"
	}
	m.blocks.WithLabelValues(label).Inc()
}

func (m *Metrics) broadcastFailed() {
	if m == nil {
		return
	}
	m.broadcastFailures.Inc()
}

func (m *Metrics) setWorkers(n int) {
	if m == nil {
		return
	}
	m.connectedWorkers.Set(float64(n))
}

// SetNetworkDifficulty records the daemon-reported network difficulty.
func (m *Metrics) SetNetworkDifficulty(d float64) {
	if m == nil {
		return
	}
	m.networkDifficulty.Set(d)
}
