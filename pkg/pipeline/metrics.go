package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pipeline and lifecycle activity on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	deploysTotal  *prometheus.CounterVec
	deployStep    *prometheus.CounterVec
	deploySeconds *prometheus.HistogramVec
	lifecycleOps  *prometheus.CounterVec
}

// NewMetrics builds and registers the pipeline metrics.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.deploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "deploys_total",
			Help:      "Pipeline runs by platform and final state",
		},
		[]string{"platform", "state"},
	)
	m.deployStep = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "deploy_step_failures_total",
			Help:      "Pipeline step failures by step name",
		},
		[]string{"step"},
	)
	m.deploySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "deploy_duration_seconds",
			Help:      "End-to-end pipeline duration",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"platform"},
	)
	m.lifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "lifecycle_operations_total",
			Help:      "Lifecycle operations by verb and outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.registry.MustRegister(m.deploysTotal, m.deployStep, m.deploySeconds, m.lifecycleOps)
	return m
}

// Registry exposes the metrics registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeDeploy(platform, state string, start time.Time) {
	if m == nil {
		return
	}
	m.deploysTotal.WithLabelValues(platform, state).Inc()
	m.deploySeconds.WithLabelValues(platform).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeStepFailure(step string) {
	if m == nil {
		return
	}
	m.deployStep.WithLabelValues(step).Inc()
}

func (m *Metrics) observeLifecycle(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.lifecycleOps.WithLabelValues(operation, outcome).Inc()
}
