package workflow

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outcomeSuccess    = "success"
	outcomeFailure    = "failure"
	outcomeIdempotent = "idempotent_hit"
)

// MutationMetrics holds the critical mutation counters. A nil *MutationMetrics records nothing.
type MutationMetrics struct {
	registry *prometheus.Registry

	Executions *prometheus.CounterVec
	Attempts   *prometheus.CounterVec
	Retries    *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

func NewMutationMetrics(namespace string) *MutationMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &MutationMetrics{
		registry: registry,
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "executions_total",
			Help:      "Critical mutations by outcome",
		}, []string{"domain", "operation", "outcome"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "attempts_total",
			Help:      "Transaction attempts made by critical mutations",
		}, []string{"domain", "operation"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "retries_total",
			Help:      "Transaction retries caused by transient failures",
		}, []string{"domain", "operation"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "duration_seconds",
			Help:      "Critical mutation latency including retries",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"domain", "operation"}),
	}
	registry.MustRegister(m.Executions, m.Attempts, m.Retries, m.Duration)
	return m
}

func (m *MutationMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MutationMetrics) record(domain, operation, outcome string, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(domain, operation, outcome).Inc()
	if attempts > 0 {
		m.Attempts.WithLabelValues(domain, operation).Add(float64(attempts))
	}
	if attempts > 1 {
		m.Retries.WithLabelValues(domain, operation).Add(float64(attempts - 1))
	}
	m.Duration.WithLabelValues(domain, operation).Observe(elapsed.Seconds())
}
