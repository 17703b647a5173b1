package metrics

import (
	"context"
	"net/http"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "espalier"

// Metrics holds the host collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	operations *prometheus.CounterVec
	faults     *prometheus.CounterVec
	inFlight   prometheus.Gauge
}

// New creates and registers the collectors. Process and Go runtime
// collectors are included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Create and update requests by outcome.",
			},
			[]string{"kind", "module", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of create and update requests, sandbox included.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"kind", "module"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Operations returned by guests.",
			},
			[]string{"module", "kind"},
		),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_faults_total",
				Help:      "Sandbox traps, out-of-bounds accesses and unreadable outputs.",
			},
			[]string{"module"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently driving a sandbox.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.duration, m.operations, m.faults, m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Hooks returns lifecycle hooks that record every request.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnRequestStart: func(context.Context, *domain.RequestEvent) {
			m.inFlight.Inc()
		},
		OnRequestEnd: func(_ context.Context, e *domain.RequestEvent) {
			m.inFlight.Dec()
			m.requests.WithLabelValues(string(e.Kind), e.Module, string(e.Outcome)).Inc()
			m.duration.WithLabelValues(string(e.Kind), e.Module).Observe(e.Duration.Seconds())
			for _, op := range e.Operations {
				m.operations.WithLabelValues(e.Module, string(op.Kind)).Inc()
			}
		},
		OnSandboxFault: func(_ context.Context, e *domain.RequestEvent) {
			m.faults.WithLabelValues(e.Module).Inc()
		},
	}
}
