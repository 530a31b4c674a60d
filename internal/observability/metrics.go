package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runtime's Prometheus collectors on an instance-scoped
// registry, so tests can create as many as they like without collisions.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmittedTotal *prometheus.CounterVec
	JobsCompletedTotal *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	JobsQueued         prometheus.Gauge
	JobsActive         prometheus.Gauge

	PermissionDecisionsTotal *prometheus.CounterVec

	BusDroppedTotal *prometheus.CounterVec

	PluginsActive     prometheus.Gauge
	PluginFaultsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		JobsSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quecore_jobs_submitted_total",
				Help: "Jobs submitted to the execution engine, by tool.",
			},
			[]string{"tool"},
		),
		JobsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quecore_jobs_completed_total",
				Help: "Jobs reaching a terminal state, by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quecore_job_duration_seconds",
				Help:    "Wall time from job start to terminal state.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		JobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quecore_jobs_queued",
			Help: "Jobs waiting for a worker slot.",
		}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quecore_jobs_active",
			Help: "Jobs currently running on a worker.",
		}),
		PermissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quecore_permission_decisions_total",
				Help: "Permission gate decisions, by decision kind.",
			},
			[]string{"decision"},
		),
		BusDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quecore_bus_dropped_events_total",
				Help: "Events dropped because a subscriber buffer was full.",
			},
			[]string{"subscriber"},
		),
		PluginsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quecore_plugins_active",
			Help: "Plugins currently in the active state.",
		}),
		PluginFaultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quecore_plugin_faults_total",
				Help: "Plugin fault transitions, by plugin and reason.",
			},
			[]string{"plugin", "reason"},
		),
	}

	registry.MustRegister(
		m.JobsSubmittedTotal,
		m.JobsCompletedTotal,
		m.JobDuration,
		m.JobsQueued,
		m.JobsActive,
		m.PermissionDecisionsTotal,
		m.BusDroppedTotal,
		m.PluginsActive,
		m.PluginFaultsTotal,
	)

	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
