// Package metrics provides Prometheus metrics collection for the plugin host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Plugin lifecycle
	PluginsLoaded  prometheus.Gauge
	PluginsEnabled prometheus.Gauge
	PluginErrors   *prometheus.CounterVec

	// Sandbox
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Scheduler
	TasksSubmitted prometheus.Counter
	TasksExecuted  prometheus.Counter
	TasksPanicked  prometheus.Counter
	TasksRejected  prometheus.Counter
	QueueDepth     prometheus.Gauge

	// Fetch
	FetchesInFlight prometheus.Gauge
	FetchesTotal    *prometheus.CounterVec
	FetchesBlocked  prometheus.Counter

	// Cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Event bus
	EventsPublished *prometheus.CounterVec
}

// New creates a new Metrics instance registered on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		PluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usagebar_plugins_loaded",
			Help: "Number of discovered plugins",
		}),
		PluginsEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usagebar_plugins_enabled",
			Help: "Number of enabled plugins",
		}),
		PluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagebar_plugin_errors_total",
				Help: "Total plugin errors by code",
			},
			[]string{"plugin", "code"},
		),
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagebar_executions_total",
				Help: "Total sandbox executions",
			},
			[]string{"plugin", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "usagebar_execution_duration_seconds",
				Help:    "Sandbox execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"plugin"},
		),
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usagebar_scheduler_tasks_submitted_total",
			Help: "Tasks submitted to the scheduler",
		}),
		TasksExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usagebar_scheduler_tasks_executed_total",
			Help: "Tasks executed by the scheduler",
		}),
		TasksPanicked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usagebar_scheduler_tasks_panicked_total",
			Help: "Tasks that panicked during execution",
		}),
		TasksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usagebar_scheduler_tasks_rejected_total",
			Help: "Tasks rejected because the queue was full",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usagebar_scheduler_queue_depth",
			Help: "Current scheduler queue depth",
		}),
		FetchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usagebar_fetches_in_flight",
			Help: "Current in-flight plugin fetches",
		}),
		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagebar_fetches_total",
				Help: "Total plugin fetches by outcome",
			},
			[]string{"outcome"},
		),
		FetchesBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usagebar_fetches_blocked_total",
			Help: "Fetches rejected by address classification",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usagebar_cache_hits_total",
			Help: "Result cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usagebar_cache_misses_total",
			Help: "Result cache misses",
		}),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usagebar_events_published_total",
				Help: "Events published on the bus by topic class",
			},
			[]string{"class"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.PluginsLoaded, m.PluginsEnabled, m.PluginErrors,
			m.ExecutionsTotal, m.ExecutionDuration,
			m.TasksSubmitted, m.TasksExecuted, m.TasksPanicked, m.TasksRejected, m.QueueDepth,
			m.FetchesInFlight, m.FetchesTotal, m.FetchesBlocked,
			m.CacheHits, m.CacheMisses,
			m.EventsPublished,
		)
	}

	return m
}

// NewNop returns metrics that are not registered anywhere. Used in tests.
func NewNop() *Metrics {
	return NewWithRegistry(nil)
}

// ObserveExecution records one sandbox execution.
func (m *Metrics) ObserveExecution(pluginID, status string, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(pluginID, status).Inc()
	m.ExecutionDuration.WithLabelValues(pluginID).Observe(d.Seconds())
}
