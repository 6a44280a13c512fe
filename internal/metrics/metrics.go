// Package metrics exposes pipeline counters and gauges through Prometheus.
//
// Each Metrics value owns its own registry, so several engines (and
// parallel tests) never collide on metric registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "novellus"

// Metrics holds the pipeline instruments.
type Metrics struct {
	Registry *prometheus.Registry

	EventsProcessed       prometheus.Counter
	EventsFailed          prometheus.Counter
	EventsNoChange        prometheus.Counter
	EventsRetried         prometheus.Counter
	EventsDeadLettered    *prometheus.CounterVec
	BackpressureEvents    prometheus.Counter
	ConflictsDetected     *prometheus.CounterVec
	ConflictsResolved     *prometheus.CounterVec
	ConsistencyMismatches prometheus.Counter
	LateWindowEvents      prometheus.Counter
	BufferOccupancy       prometheus.Gauge
	OpenWindows           prometheus.Gauge
	ApplyDuration         *prometheus.HistogramVec
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	})
}

// New creates the instruments and registers them, together with the Go
// runtime collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		EventsProcessed: counter("events_processed_total", "Events applied to both stores."),
		EventsFailed:    counter("events_failed_total", "Failed processing attempts, including retried ones."),
		EventsNoChange:  counter("events_no_change_total", "Events skipped because the content hash was unchanged."),
		EventsRetried:   counter("events_retried_total", "Events re-enqueued for another attempt."),
		EventsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Events sent to the dead-letter sink, by kind.",
		}, []string{"kind"}),
		BackpressureEvents: counter("backpressure_events_total", "Submissions rejected because the buffer was full."),
		ConflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "conflicts_detected_total",
			Help:      "Field conflicts detected, by strategy.",
		}, []string{"strategy"}),
		ConflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Field conflicts resolved, by strategy.",
		}, []string{"strategy"}),
		ConsistencyMismatches: counter("consistency_mismatches_total", "Records whose stores disagreed after apply."),
		LateWindowEvents:      counter("late_window_events_total", "Events that arrived after their windows were processed."),
		BufferOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "buffer_occupancy",
			Help:      "Events currently held in the buffer.",
		}),
		OpenWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "open_windows",
			Help:      "Windows not yet closed.",
		}),
		ApplyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "apply_duration_seconds",
			Help:      "Duration of store writes, by store.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"store"}),
	}

	m.Registry.MustRegister(
		m.EventsProcessed,
		m.EventsFailed,
		m.EventsNoChange,
		m.EventsRetried,
		m.EventsDeadLettered,
		m.BackpressureEvents,
		m.ConflictsDetected,
		m.ConflictsResolved,
		m.ConsistencyMismatches,
		m.LateWindowEvents,
		m.BufferOccupancy,
		m.OpenWindows,
		m.ApplyDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
