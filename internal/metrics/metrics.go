package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WatchedTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskwatch_watched_tasks",
		Help: "Number of tasks currently registered for watching.",
	})
	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskwatch_connections",
		Help: "Number of upstream event stream connections by state.",
	}, []string{"state"})
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwatch_events_total",
		Help: "Total number of task events received by event type.",
	}, []string{"type"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskwatch_events_dropped_total",
		Help: "Total number of events dropped due to malformed payloads.",
	})
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskwatch_reconnects_total",
		Help: "Total number of stream reconnect attempts.",
	})
	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskwatch_connect_failures_total",
		Help: "Total number of failed stream connection attempts.",
	})
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskwatch_session_duration_seconds",
		Help:    "Duration of connected stream sessions.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwatch_probes_total",
		Help: "Total number of task status probes by outcome.",
	}, []string{"outcome"})
	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskwatch_probe_duration_seconds",
		Help:    "Duration of task status probe requests.",
		Buckets: prometheus.DefBuckets,
	})
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskwatch_sweeps_total",
		Help: "Total number of reconciliation sweeps performed.",
	})
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwatch_notifications_total",
		Help: "Total number of notifications sent by provider and status.",
	}, []string{"provider", "status"})
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwatch_api_requests_total",
		Help: "Total number of API requests by method and response code.",
	}, []string{"method", "code"})
)

// TrackConnectionState moves a connection between state gauges. Pass an empty
// from on first registration and an empty to on teardown.
func TrackConnectionState(from, to string) {
	if from != "" {
		Connections.WithLabelValues(from).Dec()
	}
	if to != "" {
		Connections.WithLabelValues(to).Inc()
	}
}
