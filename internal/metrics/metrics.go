package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Foreman
type Metrics struct {
	// Dispatch metrics
	TasksDispatched  *prometheus.CounterVec
	DispatchRaces    *prometheus.CounterVec
	LongPollWaiters  *prometheus.GaugeVec
	LongPollTimeouts *prometheus.CounterVec
	LongPollShed     *prometheus.CounterVec

	// Task metrics
	TaskTransitions *prometheus.CounterVec
	TasksCreated    *prometheus.CounterVec

	// Notification metrics
	MentionsCreated    *prometheus.CounterVec
	MentionsUnresolved *prometheus.CounterVec

	// Registry metrics
	AgentsRegistered   *prometheus.CounterVec
	ServiceHeartbeats  *prometheus.CounterVec
	ServiceStatusFlips *prometheus.CounterVec

	// System metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimited         *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			TasksDispatched: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_tasks_dispatched_total",
					Help: "Total number of tasks handed out by the dispatcher",
				},
				[]string{"project_id", "role"},
			),
			DispatchRaces: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_dispatch_races_total",
					Help: "Selection restarts caused by concurrent lock attempts",
				},
				[]string{"project_id"},
			),
			LongPollWaiters: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "foreman_long_poll_waiters",
					Help: "Currently parked long polls",
				},
				[]string{"project_id"},
			),
			LongPollTimeouts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_long_poll_timeouts_total",
					Help: "Long polls that hit their deadline without work",
				},
				[]string{"project_id"},
			),
			LongPollShed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_long_poll_shed_total",
					Help: "Long polls refused because the waiter cap was reached",
				},
				[]string{"project_id"},
			),

			TaskTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_task_transitions_total",
					Help: "Total number of task status transitions",
				},
				[]string{"project_id", "from_status", "to_status"},
			),
			TasksCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_tasks_created_total",
					Help: "Total number of tasks created",
				},
				[]string{"project_id", "target_role"},
			),

			MentionsCreated: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_mentions_created_total",
					Help: "Total number of resolved mentions materialized",
				},
				[]string{"project_id", "source_type"},
			),
			MentionsUnresolved: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_mentions_unresolved_total",
					Help: "Mentions whose handle matched no registered agent",
				},
				[]string{"project_id"},
			),

			AgentsRegistered: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_agents_registered_total",
					Help: "Total number of first-time agent registrations",
				},
				[]string{"project_id", "role"},
			),
			ServiceHeartbeats: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_service_heartbeats_total",
					Help: "Total number of service heartbeats received",
				},
				[]string{"project_id"},
			),
			ServiceStatusFlips: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_service_status_changes_total",
					Help: "Persisted service status changes",
				},
				[]string{"project_id", "status"},
			),

			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "foreman_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
			RateLimited: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foreman_rate_limited_total",
					Help: "Requests refused by the per-key rate limiter",
				},
				[]string{"path"},
			),
		}
	})

	return sharedMetrics
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordDispatch records a successful task hand-out
func (m *Metrics) RecordDispatch(projectID, role string) {
	m.TasksDispatched.WithLabelValues(projectID, role).Inc()
}

// RecordTransition records a task status transition
func (m *Metrics) RecordTransition(projectID, from, to string) {
	m.TaskTransitions.WithLabelValues(projectID, from, to).Inc()
}
