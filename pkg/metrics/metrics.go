package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_submitted_total",
			Help: "Total number of jobs accepted, by submission source",
		},
		[]string{"source"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_completed_total",
			Help: "Total number of pipeline runs finished, by terminal status",
		},
		[]string{"status"},
	)

	JobsDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_duplicate_total",
			Help: "Total number of submissions rejected as duplicates",
		},
	)

	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conveyor_active_runs",
			Help: "Number of pipeline runs currently in flight",
		},
	)

	// Worker invocation metrics
	WorkerInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_worker_invocations_total",
			Help: "Total number of worker invocations by worker and outcome",
		},
		[]string{"worker", "outcome"},
	)

	WorkerInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_worker_invocation_duration_seconds",
			Help:    "Wall time from request publish to correlated callback",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	WorkerTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_worker_timeouts_total",
			Help: "Total number of worker invocations that hit their deadline",
		},
		[]string{"worker"},
	)

	// Pipeline metrics
	PipelineNodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_pipeline_node_duration_seconds",
			Help:    "Execution time per pipeline node",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	// Broker metrics
	BrokerPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_broker_published_total",
			Help: "Total number of messages published, by channel",
		},
		[]string{"channel"},
	)

	BrokerSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conveyor_broker_subscribers",
			Help: "Number of active broker subscriptions",
		},
	)

	BrokerDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_broker_dropped_total",
			Help: "Total number of messages dropped on slow subscribers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsDuplicateTotal)
	prometheus.MustRegister(ActiveRuns)
	prometheus.MustRegister(WorkerInvocationsTotal)
	prometheus.MustRegister(WorkerInvocationDuration)
	prometheus.MustRegister(WorkerTimeoutsTotal)
	prometheus.MustRegister(PipelineNodeDuration)
	prometheus.MustRegister(BrokerPublishedTotal)
	prometheus.MustRegister(BrokerSubscribers)
	prometheus.MustRegister(BrokerDroppedTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and records it into a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the given histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
