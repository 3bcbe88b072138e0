package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_jobs_total",
			Help: "Number of jobs by state",
		},
		[]string{"state"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_tasks_total",
			Help: "Number of tasks by state",
		},
		[]string{"state"},
	)

	PoolsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_pools_total",
			Help: "Number of pools by state",
		},
		[]string{"state"},
	)

	ScalesetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_scalesets_total",
			Help: "Number of scalesets by state",
		},
		[]string{"state"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_nodes_total",
			Help: "Number of nodes by pool and state",
		},
		[]string{"pool", "state"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_queue_depth",
			Help: "Pending messages per system and pool queue",
		},
		[]string{"queue"},
	)

	QueueMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_queue_messages_total",
			Help: "Messages consumed from internal queues by outcome",
		},
		[]string{"queue", "outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_scheduling_latency_seconds",
			Help:    "Duration of one scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Driver metrics
	DriverCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_driver_cycles_total",
			Help: "Completed periodic driver cycles by timer",
		},
		[]string{"timer"},
	)

	DriverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_driver_duration_seconds",
			Help:    "Periodic driver cycle duration in seconds by timer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"timer"},
	)

	// Webhook metrics
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Agent-reported metrics, forwarded from the custom-metrics queue.
	CustomMetric = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_custom_metric",
			Help: "Last value of each agent-reported metric",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(ScalesetsTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueMessagesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(DriverCyclesTotal)
	prometheus.MustRegister(DriverDuration)
	prometheus.MustRegister(WebhookDeliveriesTotal)
	prometheus.MustRegister(CustomMetric)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in the labeled histogram.
func (t *Timer) ObserveDurationVec(v *prometheus.HistogramVec, labels ...string) {
	v.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
