package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// NodesByStatus is the number of worker nodes currently enabled or
	// disabled, published by the scheduler's stats job.
	NodesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yascheduler_nodes_total",
			Help: "Total number of worker nodes by enabled/disabled status",
		},
		[]string{"status"},
	)

	// TasksByStatus is the number of tasks currently in each lifecycle
	// status (to_do, running, done).
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yascheduler_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	// QueueDepth is the current pending+in-flight size of each scheduler
	// pipeline's dedup queue.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yascheduler_queue_depth",
			Help: "Number of items pending or in flight in a scheduler pipeline queue",
		},
		[]string{"pipeline"},
	)

	// CloudNodesByProvider is the current and max node count per
	// configured cloud provider.
	CloudNodesByProvider = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yascheduler_cloud_nodes",
			Help: "Cloud node count by provider and whether it is current or max capacity",
		},
		[]string{"provider", "kind"},
	)

	// TaskSubmittedTotal counts tasks accepted by the client surface.
	TaskSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yascheduler_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	// TaskFailedTotal counts tasks that ended in an error state, by
	// reason (e.g. "unsupported_engine", "node_gone", "download_error").
	TaskFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yascheduler_tasks_failed_total",
			Help: "Total number of tasks that ended in an error state, by reason",
		},
		[]string{"reason"},
	)

	// AllocationDuration times a single start_task_on_machine dispatch.
	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yascheduler_allocation_duration_seconds",
			Help:    "Time taken to dispatch a task onto a worker machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CloudProvisionDuration times a single cloud CreateNode call.
	CloudProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yascheduler_cloud_provision_duration_seconds",
			Help:    "Time taken to provision a cloud node, by provider",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"provider"},
	)

	// WebhookDeliveryTotal counts webhook delivery attempts by outcome
	// ("ok", "error").
	WebhookDeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yascheduler_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(NodesByStatus)
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(CloudNodesByProvider)
	prometheus.MustRegister(TaskSubmittedTotal)
	prometheus.MustRegister(TaskFailedTotal)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(CloudProvisionDuration)
	prometheus.MustRegister(WebhookDeliveryTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
