/*
Package metrics provides Prometheus metrics collection and exposition for
yascheduler, plus a small component health registry used by the daemon's
liveness/readiness HTTP endpoints.

# Metrics Catalog

yascheduler_nodes_total{status}:
  - Type: Gauge
  - Description: Worker nodes by enabled/disabled status
  - Published by the scheduler's stats job every 10s

yascheduler_tasks_total{status}:
  - Type: Gauge
  - Description: Tasks by lifecycle status (to_do, running, done)

yascheduler_queue_depth{pipeline}:
  - Type: Gauge
  - Description: Pending+in-flight size of a scheduler pipeline's dedup
    queue (connect, allocate, consume, deallocate)

yascheduler_cloud_nodes{provider,kind}:
  - Type: Gauge
  - Description: Current and max node count per cloud provider, kind is
    "current" or "max"

yascheduler_tasks_submitted_total:
  - Type: Counter
  - Description: Tasks accepted via the client surface

yascheduler_tasks_failed_total{reason}:
  - Type: Counter
  - Description: Tasks that ended in an error state, by reason

yascheduler_allocation_duration_seconds:
  - Type: Histogram
  - Description: Time to dispatch a task onto a worker machine

yascheduler_cloud_provision_duration_seconds{provider}:
  - Type: Histogram
  - Description: Time to provision a cloud node

yascheduler_webhook_deliveries_total{outcome}:
  - Type: Counter
  - Description: Webhook delivery attempts by outcome ("ok"/"error")

# Usage

	import "github.com/tilde-lab/yascheduler/pkg/metrics"

	metrics.NodesByStatus.WithLabelValues("enabled").Set(5)
	metrics.TaskFailedTotal.WithLabelValues("node_gone").Inc()

	timer := metrics.NewTimer()
	// ... dispatch a task ...
	timer.ObserveDuration(metrics.AllocationDuration)

	http.Handle("/metrics", metrics.Handler())

# Health registry

RegisterComponent/UpdateComponent record the health of named components
("store", "scheduler"); GetHealth/GetReadiness aggregate them for the
/health and /ready HTTP handlers. Readiness additionally requires "store"
and "scheduler" to both be registered and healthy.
*/
package metrics
