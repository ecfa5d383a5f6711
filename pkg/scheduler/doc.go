/*
Package scheduler drives yascheduler's whole node and task lifecycle: it
connects to worker hosts, dispatches queued tasks onto them, watches
running tasks to completion, and grows or shrinks a cloud-backed node
pool to match demand.

# Architecture

Four independent pipelines run concurrently, each a single ticker-driven
producer feeding N consumer goroutines through a deduplicating bounded
queue (pkg/queue.Dedup):

	┌──────────┐   enabled nodes not yet connected    ┌────────────┐
	│ connect  │──────────────────────────────────────▶  dial SSH  │
	└──────────┘                                       └────────────┘
	┌──────────┐   TO_DO tasks                         ┌────────────┐
	│ allocate │──────────────────────────────────────▶ dispatch or│
	└──────────┘                                       │ grow cloud │
	┌──────────┐   RUNNING tasks                       └────────────┘
	│ consume  │──────────────────────────────────────▶ collect or  │
	└──────────┘                                       │ wait       │
	┌──────────┐   idle/disabled nodes                 └────────────┘
	│deallocate│──────────────────────────────────────▶ shrink cloud│
	└──────────┘                                       └────────────┘

A fifth concern, webhook delivery (pkg/webhook), is not a pipeline of its
own: every pipeline that changes a task's status (allocate on dispatch,
consume and allocate on DONE) calls fireWebhook directly, which hands
delivery off to a small bounded semaphore.

# Usage

	sched := scheduler.New(cfg, st, engines, clouds, repo, webhookWorker)
	sched.Start()
	defer sched.Stop()

Start returns immediately; the pipelines and the stats job run until
Stop, which closes every queue, waits for consumers to drain, and
disconnects every live SSH connection.

# Stats

Every 10 seconds the stats job logs node counts by status, task counts by
status, and each pipeline's queue depth, and publishes the same figures
as Prometheus gauges (pkg/metrics).
*/
package scheduler
