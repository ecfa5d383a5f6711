// Package scheduler drives yascheduler's node and task lifecycle through
// four independent producer/consumer pipelines — connect, allocate,
// consume, deallocate — each fed by a deduplicating bounded queue so the
// same node or task is never processed by two workers at once. Webhook
// delivery is not a queue-fed pipeline: fireWebhook hands each
// notification straight to the webhook worker. The pipeline shape is a Go-native reading of the original
// daemon's single cooperative event loop: one ticker-driven producer
// goroutine per pipeline, N consumer goroutines draining its queue.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilde-lab/yascheduler/pkg/cloud"
	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/engine"
	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/metrics"
	"github.com/tilde-lab/yascheduler/pkg/queue"
	"github.com/tilde-lab/yascheduler/pkg/remotemachine"
	"github.com/tilde-lab/yascheduler/pkg/store"
	"github.com/tilde-lab/yascheduler/pkg/webhook"
)

// tickInterval is how often each pipeline's producer looks for new work.
const tickInterval = 5 * time.Second

const statsInterval = 10 * time.Second

// missThreshold is how many consecutive consume ticks a task's machine
// may be absent from the repository before the task is given up on.
const missThreshold = 20

// Scheduler owns every long-lived piece of the daemon: the durable
// Store, the engine registry, the cloud manager, the live SSH
// connection repository, and the webhook delivery worker. It is
// constructed once by cmd/yascheduler and Start/Stop bracket the
// daemon's whole lifetime.
type Scheduler struct {
	store   *store.Store
	engines *engine.Registry
	clouds  *cloud.Manager
	repo    *remotemachine.Repository
	webhook *webhook.Worker
	cfg     *config.Config
	log     zerolog.Logger

	connectQ    *queue.Dedup[string]
	allocateQ   *queue.Dedup[int64]
	consumeQ    *queue.Dedup[int64]
	deallocateQ *queue.Dedup[string]

	missCounters sync.Map // task_id (int64) -> *int32

	cancel chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler wired to the given collaborators. The cloud
// manager, repository, and webhook worker are all expected to already be
// constructed (and, for the cloud manager, its SSH key generated) by the
// caller.
func New(cfg *config.Config, st *store.Store, engines *engine.Registry, clouds *cloud.Manager, repo *remotemachine.Repository, wh *webhook.Worker) *Scheduler {
	return &Scheduler{
		store:   st,
		engines: engines,
		clouds:  clouds,
		repo:    repo,
		webhook: wh,
		cfg:     cfg,
		log:     log.WithComponent("scheduler"),

		connectQ:    queue.NewDedup[string](cfg.Local.ConnMachinePending),
		allocateQ:   queue.NewDedup[int64](cfg.Local.AllocatePending),
		consumeQ:    queue.NewDedup[int64](cfg.Local.ConsumePending),
		deallocateQ: queue.NewDedup[string](cfg.Local.DeallocatePending),

		cancel: make(chan struct{}),
	}
}

// Start launches every pipeline's producer and consumer goroutines, plus
// the stats job. It returns immediately; the pipelines run until Stop.
func (s *Scheduler) Start() {
	s.startTaskPipeline("allocate", s.cfg.Local.AllocateLimit, s.allocateQ, s.produceAllocate, s.consumeAllocate)
	s.startTaskPipeline("consume", s.cfg.Local.ConsumeLimit, s.consumeQ, s.produceConsume, s.consumeConsume)
	s.startNodePipeline("connect", s.cfg.Local.ConnMachineLimit, s.connectQ, s.produceConnect, s.consumeConnect)
	s.startNodePipeline("deallocate", s.cfg.Local.DeallocateLimit, s.deallocateQ, s.produceDeallocate, s.consumeDeallocate)

	s.wg.Add(1)
	go s.statsJob()

	s.log.Info().Msg("scheduler started")
}

// Stop signals every pipeline to wind down and blocks until they have:
// producers stop enumerating new work, queues are closed so consumers
// drain and exit, then the repository's machines are disconnected. The
// cloud manager and webhook worker have no background goroutines of
// their own to stop; the caller closes the Store after Stop returns.
func (s *Scheduler) Stop() {
	close(s.cancel)
	s.connectQ.Close()
	s.allocateQ.Close()
	s.consumeQ.Close()
	s.deallocateQ.Close()
	s.wg.Wait()
	s.repo.DisconnectAll()
	s.log.Info().Msg("scheduler stopped")
}

// startTaskPipeline runs one producer goroutine on a ticker (enumerating
// candidate task ids and Put-ing them onto q) and workers consumer
// goroutines draining q, calling consume(id) for each and marking it
// Done afterward so a repeated Put of the same id is accepted again.
func (s *Scheduler) startTaskPipeline(name string, workers int, q *queue.Dedup[int64], produce func(context.Context) []int64, consume func(context.Context, int64)) {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.cancel
		cancel()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.cancel:
				return
			case <-ticker.C:
				for _, key := range produce(ctx) {
					q.Put(key)
				}
			}
		}
	}()

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				key, ok := q.Get()
				if !ok {
					return
				}
				consume(ctx, key)
				q.Done(key)
			}
		}()
	}
	s.log.Debug().Str("pipeline", name).Int("workers", workers).Msg("pipeline started")
}

// startNodePipeline is startTaskPipeline specialized to the two pipelines
// (connect, deallocate) whose identity is a node ip rather than a task
// id. Go generics don't let a single function range over either a
// Dedup[string] or a Dedup[int64] through one parameter without
// reflection, so the (small) producer/consumer harness is duplicated
// per key type instead of forced through an interface.
func (s *Scheduler) startNodePipeline(name string, workers int, q *queue.Dedup[string], produce func(context.Context) []string, consume func(context.Context, string)) {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.cancel
		cancel()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.cancel:
				return
			case <-ticker.C:
				for _, key := range produce(ctx) {
					q.Put(key)
				}
			}
		}
	}()

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				key, ok := q.Get()
				if !ok {
					return
				}
				consume(ctx, key)
				q.Done(key)
			}
		}()
	}
	s.log.Debug().Str("pipeline", name).Int("workers", workers).Msg("pipeline started")
}

// statsJob logs and publishes node counts by status, task counts by
// status, and queue depths every statsInterval, and also publishes each
// cloud provider's current and max node counts.
func (s *Scheduler) statsJob() {
	defer s.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancel:
			return
		case <-ticker.C:
			s.publishStats()
		}
	}
}

func (s *Scheduler) publishStats() {
	ctx, cancel := context.WithTimeout(context.Background(), tickInterval)
	defer cancel()

	enabled, disabled, err := s.store.CountNodesByStatus(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("stats: counting nodes")
	} else {
		metrics.NodesByStatus.WithLabelValues("enabled").Set(float64(enabled))
		metrics.NodesByStatus.WithLabelValues("disabled").Set(float64(disabled))
	}

	taskCounts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("stats: counting tasks")
	} else {
		for status, n := range taskCounts {
			metrics.TasksByStatus.WithLabelValues(status.String()).Set(float64(n))
		}
	}

	metrics.QueueDepth.WithLabelValues("connect").Set(float64(s.connectQ.PendingCount()))
	metrics.QueueDepth.WithLabelValues("allocate").Set(float64(s.allocateQ.PendingCount()))
	metrics.QueueDepth.WithLabelValues("consume").Set(float64(s.consumeQ.PendingCount()))
	metrics.QueueDepth.WithLabelValues("deallocate").Set(float64(s.deallocateQ.PendingCount()))

	if caps, err := s.clouds.GetCapacity(ctx); err != nil {
		s.log.Warn().Err(err).Msg("stats: counting cloud nodes")
	} else {
		for provider, c := range caps {
			metrics.CloudNodesByProvider.WithLabelValues(provider, "current").Set(float64(c.Current))
			metrics.CloudNodesByProvider.WithLabelValues(provider, "max").Set(float64(c.Max))
		}
	}

	s.log.Info().
		Int("nodes_enabled", enabled).
		Int("nodes_disabled", disabled).
		Interface("tasks_by_status", taskCounts).
		Int("connect_pending", s.connectQ.PendingCount()).
		Int("allocate_pending", s.allocateQ.PendingCount()).
		Int("consume_pending", s.consumeQ.PendingCount()).
		Int("deallocate_pending", s.deallocateQ.PendingCount()).
		Msg("stats")
}

// fireWebhook posts the task's new status (RUNNING on dispatch, DONE on
// completion or error) to its configured webhook_url, if metadata
// carries one.
func (s *Scheduler) fireWebhook(meta map[string]any, taskID int64, status store.TaskStatus) {
	url, _ := meta["webhook_url"].(string)
	if url == "" {
		return
	}
	custom, _ := meta["webhook_custom_params"].(map[string]any)
	go s.webhook.Deliver(context.Background(), url, webhook.Payload{
		TaskID:       taskID,
		Status:       status,
		CustomParams: custom,
	})
}

