// Package client is the synchronous submit/query surface yascheduler's
// own CLI uses instead of touching pkg/store directly, grounded on
// original_source/yascheduler/client.py's Yascheduler facade.
package client

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tilde-lab/yascheduler/pkg/engine"
	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/metrics"
	"github.com/tilde-lab/yascheduler/pkg/store"
)

// Client wraps a Store and Engine registry with the validation the
// scheduler daemon itself doesn't need to repeat: that a task names a
// known engine, and supplies every input file it declares, before it is
// ever persisted.
type Client struct {
	store   *store.Store
	engines *engine.Registry
	log     zerolog.Logger
}

// New builds a Client over an already-open Store and Registry.
func New(st *store.Store, engines *engine.Registry) *Client {
	return &Client{store: st, engines: engines, log: log.WithComponent("client")}
}

// SubmitTask validates engineName against the registry, checks that
// metadata has a key for every one of the engine's input files, merges
// the engine name into the task's metadata under the "engine" key, and
// persists a new task in TaskToDo state. If webhookURL is non-empty it
// is likewise recorded in metadata for the scheduler's webhook pipeline
// to read back.
func (c *Client) SubmitTask(ctx context.Context, label, engineName string, metadata map[string]any, webhookURL string) (*store.Task, error) {
	eng, ok := c.engines.Get(engineName)
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", engineName)
	}
	for _, name := range eng.InputFiles {
		if _, present := metadata[name]; !present {
			return nil, fmt.Errorf("engine %q requires input file %q", engineName, name)
		}
	}

	meta := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["engine"] = engineName
	if webhookURL != "" {
		meta["webhook_url"] = webhookURL
	}

	task, err := c.store.AddTask(ctx, label, meta)
	if err != nil {
		return nil, fmt.Errorf("submitting task: %w", err)
	}
	metrics.TaskSubmittedTotal.Inc()
	c.log.Info().Int64("task_id", task.TaskID).Str("engine", engineName).Msg("task submitted")
	return task, nil
}

// GetTask fetches a single task by ID.
func (c *Client) GetTask(ctx context.Context, taskID int64) (*store.Task, error) {
	return c.store.GetTask(ctx, taskID)
}

// ListTasks fetches tasks by explicit IDs, falling back to every task if
// ids is empty.
func (c *Client) ListTasks(ctx context.Context, ids []int64) ([]store.Task, error) {
	if len(ids) == 0 {
		return c.store.GetTasksByStatus(ctx, store.TaskToDo, store.TaskRunning, store.TaskDone)
	}
	return c.store.GetTasksByJobs(ctx, ids)
}

// ListTasksByStatus fetches every task in any of the given statuses.
func (c *Client) ListTasksByStatus(ctx context.Context, statuses ...store.TaskStatus) ([]store.Task, error) {
	return c.store.GetTasksByStatus(ctx, statuses...)
}
