package scheduler

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/tilde-lab/yascheduler/pkg/engine"
	"github.com/tilde-lab/yascheduler/pkg/metrics"
	"github.com/tilde-lab/yascheduler/pkg/remotemachine"
	"github.com/tilde-lab/yascheduler/pkg/store"
)

// minAllocateBatch is the floor on how many TO_DO tasks a single
// allocate-producer tick considers, even when cloud capacity and idle
// machine count are both zero.
const minAllocateBatch = 10

// produceAllocate enumerates TO_DO tasks, capped at the larger of a fixed
// floor, total configured cloud capacity, and the number of currently
// idle machines.
func (s *Scheduler) produceAllocate(ctx context.Context) []int64 {
	tasks, err := s.store.GetTasksByStatus(ctx, store.TaskToDo)
	if err != nil {
		s.log.Warn().Err(err).Msg("allocate: listing to-do tasks")
		return nil
	}

	limit := minAllocateBatch
	if caps, err := s.clouds.GetCapacity(ctx); err == nil {
		total := 0
		for _, c := range caps {
			total += c.Max
		}
		if total > limit {
			limit = total
		}
	}
	if idle := len(s.repo.Filter(remotemachine.FilterOptions{OnlyFree: true})); idle > limit {
		limit = idle
	}

	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.TaskID
	}
	return ids
}

// consumeAllocate dispatches a single TO_DO task onto an idle machine, or
// requests a new cloud node for it if none is available.
func (s *Scheduler) consumeAllocate(ctx context.Context, taskID int64) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil || task == nil || task.Status != store.TaskToDo {
		return
	}

	engineName, _ := task.Metadata["engine"].(string)
	eng, ok := s.engines.Get(engineName)
	if !ok {
		s.finishTaskError(ctx, task, "unsupported engine")
		metrics.TaskFailedTotal.WithLabelValues("unsupported_engine").Inc()
		return
	}

	runningIPs, err := s.runningIPs(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("allocate: listing running task ips")
		return
	}

	candidates := s.candidateMachines(eng, runningIPs)
	if len(candidates) == 0 {
		if err := s.clouds.Allocate(ctx, taskID, eng.Platforms, true); err != nil {
			s.log.Warn().Int64("task_id", taskID).Err(err).Msg("allocate: requesting cloud node")
		}
		return
	}

	m := candidates[0]
	timer := metrics.NewTimer()
	if err := s.startTaskOnMachine(ctx, m, eng, task); err != nil {
		s.log.Warn().Int64("task_id", taskID).Str("ip", m.Host).Err(err).Msg("allocate: dispatch failed")
		return
	}
	timer.ObserveDuration(metrics.AllocationDuration)

	m.Meta.SetBusy(true)
	s.startOccupancyChecker(ctx, m, eng)

	if err := s.store.SetTaskRunning(ctx, taskID, m.Host); err != nil {
		s.log.Warn().Int64("task_id", taskID).Err(err).Msg("allocate: committing running status")
		return
	}
	s.fireWebhook(task.Metadata, taskID, store.TaskRunning)
	s.log.Info().Int64("task_id", taskID).Str("ip", m.Host).Str("engine", eng.Name).Msg("allocate: dispatched")
}

// runningIPs is the set of node ips already claimed by another RUNNING
// task, excluded from candidate selection so two tasks never land on the
// same machine between one allocate tick and the next.
func (s *Scheduler) runningIPs(ctx context.Context) (map[string]struct{}, error) {
	tasks, err := s.store.GetTasksByStatus(ctx, store.TaskRunning)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.IP != nil {
			out[*t.IP] = struct{}{}
		}
	}
	return out, nil
}

// candidateMachines returns idle, platform-compatible machines not
// already claimed by a RUNNING task, oldest-idle first.
func (s *Scheduler) candidateMachines(eng engine.Engine, runningIPs map[string]struct{}) []*remotemachine.Machine {
	free := s.repo.Filter(remotemachine.FilterOptions{OnlyFree: true})
	out := make([]*remotemachine.Machine, 0, len(free))
	for _, m := range free {
		if _, claimed := runningIPs[m.Host]; claimed {
			continue
		}
		if len(eng.Platforms) > 0 && len(lo.Intersect(eng.Platforms, m.Platforms())) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// startOccupancyChecker launches the liveness watcher matching however
// the engine configured its check: an exit-code probe if check_cmd is
// set, otherwise a pgrep-by-name probe.
func (s *Scheduler) startOccupancyChecker(ctx context.Context, m *remotemachine.Machine, eng engine.Engine) {
	interval := time.Duration(eng.SleepInterval) * time.Second
	if eng.CheckCmd != "" {
		m.StartOccupancyWatch(ctx, func(ctx context.Context) (bool, error) {
			_, code, err := m.RunCode(ctx, eng.CheckCmd, "")
			if err != nil {
				return false, err
			}
			return code == eng.CheckCmdCode, nil
		}, interval)
		return
	}
	m.StartOccupancyCheck(ctx, eng.CheckPname, false, interval)
}

// finishTaskError marks task DONE with an error reason and fires its
// webhook, used for terminal failures discovered before a task ever runs.
func (s *Scheduler) finishTaskError(ctx context.Context, task *store.Task, reason string) {
	if err := s.store.SetTaskError(ctx, task.TaskID, reason); err != nil {
		s.log.Warn().Int64("task_id", task.TaskID).Err(err).Msg("allocate: recording task error")
		return
	}
	meta := make(map[string]any, len(task.Metadata)+1)
	for k, v := range task.Metadata {
		meta[k] = v
	}
	meta["error"] = reason
	s.fireWebhook(meta, task.TaskID, store.TaskDone)
}

// startTaskOnMachine uploads a task's input files to its remote working
// directory and spawns the configured engine against it, in the
// background. ncpus is resolved Node.NCPUs > a live core count query > a
// safe default of 1.
func (s *Scheduler) startTaskOnMachine(ctx context.Context, m *remotemachine.Machine, eng engine.Engine, task *store.Task) error {
	taskDir, err := s.resolveTaskDir(ctx, m, task)
	if err != nil {
		return fmt.Errorf("resolving task dir: %w", err)
	}
	enginePath := path.Join(s.cfg.Remote.EnginesDir, eng.Name)

	sftpCli, err := m.SFTP()
	if err != nil {
		return fmt.Errorf("opening sftp: %w", err)
	}
	defer m.ReleaseSFTP()
	defer sftpCli.Close()

	if err := sftpCli.MkdirAll(taskDir); err != nil {
		return fmt.Errorf("creating task dir %s: %w", taskDir, err)
	}

	for _, inputFile := range eng.InputFiles {
		content, _ := task.Metadata[inputFile].(string)
		remotePath := path.Join(taskDir, inputFile)
		f, err := sftpCli.Create(remotePath)
		if err != nil {
			return fmt.Errorf("creating %s: %w", remotePath, err)
		}
		_, werr := f.Write([]byte(content))
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("writing %s: %w", remotePath, werr)
		}
		if cerr != nil {
			return fmt.Errorf("closing %s: %w", remotePath, cerr)
		}
	}

	ncpus := s.resolveNCPUs(ctx, m, task)
	spawnCmd := eng.RenderSpawn(m.Quote(taskDir), enginePath, ncpus)
	if err := m.RunBackground(ctx, spawnCmd, taskDir); err != nil {
		return fmt.Errorf("spawning engine: %w", err)
	}
	return nil
}

// resolveTaskDir returns metadata.remote_folder verbatim if it is
// already absolute, else joins it onto the remote's own working
// directory root.
func (s *Scheduler) resolveTaskDir(ctx context.Context, m *remotemachine.Machine, task *store.Task) (string, error) {
	folder, _ := task.Metadata["remote_folder"].(string)
	if path.IsAbs(folder) {
		return folder, nil
	}
	root, err := m.Run(ctx, "pwd", "")
	if err != nil {
		return "", fmt.Errorf("resolving remote root: %w", err)
	}
	return path.Join(strings.TrimSpace(root), folder), nil
}

func (s *Scheduler) resolveNCPUs(ctx context.Context, m *remotemachine.Machine, task *store.Task) int {
	node, err := s.store.GetNode(ctx, m.Host)
	if err == nil && node != nil && node.NCPUs != nil && *node.NCPUs > 0 {
		return *node.NCPUs
	}
	if n, err := m.GetCPUCores(ctx); err == nil && n > 0 {
		return n
	}
	return 1
}
