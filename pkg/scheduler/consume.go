package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"

	"github.com/tilde-lab/yascheduler/pkg/metrics"
	"github.com/tilde-lab/yascheduler/pkg/remotemachine"
	"github.com/tilde-lab/yascheduler/pkg/retry"
	"github.com/tilde-lab/yascheduler/pkg/store"
)

// produceConsume enumerates every RUNNING task.
func (s *Scheduler) produceConsume(ctx context.Context) []int64 {
	tasks, err := s.store.GetTasksByStatus(ctx, store.TaskRunning)
	if err != nil {
		s.log.Warn().Err(err).Msg("consume: listing running tasks")
		return nil
	}
	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.TaskID
	}
	return ids
}

// consumeConsume advances one RUNNING task: it gives up on tasks whose
// machine has been missing too long, starts a liveness watcher for a
// freshly reconnected machine, and downloads results once the machine
// goes idle.
func (s *Scheduler) consumeConsume(ctx context.Context, taskID int64) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil || task == nil || task.Status != store.TaskRunning || task.IP == nil {
		return
	}
	ip := *task.IP

	m, ok := s.repo.Get(ip)
	if !ok {
		s.handleMissingMachine(ctx, task)
		return
	}
	s.missCounters.Delete(taskID)

	if !m.Meta.HasOccupancyChecker() {
		if eng, ok := s.engines.Get(engineNameOf(task)); ok {
			s.startOccupancyChecker(ctx, m, eng)
		}
		return
	}

	if m.Meta.Busy() {
		return
	}

	s.collectTask(ctx, m, task)
}

// handleMissingMachine tracks how many consecutive ticks task's ip has
// been absent from the repository, giving up once missThreshold is
// exceeded.
func (s *Scheduler) handleMissingMachine(ctx context.Context, task *store.Task) {
	v, _ := s.missCounters.LoadOrStore(task.TaskID, new(int32))
	counter := v.(*int32)
	misses := atomic.AddInt32(counter, 1)
	if misses <= missThreshold {
		return
	}
	s.missCounters.Delete(task.TaskID)
	s.finishTaskError(ctx, task, "node is gone")
	metrics.TaskFailedTotal.WithLabelValues("node_gone").Inc()
}

func engineNameOf(task *store.Task) string {
	name, _ := task.Metadata["engine"].(string)
	return name
}

// collectTask downloads a finished task's output files, deletes its
// remote working directory, and marks it DONE.
func (s *Scheduler) collectTask(ctx context.Context, m *remotemachine.Machine, task *store.Task) {
	eng, ok := s.engines.Get(engineNameOf(task))
	if !ok {
		s.finishTaskError(ctx, task, "unsupported engine")
		return
	}

	taskDir, err := s.resolveTaskDir(ctx, m, task)
	if err != nil {
		s.log.Warn().Int64("task_id", task.TaskID).Err(err).Msg("consume: resolving task dir")
		return
	}
	storeFolder := s.resolveStoreFolder(task, taskDir)
	if err := os.MkdirAll(storeFolder, 0o777); err != nil {
		s.log.Warn().Int64("task_id", task.TaskID).Err(err).Msg("consume: creating store folder")
		return
	}

	fileErrors := s.downloadOutputs(ctx, m, taskDir, storeFolder, eng.OutputFiles)

	if _, err := m.Run(ctx, fmt.Sprintf("rm -rf %s", m.Quote(taskDir)), ""); err != nil {
		s.log.Warn().Int64("task_id", task.TaskID).Str("ip", m.Host).Err(err).Msg("consume: deleting remote task dir")
	}

	metaDelta := map[string]any{"local_folder": storeFolder}
	if len(fileErrors) > 0 {
		metaDelta["error"] = fileErrors
	}
	if err := s.store.SetTaskDone(ctx, task.TaskID, metaDelta); err != nil {
		s.log.Warn().Int64("task_id", task.TaskID).Err(err).Msg("consume: committing done status")
		return
	}

	meta := make(map[string]any, len(task.Metadata)+len(metaDelta))
	for k, v := range task.Metadata {
		meta[k] = v
	}
	for k, v := range metaDelta {
		meta[k] = v
	}
	s.fireWebhook(meta, task.TaskID, store.TaskDone)
	if len(fileErrors) > 0 {
		metrics.TaskFailedTotal.WithLabelValues("download_error").Inc()
	}
	s.log.Info().Int64("task_id", task.TaskID).Str("local_folder", storeFolder).Msg("consume: task collected")
}

// resolveStoreFolder returns metadata.local_folder if set, else a folder
// under the local tasks dir named after the remote folder's basename.
func (s *Scheduler) resolveStoreFolder(task *store.Task, taskDir string) string {
	if folder, ok := task.Metadata["local_folder"].(string); ok && folder != "" {
		return folder
	}
	return filepath.Join(s.cfg.Local.TasksDir, path.Base(taskDir))
}

// downloadOutputs fetches every output file from the remote task dir into
// localDir, returning a map of remote path to error message for any file
// that failed after retry.
func (s *Scheduler) downloadOutputs(ctx context.Context, m *remotemachine.Machine, taskDir, localDir string, outputFiles []string) map[string]string {
	errs := map[string]string{}
	for _, name := range outputFiles {
		remotePath := path.Join(taskDir, name)
		localPath := filepath.Join(localDir, name)
		if err := s.downloadOne(ctx, m, remotePath, localPath); err != nil {
			errs[remotePath] = err.Error()
		}
	}
	return errs
}

func (s *Scheduler) downloadOne(ctx context.Context, m *remotemachine.Machine, remotePath, localPath string) error {
	return retry.Do(ctx, retry.SSH, func() error {
		sftpCli, err := m.SFTP()
		if err != nil {
			return err
		}
		defer m.ReleaseSFTP()
		defer sftpCli.Close()

		rf, err := sftpCli.Open(remotePath)
		if err != nil {
			return err
		}
		defer rf.Close()

		lf, err := os.Create(localPath)
		if err != nil {
			return err
		}
		defer lf.Close()

		_, err = io.Copy(lf, rf)
		return err
	})
}
