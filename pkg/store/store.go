// Package store is the durable PostgreSQL-backed record of every task and
// node yascheduler knows about. It is the only source of truth the
// scheduler's pipelines coordinate through; nothing else holds state that
// survives a restart.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/imdario/mergo"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/retry"
)

// TaskStatus mirrors the three states a task moves through.
type TaskStatus int

const (
	TaskToDo TaskStatus = iota
	TaskRunning
	TaskDone
)

func (s TaskStatus) String() string {
	switch s {
	case TaskToDo:
		return "to_do"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	default:
		return "unknown"
	}
}

// Task is one submitted computation.
type Task struct {
	TaskID   int64
	Label    string
	IP       *string
	Status   TaskStatus
	Metadata map[string]any
}

// Node is one worker host, real or a cloud-allocated placeholder.
type Node struct {
	IP       string
	NCPUs    *int
	Enabled  bool
	Cloud    *string
	Username string
}

// IsPlaceholder reports whether this row is a "provXXXXXXXXXX" row
// reserved during cloud allocation, before the real IP is known.
func (n Node) IsPlaceholder() bool {
	return !strings.Contains(n.IP, ".")
}

// Store wraps a pgx connection pool with the query set yascheduler needs,
// each call retried under Fibonacci backoff on a transient connection
// error.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New opens a pool against cfg and runs Migrate.
func New(ctx context.Context, cfg config.DB) (*Store, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s := &Store{pool: pool, log: log.WithComponent("store")}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, retry.DB, fn)
}

// Migrate creates both tables if absent and adds columns introduced after
// the original schema (username on yascheduler_nodes). Idempotent: safe
// to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS yascheduler_nodes (
			ip VARCHAR(46) PRIMARY KEY,
			ncpus SMALLINT,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			cloud VARCHAR(32),
			username VARCHAR(32) NOT NULL DEFAULT 'root'
		)`,
		`CREATE TABLE IF NOT EXISTS yascheduler_tasks (
			task_id BIGSERIAL PRIMARY KEY,
			label VARCHAR(256) NOT NULL,
			ip VARCHAR(46) REFERENCES yascheduler_nodes(ip),
			status SMALLINT NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}'
		)`,
		`ALTER TABLE yascheduler_nodes ADD COLUMN IF NOT EXISTS username VARCHAR(32) NOT NULL DEFAULT 'root'`,
	}
	return s.withRetry(ctx, func() error {
		for _, stmt := range stmts {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		return nil
	})
}

// HasNode reports whether ip is already known.
func (s *Store) HasNode(ctx context.Context, ip string) (bool, error) {
	var exists bool
	err := s.withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM yascheduler_nodes WHERE ip=$1)`, ip).Scan(&exists)
	})
	return exists, err
}

func scanNode(row pgx.CollectableRow) (Node, error) {
	var n Node
	err := row.Scan(&n.IP, &n.NCPUs, &n.Enabled, &n.Cloud, &n.Username)
	return n, err
}

// GetNode fetches a single node by IP.
func (s *Store) GetNode(ctx context.Context, ip string) (*Node, error) {
	var n Node
	err := s.withRetry(ctx, func() error {
		row, err := s.pool.Query(ctx, `SELECT ip, ncpus, enabled, cloud, username FROM yascheduler_nodes WHERE ip=$1`, ip)
		if err != nil {
			return err
		}
		defer row.Close()
		collected, err := pgx.CollectExactlyOneRow(row, scanNode)
		if err != nil {
			return err
		}
		n = collected
		return nil
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

// GetAllNodes returns every node row, including allocation placeholders.
func (s *Store) GetAllNodes(ctx context.Context) ([]Node, error) {
	return s.queryNodes(ctx, `SELECT ip, ncpus, enabled, cloud, username FROM yascheduler_nodes ORDER BY ip`)
}

// GetEnabledNodes returns enabled, fully-provisioned (non-placeholder)
// nodes.
func (s *Store) GetEnabledNodes(ctx context.Context) ([]Node, error) {
	nodes, err := s.queryNodes(ctx, `SELECT ip, ncpus, enabled, cloud, username FROM yascheduler_nodes WHERE enabled ORDER BY ip`)
	if err != nil {
		return nil, err
	}
	return filterProvisioned(nodes), nil
}

// GetDisabledNodes returns disabled, fully-provisioned nodes.
func (s *Store) GetDisabledNodes(ctx context.Context) ([]Node, error) {
	nodes, err := s.queryNodes(ctx, `SELECT ip, ncpus, enabled, cloud, username FROM yascheduler_nodes WHERE NOT enabled ORDER BY ip`)
	if err != nil {
		return nil, err
	}
	return filterProvisioned(nodes), nil
}

func filterProvisioned(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if !n.IsPlaceholder() {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) queryNodes(ctx context.Context, sql string, args ...any) ([]Node, error) {
	var nodes []Node
	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		collected, err := pgx.CollectRows(rows, scanNode)
		if err != nil {
			return err
		}
		nodes = collected
		return nil
	})
	return nodes, err
}

// CountNodesByStatus returns counts of enabled vs disabled provisioned
// nodes.
func (s *Store) CountNodesByStatus(ctx context.Context) (enabled, disabled int, err error) {
	err = s.withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE enabled AND ip LIKE '%.%'),
				COUNT(*) FILTER (WHERE NOT enabled AND ip LIKE '%.%')
			FROM yascheduler_nodes
		`).Scan(&enabled, &disabled)
	})
	return
}

// CountNodesClouds returns the number of nodes per cloud provider.
func (s *Store) CountNodesClouds(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT cloud, COUNT(*) FROM yascheduler_nodes
			WHERE cloud IS NOT NULL GROUP BY cloud
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var cloud string
			var n int
			if err := rows.Scan(&cloud, &n); err != nil {
				return err
			}
			out[cloud] = n
		}
		return rows.Err()
	})
	return out, err
}

// AddTmpNode inserts a disabled placeholder node with an IP of the form
// "prov<10 hex chars>", to be replaced once the cloud adapter reports a
// real address.
func (s *Store) AddTmpNode(ctx context.Context, cloud, username string) (string, error) {
	if username == "" {
		username = "root"
	}
	ip := "prov" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO yascheduler_nodes (ip, enabled, cloud, username) VALUES ($1, FALSE, $2, $3)`,
			ip, cloud, username)
		return err
	})
	if err != nil {
		return "", err
	}
	return ip, nil
}

// AddNode inserts a provisioned node as enabled, or overwrites the
// existing row with the same ip. Placeholder rows have their own "prov"
// ips and are not touched; callers remove them with RemoveNode.
func (s *Store) AddNode(ctx context.Context, ip string, ncpus *int, cloud *string, username string) error {
	if username == "" {
		username = "root"
	}
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO yascheduler_nodes (ip, ncpus, enabled, cloud, username)
			VALUES ($1, $2, TRUE, $3, $4)
			ON CONFLICT (ip) DO UPDATE SET ncpus=$2, enabled=TRUE, cloud=$3, username=$4
		`, ip, ncpus, cloud, username)
		return err
	})
}

// EnableNode flips a node's enabled flag on.
func (s *Store) EnableNode(ctx context.Context, ip string) error {
	return s.setNodeEnabled(ctx, ip, true)
}

// DisableNode flips a node's enabled flag off.
func (s *Store) DisableNode(ctx context.Context, ip string) error {
	return s.setNodeEnabled(ctx, ip, false)
}

func (s *Store) setNodeEnabled(ctx context.Context, ip string, enabled bool) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE yascheduler_nodes SET enabled=$2 WHERE ip=$1`, ip, enabled)
		return err
	})
}

// RemoveNode deletes a node row outright.
func (s *Store) RemoveNode(ctx context.Context, ip string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `DELETE FROM yascheduler_nodes WHERE ip=$1`, ip)
		return err
	})
}

func scanTask(row pgx.CollectableRow) (Task, error) {
	var t Task
	var status int
	var metaBytes []byte
	if err := row.Scan(&t.TaskID, &t.Label, &t.IP, &status, &metaBytes); err != nil {
		return t, err
	}
	t.Status = TaskStatus(status)
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &t.Metadata); err != nil {
			return t, fmt.Errorf("decoding task metadata: %w", err)
		}
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	return t, nil
}

const taskColumns = `task_id, label, ip, status, metadata`

// AddTask inserts a new task in TaskToDo status.
func (s *Store) AddTask(ctx context.Context, label string, metadata map[string]any) (*Task, error) {
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding task metadata: %w", err)
	}
	var taskID int64
	err = s.withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO yascheduler_tasks (label, status, metadata)
			VALUES ($1, $2, $3) RETURNING task_id
		`, label, TaskToDo, metaBytes).Scan(&taskID)
	})
	if err != nil {
		return nil, err
	}
	return &Task{TaskID: taskID, Label: label, Status: TaskToDo, Metadata: metadata}, nil
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	var t Task
	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM yascheduler_tasks WHERE task_id=$1`, taskID)
		if err != nil {
			return err
		}
		defer rows.Close()
		collected, err := pgx.CollectExactlyOneRow(rows, scanTask)
		if err != nil {
			return err
		}
		t = collected
		return nil
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) queryTasks(ctx context.Context, sql string, args ...any) ([]Task, error) {
	var tasks []Task
	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		collected, err := pgx.CollectRows(rows, scanTask)
		if err != nil {
			return err
		}
		tasks = collected
		return nil
	})
	return tasks, err
}

// GetTasksByJobs fetches multiple tasks by id, preserving no particular
// order.
func (s *Store) GetTasksByJobs(ctx context.Context, ids []int64) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM yascheduler_tasks WHERE task_id = ANY($1)`, ids)
}

// GetTasksByStatus fetches every task in any of the given statuses.
func (s *Store) GetTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	ints := make([]int, len(statuses))
	for i, st := range statuses {
		ints[i] = int(st)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM yascheduler_tasks WHERE status = ANY($1)`, ints)
}

// TaskWithCloud is a task joined against its node's cloud column, as
// returned by GetTasksWithCloudByIDStatus.
type TaskWithCloud struct {
	Task
	Cloud *string
}

// GetTasksWithCloudByIDStatus joins tasks to nodes to report which cloud
// (if any) backs each task's assigned IP.
func (s *Store) GetTasksWithCloudByIDStatus(ctx context.Context, ids []int64, status TaskStatus) ([]TaskWithCloud, error) {
	var out []TaskWithCloud
	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT t.task_id, t.label, t.ip, t.status, t.metadata, n.cloud
			FROM yascheduler_tasks t
			LEFT JOIN yascheduler_nodes n ON n.ip = t.ip
			WHERE t.task_id = ANY($1) AND t.status = $2
		`, ids, status)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t Task
			var status int
			var metaBytes []byte
			var cloud *string
			if err := rows.Scan(&t.TaskID, &t.Label, &t.IP, &status, &metaBytes, &cloud); err != nil {
				return err
			}
			t.Status = TaskStatus(status)
			if len(metaBytes) > 0 {
				_ = json.Unmarshal(metaBytes, &t.Metadata)
			}
			out = append(out, TaskWithCloud{Task: t, Cloud: cloud})
		}
		return rows.Err()
	})
	return out, err
}

// GetTaskIDsByIPAndStatus finds tasks assigned to ip in the given status,
// used when an operator disables or removes a node and its running work
// needs to be reassigned or marked errored.
func (s *Store) GetTaskIDsByIPAndStatus(ctx context.Context, ip string, status TaskStatus) ([]int64, error) {
	var ids []int64
	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `SELECT task_id FROM yascheduler_tasks WHERE ip=$1 AND status=$2`, ip, status)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// CountTasksByStatus returns the number of tasks in each status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	out := map[TaskStatus]int{}
	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM yascheduler_tasks GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status, n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			out[TaskStatus(status)] = n
		}
		return rows.Err()
	})
	return out, err
}

// SetTaskRunning assigns a task to ip and marks it running.
func (s *Store) SetTaskRunning(ctx context.Context, taskID int64, ip string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE yascheduler_tasks SET ip=$2, status=$3 WHERE task_id=$1`,
			taskID, ip, TaskRunning)
		return err
	})
}

// SetTaskDone marks a task done, merging metaDelta into its existing
// metadata (e.g. local_folder after the result download completes).
func (s *Store) SetTaskDone(ctx context.Context, taskID int64, metaDelta map[string]any) error {
	return s.updateTaskStatusAndMeta(ctx, taskID, TaskDone, metaDelta)
}

// SetTaskError marks a task done with an "error" key merged into its
// metadata, mirroring db.py's set_task_error.
func (s *Store) SetTaskError(ctx context.Context, taskID int64, reason string) error {
	return s.updateTaskStatusAndMeta(ctx, taskID, TaskDone, map[string]any{"error": reason})
}

func (s *Store) updateTaskStatusAndMeta(ctx context.Context, taskID int64, status TaskStatus, metaDelta map[string]any) error {
	return s.withRetry(ctx, func() error {
		var existing []byte
		if err := s.pool.QueryRow(ctx, `SELECT metadata FROM yascheduler_tasks WHERE task_id=$1`, taskID).Scan(&existing); err != nil {
			return err
		}
		merged := map[string]any{}
		if len(existing) > 0 {
			if err := json.Unmarshal(existing, &merged); err != nil {
				return fmt.Errorf("decoding existing metadata: %w", err)
			}
		}
		if err := mergo.Merge(&merged, metaDelta, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging metadata: %w", err)
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `UPDATE yascheduler_tasks SET status=$2, metadata=$3 WHERE task_id=$1`,
			taskID, status, encoded)
		return err
	})
}

// UpdateTaskMeta merges metaDelta into a task's metadata without changing
// its status.
func (s *Store) UpdateTaskMeta(ctx context.Context, taskID int64, metaDelta map[string]any) error {
	return s.withRetry(ctx, func() error {
		var existing []byte
		if err := s.pool.QueryRow(ctx, `SELECT metadata FROM yascheduler_tasks WHERE task_id=$1`, taskID).Scan(&existing); err != nil {
			return err
		}
		merged := map[string]any{}
		if len(existing) > 0 {
			if err := json.Unmarshal(existing, &merged); err != nil {
				return fmt.Errorf("decoding existing metadata: %w", err)
			}
		}
		if err := mergo.Merge(&merged, metaDelta, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging metadata: %w", err)
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `UPDATE yascheduler_tasks SET metadata=$2 WHERE task_id=$1`, taskID, encoded)
		return err
	})
}
