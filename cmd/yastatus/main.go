package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/tilde-lab/yascheduler/pkg/cloud"
	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/engine"
	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/remotemachine"
	"github.com/tilde-lab/yascheduler/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "yastatus",
	Short: "Show the status of submitted yascheduler tasks",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("config", "/etc/yascheduler/yascheduler.conf", "Path to yascheduler.conf")
	rootCmd.Flags().Int64Slice("jobs", nil, "Restrict to these task ids (default: all)")
	rootCmd.Flags().Bool("view", false, "Tail the remote OUTPUT file of each running task")
	rootCmd.Flags().Bool("convergence", false, "Show the engine's convergence indicator, if any")
	rootCmd.Flags().Bool("info", false, "Print label and ip alongside the status")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		log.Init(log.Config{Level: log.Level(level)})
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	jobs, _ := cmd.Flags().GetInt64Slice("jobs")
	view, _ := cmd.Flags().GetBool("view")
	convergence, _ := cmd.Flags().GetBool("convergence")
	info, _ := cmd.Flags().GetBool("info")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	st, err := store.New(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	var tasks []store.Task
	if len(jobs) > 0 {
		tasks, err = st.GetTasksByJobs(ctx, jobs)
	} else {
		tasks, err = st.GetTasksByStatus(ctx, store.TaskToDo, store.TaskRunning, store.TaskDone)
	}
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}

	var engines *engine.Registry
	var clouds *cloud.Manager
	if view {
		engines, err = engine.NewRegistry(cfg)
		if err != nil {
			return fmt.Errorf("loading engine registry: %w", err)
		}
		clouds = cloud.NewManager(cfg.Clouds, cfg.Local.KeysDir, st, engines)
	}

	for _, t := range tasks {
		line := fmt.Sprintf("%-8d %s", t.TaskID, strings.ToUpper(t.Status.String()))
		if info {
			ip := "-"
			if t.IP != nil {
				ip = *t.IP
			}
			line += fmt.Sprintf("   %s   %s", t.Label, ip)
		}
		if convergence {
			if c, ok := t.Metadata["convergence"]; ok {
				line += fmt.Sprintf("   convergence=%v", c)
			}
		}
		fmt.Println(line)

		if view && t.Status == store.TaskRunning && t.IP != nil {
			if err := tailOutput(ctx, cfg, clouds, &t); err != nil {
				fmt.Fprintf(os.Stderr, "  (could not tail output for task %d: %v)\n", t.TaskID, err)
			}
		}
	}
	return nil
}

// tailOutput opens a throwaway connection to the task's node and prints
// the tail of its remote OUTPUT file.
func tailOutput(ctx context.Context, cfg *config.Config, clouds *cloud.Manager, t *store.Task) error {
	signer, err := clouds.SSHSigner()
	if err != nil {
		return fmt.Errorf("preparing ssh key: %w", err)
	}

	m, err := remotemachine.Connect(ctx, *t.IP, cfg.Remote.Username, []ssh.Signer{signer}, cfg.Remote.DataDir, cfg.Remote.TasksDir, cfg.Remote.EnginesDir)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer m.Close()

	taskDir, _ := t.Metadata["remote_folder"].(string)
	if !path.IsAbs(taskDir) {
		root, err := m.Run(ctx, "pwd", "")
		if err != nil {
			return fmt.Errorf("resolving remote root: %w", err)
		}
		taskDir = path.Join(strings.TrimSpace(root), taskDir)
	}

	out, err := m.Run(ctx, "tail -n 50 "+m.Quote(path.Join(taskDir, "OUTPUT")), "")
	if err != nil {
		return fmt.Errorf("reading OUTPUT: %w", err)
	}
	fmt.Println(out)
	return nil
}
