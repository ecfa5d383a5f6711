package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "yanodes",
	Short: "List every node yascheduler knows about",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("config", "/etc/yascheduler/yascheduler.conf", "Path to yascheduler.conf")

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

	nodes, err := st.GetAllNodes(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}

	for _, n := range nodes {
		if n.IsPlaceholder() {
			continue
		}

		ncpus := "?"
		if n.NCPUs != nil {
			ncpus = fmt.Sprintf("%d", *n.NCPUs)
		}
		enabled := "disabled"
		if n.Enabled {
			enabled = "enabled"
		}
		cloud := "-"
		if n.Cloud != nil {
			cloud = *n.Cloud
		}

		taskIDs, err := st.GetTaskIDsByIPAndStatus(ctx, n.IP, store.TaskRunning)
		if err != nil {
			return fmt.Errorf("listing running tasks for %s: %w", n.IP, err)
		}
		task := "idle"
		if len(taskIDs) > 0 {
			task = fmt.Sprintf("task %d", taskIDs[0])
		}

		fmt.Printf("%-16s ncpus=%-4s %-8s %-10s cloud=%s\n", n.IP, ncpus, enabled, task, cloud)
	}
	return nil
}
