package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
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
	Use:   "yasetnode <host>[~ncpus]",
	Short: "Add or remove a worker node",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("config", "/etc/yascheduler/yascheduler.conf", "Path to yascheduler.conf")
	rootCmd.Flags().Bool("skip-setup", false, "Skip running the engine package setup on a newly added node")
	rootCmd.Flags().Bool("remove-soft", false, "Disable the node without removing it or touching running tasks")
	rootCmd.Flags().Bool("remove-hard", false, "Remove the node and mark its running task DONE with an error")

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
	skipSetup, _ := cmd.Flags().GetBool("skip-setup")
	removeSoft, _ := cmd.Flags().GetBool("remove-soft")
	removeHard, _ := cmd.Flags().GetBool("remove-hard")

	host, ncpus, err := parseHostArg(args[0])
	if err != nil {
		return err
	}

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

	if removeHard {
		return removeNode(ctx, st, host, true)
	}
	if removeSoft {
		return removeNode(ctx, st, host, false)
	}
	return addNode(ctx, cfg, st, host, ncpus, skipSetup)
}

// parseHostArg splits "host~ncpus" into its parts; ncpus is nil when not given.
func parseHostArg(arg string) (host string, ncpus *int, err error) {
	host, rest, ok := strings.Cut(arg, "~")
	if !ok {
		return arg, nil, nil
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return "", nil, fmt.Errorf("invalid ncpus %q: %w", rest, err)
	}
	return host, &n, nil
}

func addNode(ctx context.Context, cfg *config.Config, st *store.Store, host string, ncpus *int, skipSetup bool) error {
	engines, err := engine.NewRegistry(cfg)
	if err != nil {
		return fmt.Errorf("loading engine registry: %w", err)
	}
	clouds := cloud.NewManager(cfg.Clouds, cfg.Local.KeysDir, st, engines)
	signer, err := clouds.SSHSigner()
	if err != nil {
		return fmt.Errorf("preparing ssh key: %w", err)
	}

	m, err := remotemachine.Connect(ctx, host, cfg.Remote.Username, []ssh.Signer{signer}, cfg.Remote.DataDir, cfg.Remote.TasksDir, cfg.Remote.EnginesDir)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", host, err)
	}
	defer m.Close()

	if !skipSetup {
		if err := m.SetupNode(ctx, engines); err != nil {
			return fmt.Errorf("setting up node: %w", err)
		}
	}

	if ncpus == nil {
		if n, err := m.GetCPUCores(ctx); err == nil && n > 0 {
			ncpus = &n
		}
	}

	if err := st.AddNode(ctx, host, ncpus, nil, cfg.Remote.Username); err != nil {
		return fmt.Errorf("recording node: %w", err)
	}
	if err := st.EnableNode(ctx, host); err != nil {
		return fmt.Errorf("enabling node: %w", err)
	}

	fmt.Printf("node %s added\n", host)
	return nil
}

func removeNode(ctx context.Context, st *store.Store, host string, hard bool) error {
	if !hard {
		if err := st.DisableNode(ctx, host); err != nil {
			return fmt.Errorf("disabling node: %w", err)
		}
		fmt.Printf("node %s disabled\n", host)
		return nil
	}

	runningIDs, err := st.GetTaskIDsByIPAndStatus(ctx, host, store.TaskRunning)
	if err != nil {
		return fmt.Errorf("listing running tasks: %w", err)
	}
	for _, id := range runningIDs {
		if err := st.SetTaskError(ctx, id, "node removed by operator"); err != nil {
			return fmt.Errorf("marking task %d done: %w", id, err)
		}
	}
	if err := st.RemoveNode(ctx, host); err != nil {
		return fmt.Errorf("removing node: %w", err)
	}

	fmt.Printf("node %s removed, %d running task(s) marked done\n", host, len(runningIDs))
	return nil
}
