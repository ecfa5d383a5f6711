package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tilde-lab/yascheduler/pkg/client"
	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/engine"
	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "yasubmit <script>",
	Short: "Submit a task to yascheduler from a KEY=VALUE script file",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("config", "/etc/yascheduler/yascheduler.conf", "Path to yascheduler.conf")
	rootCmd.Flags().String("webhook", "", "Webhook URL to notify on task completion, overrides WEBHOOK_URL in the script")

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

// parseScript reads KEY=VALUE lines, ignoring blank lines and lines
// starting with '#'. Duplicate keys overwrite earlier ones.
func parseScript(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening script: %w", err)
	}
	defer f.Close()

	fields := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed line %q: want KEY=VALUE", line)
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return fields, nil
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	webhookOverride, _ := cmd.Flags().GetString("webhook")

	fields, err := parseScript(args[0])
	if err != nil {
		return err
	}
	engineName, ok := fields["ENGINE"]
	if !ok {
		return fmt.Errorf("script is missing required ENGINE key")
	}
	label := fields["LABEL"]
	if label == "" {
		label = engineName
	}
	webhookURL := webhookOverride
	if webhookURL == "" {
		webhookURL = fields["WEBHOOK_URL"]
	}

	metadata := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case "ENGINE", "LABEL", "WEBHOOK_URL":
			continue
		}
		metadata[k] = v
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

	engines, err := engine.NewRegistry(cfg)
	if err != nil {
		return fmt.Errorf("loading engine registry: %w", err)
	}

	c := client.New(st, engines)
	task, err := c.SubmitTask(ctx, label, engineName, metadata, webhookURL)
	if err != nil {
		return fmt.Errorf("submitting task: %w", err)
	}

	fmt.Println(task.TaskID)
	return nil
}
