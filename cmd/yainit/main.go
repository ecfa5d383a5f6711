package main

import (
	"context"
	"fmt"
	"os"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "yainit",
	Short: "Initialize the yascheduler database schema and systemd unit",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().String("config", "/etc/yascheduler/yascheduler.conf", "Path to yascheduler.conf")
	rootCmd.Flags().String("binary", "/usr/local/bin/yascheduler", "Path to the yascheduler daemon binary")
	rootCmd.Flags().String("unit-path", "/etc/systemd/system/yascheduler.service", "Where to write the systemd unit file")
	rootCmd.Flags().Bool("skip-unit", false, "Only migrate the schema, don't install a systemd unit")

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
	binary, _ := cmd.Flags().GetString("binary")
	unitPath, _ := cmd.Flags().GetString("unit-path")
	skipUnit, _ := cmd.Flags().GetBool("skip-unit")

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

	if _, err := st.GetAllNodes(ctx); err == nil {
		fmt.Println("schema already present")
	} else if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	} else {
		fmt.Println("schema migrated")
	}

	if skipUnit {
		return nil
	}
	if err := installSystemdUnit(unitPath, binary, configPath); err != nil {
		return fmt.Errorf("installing systemd unit: %w", err)
	}
	fmt.Printf("systemd unit installed at %s\n", unitPath)
	fmt.Println("run: systemctl daemon-reload && systemctl enable --now yascheduler")
	return nil
}

const unitTemplate = `[Unit]
Description=yascheduler compute job scheduler
After=network.target postgresql.service

[Service]
Type=simple
ExecStart={{.Binary}} --config {{.ConfigPath}}
Restart=on-failure
RestartSec=5
User=yascheduler

[Install]
WantedBy=multi-user.target
`

func installSystemdUnit(unitPath, binary, configPath string) error {
	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return err
	}
	f, err := os.Create(unitPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return tmpl.Execute(f, struct{ Binary, ConfigPath string }{binary, configPath})
}
