package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tilde-lab/yascheduler/pkg/cloud"
	"github.com/tilde-lab/yascheduler/pkg/config"
	"github.com/tilde-lab/yascheduler/pkg/engine"
	"github.com/tilde-lab/yascheduler/pkg/log"
	"github.com/tilde-lab/yascheduler/pkg/metrics"
	"github.com/tilde-lab/yascheduler/pkg/remotemachine"
	"github.com/tilde-lab/yascheduler/pkg/scheduler"
	"github.com/tilde-lab/yascheduler/pkg/store"
	"github.com/tilde-lab/yascheduler/pkg/webhook"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "yascheduler",
	Short:   "yascheduler - persistent compute job scheduler and cloud orchestrator",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("yascheduler version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "/etc/yascheduler/yascheduler.conf", "Path to yascheduler.conf")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	rootCmd.Flags().Int("webhook-workers", 0, "Maximum concurrent webhook deliveries (0: use local.webhook_reqs_limit)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	webhookWorkers, _ := cmd.Flags().GetInt("webhook-workers")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if webhookWorkers <= 0 {
		webhookWorkers = cfg.Local.WebhookReqsLimit
	}

	st, err := store.New(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	engines, err := engine.NewRegistry(cfg)
	if err != nil {
		return fmt.Errorf("loading engine registry: %w", err)
	}

	clouds := cloud.NewManager(cfg.Clouds, cfg.Local.KeysDir, st, engines)
	if _, err := clouds.SSHSigner(); err != nil {
		return fmt.Errorf("preparing scheduler ssh key: %w", err)
	}

	repo := remotemachine.NewRepository()
	wh := webhook.NewWorker(webhookWorkers)

	sched := scheduler.New(cfg, st, engines, clouds, repo, wh)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "connected")
	metrics.RegisterComponent("scheduler", false, "starting")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	sched.Start()
	metrics.RegisterComponent("scheduler", true, "running")
	log.Logger.Info().Msg("yascheduler daemon started, press Ctrl+C to stop")

	<-ctx.Done()
	log.Logger.Info().Msg("shutting down")

	metrics.RegisterComponent("scheduler", false, "stopping")
	sched.Stop()
	_ = metricsSrv.Close()

	log.Logger.Info().Msg("shutdown complete")
	return nil
}
