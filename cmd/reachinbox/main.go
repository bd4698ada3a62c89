package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/tumpillipavan/reachinbox/internal/api"
	"github.com/tumpillipavan/reachinbox/internal/cache"
	"github.com/tumpillipavan/reachinbox/internal/config"
	"github.com/tumpillipavan/reachinbox/internal/dispatch"
	"github.com/tumpillipavan/reachinbox/internal/logging"
	"github.com/tumpillipavan/reachinbox/internal/queue"
	"github.com/tumpillipavan/reachinbox/internal/ratelimit"
	"github.com/tumpillipavan/reachinbox/internal/store"
	"github.com/tumpillipavan/reachinbox/internal/transport"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reachinbox",
		Short: "Reachinbox - rate-limited email dispatch engine",
		Long: `Reachinbox schedules outbound email batches and dispatches them through
a delay queue under per-account hourly quotas and a global send ceiling.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the dispatch engine",
	Long:  "Start the dispatch workers and the HTTP API",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Reachinbox %s\n", cmd.Root().Version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

func init() {
	serverCmd.Flags().String("listen", "", "API listen address (overrides config)")
	serverCmd.Flags().Int("workers", 0, "dispatch worker count (overrides config)")
	serverCmd.Flags().Bool("dry-run", false, "log sends instead of delivering them")

	configCmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a default configuration file",
		RunE:  generateConfig,
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE:  validateConfig,
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.API.Listen = listen
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Dispatch.Workers = workers
	}

	logger, closeLog, err := logging.Setup(cfg.LoggingConfig())
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer closeLog()

	st, err := store.Factory(cfg.StoreConfig())
	if err != nil {
		return err
	}
	if err := st.Connect(); err != nil {
		return fmt.Errorf("failed to connect record store: %w", err)
	}
	defer st.Close()

	counters, err := cache.Factory(cfg.CacheConfig())
	if err != nil {
		return err
	}
	if err := counters.Connect(); err != nil {
		return fmt.Errorf("failed to connect counter cache: %w", err)
	}
	defer counters.Close()

	q := queue.NewDelayQueue(cfg.LeaseTimeout())
	defer q.Close()

	if err := recoverQueue(cmd.Context(), st, q); err != nil {
		return fmt.Errorf("failed to rebuild queue from store: %w", err)
	}

	tr := transport.New(cfg.TransportConfig())
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		tr = transport.NewLogTransport(cfg.SMTP.From)
	}

	dispatcher := dispatch.NewDispatcher(
		cfg.DispatchConfig(),
		q,
		st,
		ratelimit.NewHourlyLimiter(counters),
		tr,
	)
	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	apiServer := api.NewServer(api.Config{
		ListenAddr: cfg.API.Listen,
		Metrics:    cfg.API.Metrics,
	}, st, q, dispatch.NewScheduler(st, q))
	apiServer.UseCache(counters)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	logger.Info("reachinbox started",
		"api", cfg.API.Listen,
		"store", st.Type(),
		"cache", counters.Type(),
		"workers", cfg.Dispatch.Workers)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", "error", err)
	}
	if err := dispatcher.Stop(); err != nil {
		logger.Warn("dispatcher shutdown failed", "error", err)
	}
	return nil
}

// recoverQueue re-enqueues every non-terminal record so work survives restarts
func recoverQueue(ctx context.Context, st store.Store, q *queue.DelayQueue) error {
	records, err := st.ListActiveSendRecords(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		_, err := q.Enqueue(queue.Task{
			Token:     rec.ID,
			RecordID:  rec.ID,
			AccountID: rec.AccountID,
			DueAt:     rec.DueAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func generateConfig(cmd *cobra.Command, args []string) error {
	data, err := toml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
	return nil
}
