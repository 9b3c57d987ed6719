package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcp-toolgate/toolgate-go/internal/anomaly"
	"github.com/mcp-toolgate/toolgate-go/internal/audit"
	"github.com/mcp-toolgate/toolgate-go/internal/config"
	"github.com/mcp-toolgate/toolgate-go/internal/gate"
	"github.com/mcp-toolgate/toolgate-go/internal/httpapi"
	"github.com/mcp-toolgate/toolgate-go/internal/logs"
	"github.com/mcp-toolgate/toolgate-go/internal/observability"
	"github.com/mcp-toolgate/toolgate-go/internal/storage"
	"github.com/mcp-toolgate/toolgate-go/internal/trust"
)

var (
	configFile string
	dataDir    string
	listen     string
	apiKey     string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // Injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "toolgate",
		Short:   "Toolgate - security gate for MCP tool execution",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.toolgate)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Management API listen address")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Management API key (empty disables auth)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to file in standard OS location")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the management API server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newCheckCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadServeConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
	} else {
		cfg, err = config.LoadOrCreateConfig(dataDir)
	}
	if err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logToFile {
		cfg.Logging.EnableFile = true
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting toolgate",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir))

	store, err := storage.NewBoltStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	health := observability.NewHealthManager(logger)
	health.AddHealthChecker(store)
	sinks := []audit.Sink{store}
	if path := cfg.Security.AuditLogFile; path != "" {
		fileSink := audit.NewFileSink(audit.FileSinkConfig{Path: path})
		defer fileSink.Close()
		sinks = append(sinks, fileSink)
	}
	auditor := audit.NewLogger(logger, sinks...)

	tm := trust.NewManager(logger)
	if records, err := store.LoadTrustSnapshot(); err != nil {
		logger.Warn("Failed to load trust snapshot", zap.Error(err))
	} else if len(records) > 0 {
		tm.Restore(records)
		logger.Info("Restored trust records", zap.Int("count", len(records)))
	}

	anomalies := anomaly.NewService(nil, auditor, logger)
	defer anomalies.Stop()
	if len(cfg.Security.AnomalyThresholds) > 0 {
		anomalies.ConfigureThresholds(cfg.Security.AnomalyThresholds)
	}

	executor := gate.NewSecureExecutor(gate.Config{
		Trust:     tm,
		Anomalies: anomalies,
		Auditor:   auditor,
		Policies:  cfg.PolicyProvider(),
		Executor:  dryRunExecutor{},
		Metrics:   metrics,
		Logger:    logger,
	})

	api := httpapi.NewServer(httpapi.Config{
		Executor: executor,
		Store:    store,
		Metrics:  metrics,
		Health:   health,
		Logger:   logger,
		APIKey:   cfg.APIKey,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Management API listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if days := cfg.Security.AuditRetentionDays; days > 0 {
		go runRetentionLoop(ctx, store, days, logger)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("management API failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}

	if err := store.SaveTrustSnapshot(tm.Snapshot()); err != nil {
		logger.Warn("Failed to save trust snapshot", zap.Error(err))
	}

	return nil
}

// runRetentionLoop prunes persisted audit events past the retention window.
func runRetentionLoop(ctx context.Context, store *storage.BoltStore, days int, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	prune := func() {
		cutoff := time.Now().AddDate(0, 0, -days)
		removed, err := store.PruneEvents(cutoff)
		if err != nil {
			logger.Warn("Audit prune failed", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Info("Pruned audit events",
				zap.Int("removed", removed),
				zap.Time("cutoff", cutoff))
		}
	}

	prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
