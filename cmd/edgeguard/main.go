package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-edge-guard/internal/capture/gstsource"
	"github.com/e7canasta/orion-edge-guard/internal/config"
	"github.com/e7canasta/orion-edge-guard/internal/core"
	"github.com/e7canasta/orion-edge-guard/internal/retry"
	"github.com/e7canasta/orion-edge-guard/internal/vision"
)

const defaultConfigPath = "config/edgeguard.yaml"

var (
	configPath string
	envFile    string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "edgeguard",
		Short: "Edge Guard - multi-camera person detection and alerting",
		RunE:  runService,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file with endpoint and credentials")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the supervisor until interrupted",
		RunE:  runService,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE:  validateConfig,
	})

	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger() {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(envFile); err != nil {
		return nil, err
	}
	return config.Load(configPath)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "config", configPath, "error", err)
		return err
	}

	cameras := 0
	for _, g := range cfg.Groups {
		cameras += len(g.Cameras)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: instance=%s groups=%d cameras=%d\n",
		cfg.InstanceID, len(cfg.Groups), cameras)
	if cfg.Endpoint() == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "warning: %s is not set, alerts will fail\n", cfg.Alert.EndpointEnv)
	}
	return nil
}

func runService(cmd *cobra.Command, args []string) error {
	setupLogger()

	slog.Info("starting edge guard",
		"config", configPath,
		"debug", debug,
	)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}

	native := gstsource.Factory(gstsource.Config{
		Width:        cfg.Capture.Width,
		Height:       cfg.Capture.Height,
		QueueDepth:   cfg.Capture.QueueDepth,
		Reconnect:    retry.Backoff(cfg.Capture.ReconnectAttempts, cfg.Capture.ReconnectDelay, cfg.Capture.ReconnectMaxDelay),
		OutputBuffer: cfg.Capture.OutputBuffer,
	})

	guard, err := core.New(cfg, core.Deps{
		Factory:   core.SourceFactory(cfg.Capture, native),
		Encoder:   vision.NewJPEGEncoder(cfg.Record.Quality),
		Annotator: vision.NewAnnotator(),
	})
	if err != nil {
		slog.Error("failed to create edge guard", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- guard.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		cancel()
	}
	if runErr != nil {
		slog.Error("service error", "error", runErr)
	}

	shutdownTimeout := guard.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := guard.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return err
	}

	slog.Info("edge guard stopped")
	return runErr
}
