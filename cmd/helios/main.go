package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heliosfn/helios/internal/config"
)

var (
	configPath   string
	logLevel     string
	otelEndpoint string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "helios",
		Short: "Helios - serverless function platform",
		Long:  "Helios runs JavaScript functions in pooled isolates behind an authenticating gateway",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP trace endpoint (e.g., localhost:4318)")

	rootCmd.AddCommand(
		executorCmd(),
		gatewayCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if logLevel != "" {
		cfg.Executor.LogLevel = logLevel
	}
	return cfg, nil
}
