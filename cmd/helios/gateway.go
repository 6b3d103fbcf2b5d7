package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heliosfn/helios/internal/gateway"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/metrics"
	"github.com/heliosfn/helios/internal/notify"
	"github.com/heliosfn/helios/internal/observability"
	"github.com/heliosfn/helios/internal/store"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the API gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.SetLevelFromString(cfg.Executor.LogLevel)
			metrics.Init("helios_gateway")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     otelEndpoint != "",
				Endpoint:    otelEndpoint,
				ServiceName: "helios-gateway",
				SampleRate:  1,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			pg, err := store.NewPostgresStore(ctx, cfg.Metadata.DSN)
			if err != nil {
				return fmt.Errorf("connect metadata store: %w", err)
			}
			defer pg.Close()

			gw, err := gateway.New(cfg.Gateway, pg)
			if err != nil {
				return err
			}
			if err := gw.Router().Reload(ctx); err != nil {
				return fmt.Errorf("initial route load: %w", err)
			}

			listener := notify.NewListener(cfg.Metadata.DSN,
				[]string{cfg.Notify.GatewayChannel},
				cfg.Notify.Debounce,
				gw.NotifyHandler(),
				gw.OnReconnect())
			go listener.Run(ctx)

			return gw.Serve(ctx, 30*time.Second)
		},
	}
}
