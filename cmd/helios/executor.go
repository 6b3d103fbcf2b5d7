package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heliosfn/helios/internal/executor"
	"github.com/heliosfn/helios/internal/kvstore"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/metrics"
	"github.com/heliosfn/helios/internal/notify"
	"github.com/heliosfn/helios/internal/objstore"
	"github.com/heliosfn/helios/internal/observability"
	"github.com/heliosfn/helios/internal/pkgcache"
	"github.com/heliosfn/helios/internal/pool"
	"github.com/heliosfn/helios/internal/retention"
	"github.com/heliosfn/helios/internal/store"
)

func executorCmd() *cobra.Command {
	var memoryKV bool

	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Run the execution engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logging.SetLevelFromString(cfg.Executor.LogLevel)
			metrics.Init("helios")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     otelEndpoint != "",
				Endpoint:    otelEndpoint,
				ServiceName: "helios-executor",
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
			cached := store.NewCachedMetadataStore(pg, 5*time.Minute)

			blobs, err := objstore.NewS3Store(ctx, cfg.ObjectStore)
			if err != nil {
				return fmt.Errorf("connect object store: %w", err)
			}

			cache, err := pkgcache.New(blobs, pkgcache.Options{
				Dir:             cfg.Cache.Dir,
				MaxBytes:        int64(cfg.Cache.MaxSizeGB) << 30,
				TTL:             time.Duration(cfg.Cache.TTLDays) * 24 * time.Hour,
				MaxFetchRetries: cfg.Cache.MaxRetries,
			})
			if err != nil {
				return fmt.Errorf("open package cache: %w", err)
			}
			go cache.Run(ctx)

			isoPool := pool.New(cfg.Pool)

			var kv kvstore.Store
			quotaFor := func(projectID string) int64 {
				qctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				p, err := cached.GetProject(qctx, projectID)
				if err != nil || p == nil {
					return 0
				}
				return p.KVQuotaBytes
			}
			if memoryKV {
				kv = kvstore.NewMemoryStore(quotaFor)
			} else {
				kv = kvstore.NewRedisStore(cfg.Redis, quotaFor)
			}
			defer kv.Close()

			engine := executor.New(cached, cache, isoPool, kv, cfg.Executor)

			listener := notify.NewListener(cfg.Metadata.DSN,
				[]string{cfg.Notify.ExecutionChannel},
				cfg.Notify.Debounce,
				engine.NotifyHandler(),
				engine.OnReconnect())
			go listener.Run(ctx)

			sweeper := retention.NewSweeper(cached, retention.Defaults{
				MaxAge:   time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
				MaxCount: cfg.Retention.MaxCount,
			}, cfg.Retention.SweepInterval)
			go sweeper.Run(ctx)

			return engine.Serve(ctx, cfg.Executor.HTTPAddr, 30*time.Second)
		},
	}

	cmd.Flags().BoolVar(&memoryKV, "memory-kv", false, "Use the in-memory KV store instead of Redis")
	return cmd
}
