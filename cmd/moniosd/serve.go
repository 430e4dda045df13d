package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"Monios-Control/internal/api"
	"Monios-Control/internal/config"
	"Monios-Control/internal/continuity"
	"Monios-Control/internal/observability/metrics"
	"Monios-Control/internal/orchestrator"
	"Monios-Control/internal/rollout"
	"Monios-Control/internal/sandbox"
	"Monios-Control/internal/session"
	"Monios-Control/pkg/logger"
)

func newServeCmd(load configLoader) *cobra.Command {
	var dispatchTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务与产物发布监听",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, dispatchTimeout)
		},
	}
	cmd.Flags().DurationVar(&dispatchTimeout, "dispatch-timeout", 0, "单次调度的超时时间，0 表示不限制")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, dispatchTimeout time.Duration) error {
	log := logger.Named("moniosd")
	m := metrics.New()
	alerts := newAlerts(cfg)

	connector, err := newConnector(cfg)
	if err != nil {
		return err
	}

	ledger, err := openLedger(ctx, cfg, continuity.WithMetrics(m))
	if err != nil {
		return err
	}
	defer closeWithLog("ledger", ledger.Close)

	platform, closePlatform, err := newPlatform(ctx, cfg)
	if err != nil {
		return err
	}
	pool := sandbox.NewPool(platform, poolConfig(cfg), sandbox.WithMetrics(m))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		pool.Close(shutdownCtx)
		closeWithLog("platform", func() error { return closePlatform(shutdownCtx) })
	}()

	if cfg.Sandbox.ArtifactDir != "" {
		artifact, err := sandbox.LoadArtifact(cfg.Sandbox.ArtifactDir)
		if err != nil {
			return err
		}
		if err := pool.RefreshArtifact(ctx, artifact); err != nil {
			return err
		}
		log.Info("初始产物已提交", slog.String("version", artifact.Version))
	}

	store := session.NewStore(connector, runtimeOptions(cfg), session.WithMetrics(m))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		store.Close(shutdownCtx)
	}()

	queue, err := newRolloutQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeWithLog("rollout queue", queue.Close)

	watcherCtx, stopWatcher := context.WithCancel(ctx)
	defer stopWatcher()
	watcher := rollout.NewWatcher(queue, queue, pool, rollout.WithAlertDispatcher(alerts))
	go func() {
		if err := watcher.Run(watcherCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, rollout.ErrQueueClosed) {
			log.Error("产物发布监听异常退出", slog.Any("error", err))
		}
	}()

	verifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}

	orch := orchestrator.New(store, pool, ledger,
		orchestrator.WithMetrics(m),
		orchestrator.WithAlerts(alerts),
		orchestrator.WithDispatchTimeout(dispatchTimeout),
	)
	server := api.NewServer(cfg.Server.Address, orch,
		api.WithVerifier(verifier),
		api.WithMetrics(m),
		api.WithPublisher(queue),
		api.WithState(store, pool, ledger),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("moniosd 已退出")
	return nil
}
