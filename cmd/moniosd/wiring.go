package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"Monios-Control/internal/auth"
	"Monios-Control/internal/config"
	"Monios-Control/internal/continuity"
	"Monios-Control/internal/observability/alerting"
	"Monios-Control/internal/rollout"
	"Monios-Control/internal/runtime"
	"Monios-Control/internal/runtime/claudecli"
	"Monios-Control/internal/runtime/openai"
	"Monios-Control/internal/sandbox"
	"Monios-Control/internal/storage/mysql"
	"Monios-Control/internal/storage/redis"
	"Monios-Control/pkg/logger"
)

func newConnector(cfg *config.Config) (runtime.Connector, error) {
	switch cfg.Runtime.Provider {
	case "claude_cli":
		cli := cfg.Runtime.ClaudeCLI
		return claudecli.NewConnector(claudecli.Config{
			Binary:     cli.Binary,
			WorkingDir: cli.WorkingDir,
			ExtraArgs:  cli.ExtraArgs,
		}), nil
	case "openai":
		return openai.NewConnector(openai.Config{
			APIKey:  cfg.Runtime.OpenAI.APIKey,
			BaseURL: cfg.Runtime.OpenAI.BaseURL,
			Model:   cfg.Runtime.OpenAI.Model,
			Timeout: cfg.Runtime.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的运行时 provider: %s", cfg.Runtime.Provider)
	}
}

func runtimeOptions(cfg *config.Config) runtime.Options {
	return runtime.Options{
		SystemPrompt: cfg.Runtime.SystemPrompt,
		AllowedTools: cfg.Runtime.AllowedTools,
		MaxTurns:     cfg.Runtime.MaxTurns,
	}
}

func newLedgerBackend(ctx context.Context, cfg *config.Config) (continuity.Backend, error) {
	c := cfg.Continuity
	switch c.Driver {
	case "file":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return continuity.NewFileBackend(c.Path), nil
	case "mysql":
		return continuity.NewMySQLBackend(ctx, mysql.Config{
			DSN:             c.MySQL.DSN,
			MaxOpenConns:    c.MySQL.MaxOpenConns,
			MaxIdleConns:    c.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(c.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
	case "redis":
		return continuity.NewRedisBackend(ctx, redisConfig(c.Redis), c.Redis.Key)
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", c.Driver)
	}
}

// openLedger 创建账本并加载已有记录。
func openLedger(ctx context.Context, cfg *config.Config, opts ...continuity.Option) (*continuity.Ledger, error) {
	backend, err := newLedgerBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ledger := continuity.NewLedger(backend, opts...)
	ledger.Load(ctx)
	return ledger, nil
}

func redisConfig(c config.RedisConfig) redis.Config {
	return redis.Config{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

// platformCloser 在进程退出时释放平台资源。
type platformCloser func(ctx context.Context) error

func newPlatform(ctx context.Context, cfg *config.Config) (sandbox.Platform, platformCloser, error) {
	switch cfg.Sandbox.Platform {
	case "memory":
		return sandbox.NewMemoryPlatform(), func(context.Context) error { return nil }, nil
	case "dagger":
		platform, err := sandbox.ConnectDagger(ctx, sandbox.DaggerConfig{
			Command: cfg.Sandbox.Command,
			Port:    cfg.Sandbox.Port,
		}, os.Stderr)
		if err != nil {
			return nil, nil, err
		}
		return platform, platform.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的沙箱平台: %s", cfg.Sandbox.Platform)
	}
}

func poolConfig(cfg *config.Config) sandbox.Config {
	return sandbox.Config{
		Image:       cfg.Sandbox.Image,
		Secrets:     cfg.Sandbox.SecretValues(),
		Env:         cfg.Sandbox.Env,
		MountPath:   cfg.Sandbox.MountPath,
		StalePolicy: sandbox.StalePolicy(cfg.Sandbox.StalePolicy),
	}
}

func newRolloutQueue(ctx context.Context, cfg *config.Config) (rollout.Queue, error) {
	r := cfg.Rollout
	switch r.Driver {
	case "memory":
		return rollout.NewMemoryQueue(r.Buffer), nil
	case "redis":
		return rollout.NewRedisQueue(ctx, redisConfig(r.Redis), r.Redis.Key)
	case "rabbitmq":
		return rollout.NewRabbitMQQueue(rollout.RabbitMQConfig{URL: r.RabbitMQ.URL, Queue: r.RabbitMQ.Queue})
	default:
		return nil, fmt.Errorf("未知的发布队列驱动: %s", r.Driver)
	}
}

func newAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: time.Duration(cfg.Alerting.WebhookTimeoutSeconds) * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// newVerifier 在未配置密钥时返回 nil，表示关闭认证。
func newVerifier(cfg *config.Config) (*auth.Verifier, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, nil
	}
	return auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
}

var (
	errNoArtifactDir = errors.New("sandbox.artifact_dir 未配置")
	errMemoryRollout = errors.New("rollout.driver 为 memory 时只能通过 serve 的 HTTP 接口发布")
)

func closeWithLog(name string, fn func() error) {
	if err := fn(); err != nil {
		logger.L().Warn("资源关闭失败", "resource", name, "error", err)
	}
}
