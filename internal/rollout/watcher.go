package rollout

import (
	"context"
	"log/slog"

	xerrors "Monios-Control/internal/errors"
	"Monios-Control/internal/observability/alerting"
	"Monios-Control/internal/sandbox"
	"Monios-Control/pkg/logger"
)

// 发布流程相关的错误码。
const (
	CodeRolloutPublish xerrors.Code = "ROLLOUT_PUBLISH_FAILURE"
	CodeRolloutApply   xerrors.Code = "ROLLOUT_APPLY_FAILURE"
)

func init() {
	xerrors.Register(CodeRolloutPublish, xerrors.Attributes{
		Message:   "artifact rollout publish failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeRolloutApply, xerrors.Attributes{
		Message:  "artifact rollout could not be applied",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

const defaultMaxAttempts = 3

// Refresher 是 Watcher 需要的沙箱池能力。
type Refresher interface {
	RefreshArtifact(ctx context.Context, artifact sandbox.Artifact) error
}

var _ Refresher = (*sandbox.Pool)(nil)

// Loader 从源目录加载产物。
type Loader func(dir string) (sandbox.Artifact, error)

// Publish 加载目录中的产物并投递发布通知。
func Publish(ctx context.Context, producer Producer, dir string) (Notice, error) {
	artifact, err := sandbox.LoadArtifact(dir)
	if err != nil {
		return Notice{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "artifact directory is not readable")
	}
	notice := NewNotice(artifact)
	if err := producer.Publish(ctx, notice); err != nil {
		return Notice{}, xerrors.Wrap(CodeRolloutPublish, err, "", xerrors.WithMetadata("version", notice.Version))
	}
	logger.Audit().InfoContext(ctx, "artifact rollout published",
		slog.String("notice_id", notice.ID),
		slog.String("version", notice.Version),
		slog.String("source", notice.Source),
	)
	return notice, nil
}

// WatcherOption 定义 Watcher 的可选配置。
type WatcherOption func(*Watcher)

// WithWatcherLogger 指定日志记录器。
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithAlertDispatcher 配置告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) WatcherOption {
	return func(w *Watcher) {
		w.alerts = d
	}
}

// WithMaxAttempts 设置单个通知的最大处理次数。
func WithMaxAttempts(n int) WatcherOption {
	return func(w *Watcher) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithLoader 替换产物加载方式，测试使用。
func WithLoader(loader Loader) WatcherOption {
	return func(w *Watcher) {
		if loader != nil {
			w.load = loader
		}
	}
}

// Watcher 消费发布通知并刷新沙箱池的代码产物。
type Watcher struct {
	consumer    Consumer
	producer    Producer
	pool        Refresher
	load        Loader
	logger      *slog.Logger
	alerts      alerting.Dispatcher
	maxAttempts int
}

// NewWatcher 创建 Watcher。producer 用于失败后重新投递，可以与 consumer 是同一个队列。
func NewWatcher(consumer Consumer, producer Producer, pool Refresher, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		consumer:    consumer,
		producer:    producer,
		pool:        pool,
		load:        sandbox.LoadArtifact,
		logger:      logger.Named("rollout"),
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run 阻塞消费通知，直到 ctx 结束。
func (w *Watcher) Run(ctx context.Context) error {
	if w.consumer == nil || w.pool == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "rollout watcher is not configured")
	}
	return w.consumer.Consume(ctx, 1, w.Handle)
}

// Handle 处理单个通知。失败的通知在次数用尽前重新投递。
func (w *Watcher) Handle(ctx context.Context, notice Notice) error {
	log := w.logger.With(slog.String("notice_id", notice.ID), slog.String("source", notice.Source))

	artifact, err := w.load(notice.Source)
	if err != nil {
		return w.fail(ctx, log, notice, xerrors.Wrap(CodeRolloutApply, err, "artifact source is not readable"))
	}
	if notice.Version != "" && notice.Version != artifact.Version {
		// 发布后源目录又被修改，以实际内容为准。
		log.Warn("产物内容与通知不一致",
			slog.String("announced", notice.Version),
			slog.String("actual", artifact.Version),
		)
	}

	if err := w.pool.RefreshArtifact(ctx, artifact); err != nil {
		return w.fail(ctx, log, notice, err)
	}
	logger.Audit().InfoContext(ctx, "artifact rollout applied",
		slog.String("notice_id", notice.ID),
		slog.String("version", artifact.Version),
	)
	return nil
}

func (w *Watcher) fail(ctx context.Context, log *slog.Logger, notice Notice, err error) error {
	notice.Attempts++
	retry := xerrors.RetryableError(err) && notice.Attempts < w.maxAttempts && w.producer != nil
	log.Error("产物发布处理失败",
		slog.Any("error", err),
		slog.Int("attempts", notice.Attempts),
		slog.Bool("retry", retry),
	)
	if retry {
		if pubErr := w.producer.Publish(ctx, notice); pubErr != nil {
			log.Error("重新投递通知失败", slog.Any("error", pubErr))
		}
		return err
	}
	alerting.Report(ctx, w.alerts, err, "rollout", "")
	return err
}
