package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"Monios-Control/internal/continuity"
	xerrors "Monios-Control/internal/errors"
	"Monios-Control/internal/observability/alerting"
	"Monios-Control/internal/observability/metrics"
	"Monios-Control/internal/runtime"
	"Monios-Control/internal/sandbox"
	"Monios-Control/internal/session"
	"Monios-Control/pkg/logger"
)

// EmptyResultMessage 在运行时成功结束但没有输出任何内容时返回。
const EmptyResultMessage = "No response generated (empty result)"

// 消息处理结果，用于指标标签。
const (
	outcomeOK       = "ok"
	outcomeEmpty    = "empty"
	outcomeDegraded = "degraded"
	outcomeError    = "error"
)

// Sessions 是编排器使用的会话存储能力。
type Sessions interface {
	GetOrCreate(ctx context.Context, tenantID string) (*session.Session, error)
	Evict(ctx context.Context, sess *session.Session, reason string) bool
	Remove(ctx context.Context, tenantID string) bool
}

// Sandboxes 是编排器使用的沙箱池能力。
type Sandboxes interface {
	Ensure(ctx context.Context, tenantKey string) (sandbox.Handle, error)
}

// Ledger 是编排器使用的续接令牌账本能力。
type Ledger interface {
	Resolve(tenantID, explicit string) string
	Record(ctx context.Context, tenantID, token string) error
	Clear(ctx context.Context, tenantID string) (bool, error)
}

var (
	_ Sessions  = (*session.Store)(nil)
	_ Sandboxes = (*sandbox.Pool)(nil)
	_ Ledger    = (*continuity.Ledger)(nil)
)

// Reply 是一次消息处理的结果。
type Reply struct {
	Content string `json:"content"`
	// Token 是运行时本次返回的新续接令牌，没有返回时为空。
	Token string `json:"session_token,omitempty"`
	// Degraded 表示会话层失败，Content 是面向用户的错误提示。
	Degraded bool         `json:"degraded,omitempty"`
	Code     xerrors.Code `json:"code,omitempty"`
	// SandboxID 是本次使用的沙箱句柄。
	SandboxID string `json:"sandbox_id,omitempty"`
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithAlerts 配置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = d
	}
}

// WithDispatchTimeout 限制单次调度（包括读取事件流）的耗时，0 表示不限制。
func WithDispatchTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout < 0 {
			timeout = 0
		}
		o.dispatchTimeout = timeout
	}
}

// Orchestrator 组合会话存储、沙箱池与账本，处理单个租户的一条消息。
type Orchestrator struct {
	sessions        Sessions
	sandboxes       Sandboxes
	ledger          Ledger
	logger          *slog.Logger
	metrics         *metrics.Metrics
	alerts          alerting.Dispatcher
	dispatchTimeout time.Duration
}

// New 创建一个 Orchestrator。
func New(sessions Sessions, sandboxes Sandboxes, ledger Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:  sessions,
		sandboxes: sandboxes,
		ledger:    ledger,
		logger:    logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// HandleMessage 处理一条消息。可降级的错误（连接与调度失败）被转换为降级回复，
// 其余错误（参数错误、沙箱创建失败）以 error 返回。
// 调用方取消 ctx 不会中断处理，避免会话与账本停留在中间状态。
func (o *Orchestrator) HandleMessage(ctx context.Context, tenantID, message, explicitToken string) (Reply, error) {
	if o.sessions == nil || o.sandboxes == nil || o.ledger == nil {
		return Reply{}, xerrors.New(xerrors.CodeInitializationFailure, "orchestrator is not fully configured")
	}
	if strings.TrimSpace(tenantID) == "" {
		return Reply{}, xerrors.New(xerrors.CodeInvalidArgument, "tenant id is required")
	}
	if strings.TrimSpace(message) == "" {
		return Reply{}, xerrors.New(xerrors.CodeInvalidArgument, "message is required")
	}

	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	log := o.logger.With(slog.String("tenant", tenantID))

	// RESOLVE_SESSION
	sess, err := o.sessions.GetOrCreate(ctx, tenantID)
	if err != nil {
		return o.fail(ctx, log, tenantID, started, "resolve_session", err)
	}

	// RESOLVE_SANDBOX
	handle, err := o.sandboxes.Ensure(ctx, tenantID)
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeProvisioningFailure, err, "", xerrors.WithMetadata("tenant", tenantID))
		}
		return o.fail(ctx, log, tenantID, started, "resolve_sandbox", err)
	}

	// RESOLVE_CONTINUITY
	req := runtime.Request{
		Message:         message,
		Token:           o.ledger.Resolve(tenantID, explicitToken),
		SandboxEndpoint: handle.Endpoint,
	}

	// DISPATCH + COLLECT
	var content, newToken string
	for attempt := 0; ; attempt++ {
		content, newToken, err = o.dispatch(ctx, sess, req)
		if err == nil {
			break
		}
		if o.sessions.Evict(ctx, sess, session.ReasonDispatchFailure) {
			log.Info("调度失败，会话已驱逐")
		} else if attempt == 0 && (stdErrors.Is(err, session.ErrSessionEvicted) || sess.Evicted()) {
			// 同一租户的其它请求已驱逐该会话，本次调度没有拿到可用连接。
			log.Info("会话已被并发驱逐，重新获取", slog.Any("error", err))
			if sess, err = o.sessions.GetOrCreate(ctx, tenantID); err != nil {
				return o.fail(ctx, log, tenantID, started, "resolve_session", err)
			}
			continue
		}
		err = xerrors.Wrap(xerrors.CodeDispatchFailure, err, "", xerrors.WithMetadata("tenant", tenantID))
		return o.fail(ctx, log, tenantID, started, "dispatch", err)
	}

	// PERSIST
	if newToken != "" {
		if err := o.ledger.Record(ctx, tenantID, newToken); err != nil {
			log.Warn("续接令牌写入失败", slog.Any("error", err))
		}
	}

	// RESPOND
	outcome := outcomeOK
	if content == "" {
		content = EmptyResultMessage
		outcome = outcomeEmpty
	}
	o.metrics.ObserveMessage(outcome, time.Since(started))
	log.Debug("消息处理完成",
		slog.String("sandbox_id", handle.ID),
		slog.Int("content_length", len(content)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return Reply{Content: content, Token: newToken, SandboxID: handle.ID}, nil
}

// dispatch 发起调度并汇总事件：内容按顺序拼接，令牌取最后一个非空的元数据事件。
func (o *Orchestrator) dispatch(ctx context.Context, sess *session.Session, req runtime.Request) (string, string, error) {
	if o.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.dispatchTimeout)
		defer cancel()
	}

	stream, err := sess.Dispatch(ctx, req)
	if err != nil {
		return "", "", err
	}
	defer stream.Close()

	var (
		content strings.Builder
		token   string
	)
	for {
		event, err := stream.Recv()
		if stdErrors.Is(err, io.EOF) {
			return content.String(), token, nil
		}
		if err != nil {
			return "", "", err
		}
		switch event.Kind {
		case runtime.EventContent:
			content.WriteString(event.Text)
		case runtime.EventMeta:
			if event.Token != "" {
				token = event.Token
			}
		case runtime.EventCompletion:
		case runtime.EventError:
			if event.Err == nil {
				return "", "", stdErrors.New("runtime reported an error")
			}
			return "", "", event.Err
		default:
			return "", "", fmt.Errorf("unexpected runtime event %s", event.Kind)
		}
	}
}

// fail 记录并上报错误。可降级的错误转换为降级回复，其余错误原样返回。
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, tenantID string, started time.Time, stage string, err error) (Reply, error) {
	code := xerrors.CodeOf(err)
	alerting.Report(ctx, o.alerts, err, "orchestrator", tenantID)
	if !xerrors.Degradable(err) {
		log.Error("消息处理失败", slog.String("stage", stage), slog.String("code", string(code)), slog.Any("error", err))
		o.metrics.ObserveMessage(outcomeError, time.Since(started))
		return Reply{}, err
	}
	log.Warn("返回降级回复", slog.String("stage", stage), slog.String("code", string(code)), slog.Any("error", err))
	o.metrics.ObserveMessage(outcomeDegraded, time.Since(started))
	return Reply{
		Content:  degradedMessage(code),
		Degraded: true,
		Code:     code,
	}, nil
}

// degradedMessage 生成不包含底层细节的用户提示。
func degradedMessage(code xerrors.Code) string {
	return fmt.Sprintf("Error: %s. Please try again.", xerrors.AttributesOf(code).Message)
}

// ClearSession 断开租户的会话并删除续接令牌，返回此前是否存在任一状态。
func (o *Orchestrator) ClearSession(ctx context.Context, tenantID string) bool {
	if o.sessions == nil || o.ledger == nil || tenantID == "" {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	removed := o.sessions.Remove(ctx, tenantID)
	existed, err := o.ledger.Clear(ctx, tenantID)
	if err != nil {
		o.logger.Warn("续接令牌删除失败", slog.String("tenant", tenantID), slog.Any("error", err))
	}
	o.logger.Info("会话已清除",
		slog.String("tenant", tenantID),
		slog.Bool("session_removed", removed),
		slog.Bool("token_existed", existed),
	)
	return removed || existed
}
