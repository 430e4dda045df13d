package sandbox

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	xerrors "Monios-Control/internal/errors"
	"Monios-Control/internal/observability/metrics"
	"Monios-Control/pkg/logger"
)

// CodeArtifactCommitFailure 表示代码产物无法提交到共享卷。
const CodeArtifactCommitFailure xerrors.Code = "ARTIFACT_COMMIT_FAILURE"

func init() {
	xerrors.Register(CodeArtifactCommitFailure, xerrors.Attributes{
		Message:   "artifact commit failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// StalePolicy 决定 Ensure 遇到过期句柄时的处理方式。
type StalePolicy string

const (
	// StalePolicyReuse 继续使用过期句柄，直到它被显式回收。
	StalePolicyReuse StalePolicy = "reuse"
	// StalePolicyReprovision 回收过期句柄并基于当前产物重新创建。
	StalePolicyReprovision StalePolicy = "reprovision"
)

// Config 是每个沙箱共用的创建参数。
type Config struct {
	Image       string
	Secrets     map[string]string
	Env         map[string]string
	MountPath   string
	VolumeName  string
	StalePolicy StalePolicy
}

// Option 定义 Pool 的可选配置。
type Option func(*Pool)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithClock 替换时间源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool 管理租户到沙箱句柄的映射。同一个键的并发 Ensure 合并为一次创建，
// 不同键之间互不阻塞。
type Pool struct {
	platform Platform
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	group     singleflight.Group
	refreshMu sync.Mutex

	mu      sync.Mutex
	handles map[string]*handle
	current Artifact
	closed  bool
}

// NewPool 创建沙箱池。
func NewPool(platform Platform, cfg Config, opts ...Option) *Pool {
	if cfg.StalePolicy == "" {
		cfg.StalePolicy = StalePolicyReuse
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "/app"
	}
	if cfg.VolumeName == "" {
		cfg.VolumeName = "monios-artifact"
	}
	p := &Pool{
		platform: platform,
		cfg:      cfg,
		logger:   logger.Named("sandbox"),
		now:      time.Now,
		handles:  make(map[string]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Ensure 返回租户可用的沙箱，必要时创建。调用方取消 ctx 只会停止等待，
// 已经开始的创建会继续完成，结果留给后续调用复用。
func (p *Pool) Ensure(ctx context.Context, tenantKey string) (Handle, error) {
	if tenantKey == "" {
		return Handle{}, xerrors.New(xerrors.CodeInvalidArgument, "tenant key is required")
	}
	if h, ok := p.usable(tenantKey); ok {
		return h, nil
	}

	ch := p.group.DoChan(tenantKey, func() (interface{}, error) {
		return p.provision(context.WithoutCancel(ctx), tenantKey)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Handle{}, res.Err
		}
		return res.Val.(Handle), nil
	case <-ctx.Done():
		return Handle{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "waiting for sandbox",
			xerrors.WithMetadata("tenant", tenantKey))
	}
}

// usable 在不触发创建的情况下查找可直接复用的句柄。
func (p *Pool) usable(tenantKey string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[tenantKey]
	if !ok || !p.reusable(h) {
		return Handle{}, false
	}
	return h.Handle, true
}

func (p *Pool) reusable(h *handle) bool {
	switch h.Status {
	case StatusReady:
		return true
	case StatusStale:
		return p.cfg.StalePolicy == StalePolicyReuse
	default:
		return false
	}
}

func (p *Pool) provision(ctx context.Context, tenantKey string) (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, xerrors.New(xerrors.CodeProvisioningFailure, "sandbox pool is closed")
	}
	if h, ok := p.handles[tenantKey]; ok && p.reusable(h) {
		snapshot := h.Handle
		p.mu.Unlock()
		return snapshot, nil
	}

	var staleEndpoint string
	if old, ok := p.handles[tenantKey]; ok && old.Status == StatusStale {
		_ = old.transition(StatusTerminated)
		staleEndpoint = old.Endpoint
		delete(p.handles, tenantKey)
	}

	artifact := p.current
	h := &handle{Handle: Handle{
		ID:              uuid.NewString(),
		TenantKey:       tenantKey,
		ArtifactVersion: artifact.Version,
		Status:          StatusProvisioning,
		CreatedAt:       p.now(),
	}}
	p.handles[tenantKey] = h
	p.mu.Unlock()
	p.reportStatuses()

	if staleEndpoint != "" {
		p.logger.Info("回收过期沙箱", slog.String("tenant", tenantKey), slog.String("endpoint", staleEndpoint))
		p.releaseEndpoint(ctx, tenantKey, staleEndpoint)
	}

	started := time.Now()
	endpoint, err := p.platform.Provision(ctx, ProvisionRequest{
		TenantKey: tenantKey,
		Image:     p.cfg.Image,
		Secrets:   p.cfg.Secrets,
		Env:       p.cfg.Env,
		Volume:    p.volumeRef(artifact),
	})
	p.metrics.ObserveProvision(err)

	p.mu.Lock()
	if err != nil {
		if p.handles[tenantKey] == h {
			delete(p.handles, tenantKey)
		}
		_ = h.transition(StatusTerminated)
		p.mu.Unlock()
		p.reportStatuses()
		p.logger.Error("沙箱创建失败", slog.String("tenant", tenantKey), slog.Any("error", err))
		return Handle{}, xerrors.Wrap(xerrors.CodeProvisioningFailure, err, "sandbox provisioning failed",
			xerrors.WithMetadata("tenant", tenantKey))
	}
	if h.Status == StatusTerminated {
		p.mu.Unlock()
		p.releaseEndpoint(ctx, tenantKey, endpoint)
		return Handle{}, xerrors.New(xerrors.CodeProvisioningFailure, "sandbox was torn down during provisioning",
			xerrors.WithMetadata("tenant", tenantKey))
	}
	h.Endpoint = endpoint
	_ = h.transition(StatusReady)
	if h.ArtifactVersion != p.current.Version {
		_ = h.transition(StatusStale)
	}
	snapshot := h.Handle
	p.mu.Unlock()
	p.reportStatuses()

	p.logger.Info("沙箱已就绪",
		slog.String("tenant", tenantKey),
		slog.String("sandbox_id", snapshot.ID),
		slog.String("endpoint", endpoint),
		slog.String("artifact_version", snapshot.ArtifactVersion),
		slog.String("status", string(snapshot.Status)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return snapshot, nil
}

// RefreshArtifact 提交新的代码产物，并把基于旧产物的就绪句柄标记为过期。
// 已就绪的沙箱不会被强制重启。
func (p *Pool) RefreshArtifact(ctx context.Context, artifact Artifact) error {
	if artifact.Version == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "artifact version is required")
	}
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	p.mu.Lock()
	same := p.current.Version == artifact.Version
	p.mu.Unlock()
	if same {
		p.logger.Debug("代码产物版本未变化", slog.String("version", artifact.Version))
		return nil
	}

	if err := p.platform.CommitVolume(ctx, p.volumeRef(artifact)); err != nil {
		return xerrors.Wrap(CodeArtifactCommitFailure, err, "artifact commit failed",
			xerrors.WithMetadata("version", artifact.Version))
	}

	artifact.CommittedAt = p.now()
	p.mu.Lock()
	previous := p.current.Version
	p.current = artifact
	staled := 0
	for _, h := range p.handles {
		if h.Status == StatusReady && h.ArtifactVersion != artifact.Version {
			_ = h.transition(StatusStale)
			staled++
		}
	}
	p.mu.Unlock()

	p.metrics.SetArtifactVersion(artifact.Version)
	p.reportStatuses()
	p.logger.Info("代码产物已更新",
		slog.String("version", artifact.Version),
		slog.String("previous", previous),
		slog.Int("stale_handles", staled),
	)
	return nil
}

// Teardown 回收租户的沙箱。重复调用是安全的，平台错误只记录日志。
func (p *Pool) Teardown(ctx context.Context, tenantKey string) bool {
	p.mu.Lock()
	h, ok := p.handles[tenantKey]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.handles, tenantKey)
	_ = h.transition(StatusTerminated)
	endpoint := h.Endpoint
	p.mu.Unlock()
	p.reportStatuses()

	if endpoint != "" {
		p.releaseEndpoint(ctx, tenantKey, endpoint)
	}
	p.logger.Info("沙箱已回收", slog.String("tenant", tenantKey), slog.String("sandbox_id", h.ID))
	return true
}

func (p *Pool) releaseEndpoint(ctx context.Context, tenantKey, endpoint string) {
	if err := p.platform.Teardown(ctx, endpoint); err != nil {
		p.logger.Warn("释放沙箱失败",
			slog.String("tenant", tenantKey),
			slog.String("endpoint", endpoint),
			slog.Any("error", err),
		)
	}
}

// Get 返回租户当前的句柄快照。
func (p *Pool) Get(tenantKey string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[tenantKey]
	if !ok {
		return Handle{}, false
	}
	return h.Handle, true
}

// List 按租户排序返回全部句柄快照。
func (p *Pool) List() []Handle {
	p.mu.Lock()
	out := make([]Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h.Handle)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantKey < out[j].TenantKey })
	return out
}

// Current 返回当前提交的代码产物。
func (p *Pool) Current() Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Close 回收全部沙箱，之后的 Ensure 会失败。
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	keys := make([]string, 0, len(p.handles))
	for key := range p.handles {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	for _, key := range keys {
		p.Teardown(ctx, key)
	}
}

func (p *Pool) volumeRef(artifact Artifact) VolumeRef {
	if artifact.Version == "" {
		return VolumeRef{}
	}
	return VolumeRef{
		Name:      p.cfg.VolumeName,
		Version:   artifact.Version,
		Source:    artifact.Source,
		MountPath: p.cfg.MountPath,
	}
}

func (p *Pool) reportStatuses() {
	if p.metrics == nil {
		return
	}
	counts := make(map[string]int, len(Statuses))
	names := make([]string, 0, len(Statuses))
	for _, status := range Statuses {
		names = append(names, string(status))
	}
	p.mu.Lock()
	for _, h := range p.handles {
		counts[string(h.Status)]++
	}
	p.mu.Unlock()
	p.metrics.SetSandboxes(counts, names...)
}
