package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"dagger.io/dagger"

	"Monios-Control/pkg/logger"
)

var _ Platform = (*DaggerPlatform)(nil)

// 提交代码产物时排除的路径。
var artifactExcludes = []string{".git", "**/__pycache__", "**/node_modules", ".venv"}

// DaggerConfig 描述容器沙箱的运行方式。
type DaggerConfig struct {
	// Command 非空时容器以服务方式启动，端点为服务地址；否则端点为容器 ID。
	Command []string
	Port    int
}

// DaggerPlatform 通过 Dagger 引擎创建容器沙箱。
type DaggerPlatform struct {
	client *dagger.Client
	cfg    DaggerConfig
	logger *slog.Logger
	owned  bool

	mu       sync.Mutex
	volumes  map[string]*dagger.Directory
	services map[string]*dagger.Service
}

// DaggerOption 定义 DaggerPlatform 的可选配置。
type DaggerOption func(*DaggerPlatform)

// WithDaggerLogger 指定日志记录器。
func WithDaggerLogger(l *slog.Logger) DaggerOption {
	return func(p *DaggerPlatform) {
		if l != nil {
			p.logger = l
		}
	}
}

// ConnectDagger 连接 Dagger 引擎并创建平台，Close 时断开连接。
func ConnectDagger(ctx context.Context, cfg DaggerConfig, logOutput io.Writer, opts ...DaggerOption) (*DaggerPlatform, error) {
	var connectOpts []dagger.ClientOpt
	if logOutput != nil {
		connectOpts = append(connectOpts, dagger.WithLogOutput(logOutput))
	}
	client, err := dagger.Connect(ctx, connectOpts...)
	if err != nil {
		return nil, fmt.Errorf("连接 Dagger 引擎失败: %w", err)
	}
	p := NewDaggerPlatform(client, cfg, opts...)
	p.owned = true
	return p, nil
}

// NewDaggerPlatform 使用已有的 Dagger 客户端创建平台。
func NewDaggerPlatform(client *dagger.Client, cfg DaggerConfig, opts ...DaggerOption) *DaggerPlatform {
	p := &DaggerPlatform{
		client:   client,
		cfg:      cfg,
		logger:   logger.Named("sandbox.dagger"),
		volumes:  make(map[string]*dagger.Directory),
		services: make(map[string]*dagger.Service),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// CommitVolume 读取宿主机上的产物目录并固化为该版本的只读卷。
func (p *DaggerPlatform) CommitVolume(ctx context.Context, volume VolumeRef) error {
	if volume.Source == "" {
		return fmt.Errorf("代码产物 %s 缺少源目录", volume.Version)
	}
	dir := p.client.Host().Directory(volume.Source, dagger.HostDirectoryOpts{
		Exclude: artifactExcludes,
	})
	synced, err := dir.Sync(ctx)
	if err != nil {
		return fmt.Errorf("提交代码产物 %s 失败: %w", volume.Version, err)
	}

	p.mu.Lock()
	p.volumes[volume.Version] = synced
	p.mu.Unlock()
	p.logger.Info("代码产物已提交", slog.String("version", volume.Version), slog.String("source", volume.Source))
	return nil
}

// Provision 基于镜像创建容器，挂载代码产物并注入密钥。
func (p *DaggerPlatform) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	container := p.client.Container().From(req.Image)

	for _, key := range sortedKeys(req.Env) {
		container = container.WithEnvVariable(key, req.Env[key])
	}
	for _, name := range sortedKeys(req.Secrets) {
		secret := p.client.SetSecret(secretName(req.TenantKey, name), req.Secrets[name])
		container = container.WithSecretVariable(name, secret)
	}

	if req.Volume.Version != "" {
		dir, err := p.volume(ctx, req.Volume)
		if err != nil {
			return "", err
		}
		mount := req.Volume.MountPath
		if mount == "" {
			mount = "/app"
		}
		container = container.
			WithMountedDirectory(mount, dir).
			WithWorkdir(mount)
	}

	cache := p.client.CacheVolume("monios-" + req.TenantKey)
	container = container.WithMountedCache("/var/cache/monios", cache)

	if len(p.cfg.Command) == 0 {
		synced, err := container.Sync(ctx)
		if err != nil {
			return "", fmt.Errorf("创建容器失败: %w", err)
		}
		id, err := synced.ID(ctx)
		if err != nil {
			return "", fmt.Errorf("读取容器 ID 失败: %w", err)
		}
		return string(id), nil
	}

	service := container.
		WithExposedPort(p.cfg.Port).
		AsService(dagger.ContainerAsServiceOpts{Args: p.cfg.Command})
	started, err := service.Start(ctx)
	if err != nil {
		return "", fmt.Errorf("启动沙箱服务失败: %w", err)
	}
	endpoint, err := started.Endpoint(ctx, dagger.ServiceEndpointOpts{Port: p.cfg.Port, Scheme: "http"})
	if err != nil {
		if _, stopErr := started.Stop(ctx); stopErr != nil {
			p.logger.Warn("回收沙箱服务失败", slog.String("tenant", req.TenantKey), slog.Any("error", stopErr))
		}
		return "", fmt.Errorf("读取沙箱端点失败: %w", err)
	}

	p.mu.Lock()
	p.services[endpoint] = started
	p.mu.Unlock()
	return endpoint, nil
}

// Teardown 停止端点对应的服务。容器形式的沙箱没有常驻进程，无需释放。
func (p *DaggerPlatform) Teardown(ctx context.Context, endpoint string) error {
	p.mu.Lock()
	service, ok := p.services[endpoint]
	delete(p.services, endpoint)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := service.Stop(ctx); err != nil {
		return fmt.Errorf("停止沙箱服务失败: %w", err)
	}
	return nil
}

// Close 停止所有服务，若客户端由平台创建则一并关闭。
func (p *DaggerPlatform) Close(ctx context.Context) error {
	p.mu.Lock()
	endpoints := make([]string, 0, len(p.services))
	for endpoint := range p.services {
		endpoints = append(endpoints, endpoint)
	}
	p.mu.Unlock()

	for _, endpoint := range endpoints {
		if err := p.Teardown(ctx, endpoint); err != nil {
			p.logger.Warn("关闭沙箱服务失败", slog.String("endpoint", endpoint), slog.Any("error", err))
		}
	}
	if p.owned {
		return p.client.Close()
	}
	return nil
}

// volume 返回已提交的卷。进程重启后首次使用时按源目录重新加载。
func (p *DaggerPlatform) volume(ctx context.Context, ref VolumeRef) (*dagger.Directory, error) {
	p.mu.Lock()
	dir, ok := p.volumes[ref.Version]
	p.mu.Unlock()
	if ok {
		return dir, nil
	}
	if err := p.CommitVolume(ctx, ref); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volumes[ref.Version], nil
}

func secretName(tenantKey, name string) string {
	return "monios-" + strings.ToLower(tenantKey) + "-" + strings.ToLower(name)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
