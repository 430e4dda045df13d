package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var _ Platform = (*MemoryPlatform)(nil)

// MemoryPlatform 是进程内的沙箱平台实现，用于本地开发和测试。
type MemoryPlatform struct {
	// ProvisionErr 非空时 Provision 返回该错误。
	ProvisionErr error
	// CommitErr 非空时 CommitVolume 返回该错误。
	CommitErr error
	// TeardownErr 非空时 Teardown 返回该错误。
	TeardownErr error
	// Delay 模拟环境启动耗时。
	Delay time.Duration
	// Gate 非空时 Provision 阻塞直到通道关闭或有值。
	Gate chan struct{}

	mu         sync.Mutex
	seq        int
	provisions []ProvisionRequest
	commits    []VolumeRef
	teardowns  []string
	live       map[string]ProvisionRequest
}

// NewMemoryPlatform 创建内存平台。
func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{live: make(map[string]ProvisionRequest)}
}

// Provision 实现 Platform 接口。
func (p *MemoryPlatform) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	p.mu.Lock()
	p.provisions = append(p.provisions, req)
	gate, delay, failure := p.Gate, p.Delay, p.ProvisionErr
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failure != nil {
		return "", failure
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == nil {
		p.live = make(map[string]ProvisionRequest)
	}
	p.seq++
	endpoint := fmt.Sprintf("memory://%s/%d", req.TenantKey, p.seq)
	p.live[endpoint] = req
	return endpoint, nil
}

// CommitVolume 实现 Platform 接口。
func (p *MemoryPlatform) CommitVolume(_ context.Context, volume VolumeRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CommitErr != nil {
		return p.CommitErr
	}
	if volume.Version == "" {
		return errors.New("memory platform: volume version is required")
	}
	p.commits = append(p.commits, volume)
	return nil
}

// Teardown 实现 Platform 接口。未知端点视为已释放。
func (p *MemoryPlatform) Teardown(_ context.Context, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns = append(p.teardowns, endpoint)
	if p.TeardownErr != nil {
		return p.TeardownErr
	}
	delete(p.live, endpoint)
	return nil
}

// Provisions 返回全部 Provision 调用的请求。
func (p *MemoryPlatform) Provisions() []ProvisionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProvisionRequest(nil), p.provisions...)
}

// Commits 返回全部成功提交的卷。
func (p *MemoryPlatform) Commits() []VolumeRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]VolumeRef(nil), p.commits...)
}

// Teardowns 返回全部 Teardown 调用的端点。
func (p *MemoryPlatform) Teardowns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.teardowns...)
}

// Live 返回当前存活的环境数量。
func (p *MemoryPlatform) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}
