package sandbox

import "context"

// VolumeRef 指向共享卷中某个版本的代码产物。
type VolumeRef struct {
	Name      string
	Version   string
	Source    string
	MountPath string
}

// ProvisionRequest 描述一次沙箱创建。
type ProvisionRequest struct {
	TenantKey string
	Image     string
	Secrets   map[string]string
	Env       map[string]string
	Volume    VolumeRef
}

// Platform 抽象无服务器沙箱平台。调用方可以安全地重试 Provision 和 Teardown。
type Platform interface {
	// Provision 创建隔离环境并返回其访问端点。
	Provision(ctx context.Context, req ProvisionRequest) (string, error)
	// CommitVolume 把代码产物写入共享卷并提交。
	CommitVolume(ctx context.Context, volume VolumeRef) error
	// Teardown 释放端点对应的环境。
	Teardown(ctx context.Context, endpoint string) error
}
