package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// Status 描述沙箱句柄的生命周期阶段。
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusStale        Status = "stale"
	StatusTerminated   Status = "terminated"
)

// Statuses 按生命周期顺序列出全部状态，指标刷新时使用。
var Statuses = []Status{StatusProvisioning, StatusReady, StatusStale, StatusTerminated}

// ErrInvalidTransition 表示试图让句柄状态后退。
var ErrInvalidTransition = errors.New("sandbox: invalid status transition")

// CanTransitionTo 判断状态迁移是否合法。状态只能向前推进。
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusProvisioning:
		return next == StatusReady || next == StatusTerminated
	case StatusReady:
		return next == StatusStale || next == StatusTerminated
	case StatusStale:
		return next == StatusTerminated
	default:
		return false
	}
}

// Live 表示句柄是否仍可服务请求。
func (s Status) Live() bool {
	return s == StatusReady || s == StatusStale
}

// Handle 是沙箱句柄的只读快照。
type Handle struct {
	ID              string    `json:"id"`
	TenantKey       string    `json:"tenant_key"`
	Endpoint        string    `json:"endpoint"`
	ArtifactVersion string    `json:"artifact_version"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// handle 是池内部持有的可变句柄，字段受 Pool.mu 保护。
type handle struct {
	Handle
}

func (h *handle) transition(next Status) error {
	if !h.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.Status, next)
	}
	h.Status = next
	return nil
}
