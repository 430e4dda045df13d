package rollout

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"Monios-Control/internal/sandbox"
)

// Notice 通知控制面有新的代码产物可用。
type Notice struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	// Attempts 记录已经处理失败的次数。
	Attempts int `json:"attempts,omitempty"`
}

// NewNotice 根据已加载的产物生成通知。
func NewNotice(artifact sandbox.Artifact) Notice {
	return Notice{
		ID:          uuid.NewString(),
		Version:     artifact.Version,
		Source:      artifact.Source,
		PublishedAt: time.Now().UTC(),
	}
}

// Validate 检查必填字段。
func (n Notice) Validate() error {
	if strings.TrimSpace(n.Source) == "" {
		return fmt.Errorf("rollout notice %q has no source", n.ID)
	}
	return nil
}

// Encode 序列化为队列消息体。
func (n Notice) Encode() ([]byte, error) {
	return json.Marshal(n)
}

// DecodeNotice 解析队列消息体。
func DecodeNotice(body []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(body, &n); err != nil {
		return Notice{}, fmt.Errorf("解析发布通知失败: %w", err)
	}
	if err := n.Validate(); err != nil {
		return Notice{}, err
	}
	return n, nil
}
