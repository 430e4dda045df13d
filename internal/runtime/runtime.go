package runtime

import (
	"context"
	"fmt"
)

// EventKind 标识运行时事件的类型。
type EventKind int

const (
	// EventContent 携带一段增量回复文本。
	EventContent EventKind = iota + 1
	// EventMeta 可能携带新的续接令牌。
	EventMeta
	// EventCompletion 表示本次调度正常结束。
	EventCompletion
	// EventError 表示运行时在对话中途报告的错误。
	EventError
)

// String 实现 fmt.Stringer。
func (k EventKind) String() string {
	switch k {
	case EventContent:
		return "content"
	case EventMeta:
		return "meta"
	case EventCompletion:
		return "completion"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event 是运行时流式返回的单个事件。
type Event struct {
	Kind EventKind
	// Text 仅在 EventContent 时有效。
	Text string
	// Token 在 EventMeta 时可能非空。
	Token string
	// Err 仅在 EventError 时有效。
	Err error
}

// Content 构造内容事件。
func Content(text string) Event { return Event{Kind: EventContent, Text: text} }

// Meta 构造元数据事件。
func Meta(token string) Event { return Event{Kind: EventMeta, Token: token} }

// Completion 构造结束事件。
func Completion() Event { return Event{Kind: EventCompletion} }

// Failure 构造错误事件。
func Failure(err error) Event { return Event{Kind: EventError, Err: err} }

// Options 描述建立连接时的会话参数。
type Options struct {
	TenantID     string
	SystemPrompt string
	AllowedTools []string
	MaxTurns     int
}

// Request 是一次调度的输入。
type Request struct {
	Message string
	// Token 为空表示开启新的对话。
	Token string
	// SandboxEndpoint 是该租户沙箱的地址，运行时可以把工具调用路由过去。
	SandboxEndpoint string
}

// Stream 是一次调度产生的有限事件序列。Recv 在序列结束时返回 io.EOF。
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Conn 表示与智能体运行时之间的一条活动连接。
type Conn interface {
	Dispatch(ctx context.Context, req Request) (Stream, error)
	Close() error
}

// Connector 负责建立新的连接。
type Connector interface {
	Connect(ctx context.Context, opts Options) (Conn, error)
}

// ConnectorFunc 允许使用普通函数实现 Connector。
type ConnectorFunc func(ctx context.Context, opts Options) (Conn, error)

// Connect 实现 Connector。
func (f ConnectorFunc) Connect(ctx context.Context, opts Options) (Conn, error) {
	return f(ctx, opts)
}
