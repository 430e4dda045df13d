package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"Monios-Control/internal/runtime"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 120 * time.Second
)

var errConnClosed = errors.New("OpenAI 连接已关闭")

// Config 描述了调用 OpenAI Responses API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Connector 通过 Responses API 提供会话能力，previous_response_id 即续接令牌。
type Connector struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewConnector 根据配置创建 Connector。
func NewConnector(cfg Config) (*Connector, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Connector{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Connect 实现 runtime.Connector。HTTP 本身无状态，连接只保存会话参数。
func (c *Connector) Connect(ctx context.Context, opts runtime.Options) (runtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &conn{parent: c, opts: opts}, nil
}

type conn struct {
	parent *Connector
	opts   runtime.Options

	mu     sync.Mutex
	closed bool
}

func (c *conn) buildPayload(req runtime.Request) ([]byte, error) {
	body := map[string]any{
		"model":  c.parent.model,
		"input":  req.Message,
		"stream": true,
	}
	if c.opts.SystemPrompt != "" {
		body["instructions"] = c.opts.SystemPrompt
	}
	if req.Token != "" {
		body["previous_response_id"] = req.Token
	}
	metadata := map[string]string{}
	if c.opts.TenantID != "" {
		metadata["tenant_id"] = c.opts.TenantID
	}
	if req.SandboxEndpoint != "" {
		metadata["sandbox_endpoint"] = req.SandboxEndpoint
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

// Dispatch 发起一次流式请求。
func (c *conn) Dispatch(ctx context.Context, req runtime.Request) (runtime.Stream, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errConnClosed
	}

	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.parent.baseURL + "/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.parent.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.parent.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

// Close 实现 runtime.Conn。
func (c *conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// sseStream 解析 text/event-stream 响应。
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	mu       sync.Mutex
	pending  []runtime.Event
	finished bool
}

type streamEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Message  string `json:"message"`
	Response *struct {
		ID    string `json:"id"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

// Recv 实现 runtime.Stream。
func (s *sseStream) Recv() (runtime.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data strings.Builder
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.finished {
			return runtime.Event{}, io.EOF
		}
		if !s.scanner.Scan() {
			s.finished = true
			if err := s.scanner.Err(); err != nil {
				return runtime.Event{}, fmt.Errorf("读取 OpenAI 事件流失败: %w", err)
			}
			return runtime.Event{}, errors.New("OpenAI 事件流在完成前中断")
		}

		line := s.scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		case line != "":
			// event:、id: 等字段不参与解析，类型以 data 中的 type 为准。
			continue
		}

		// 空行表示一个事件结束。
		raw := data.String()
		data.Reset()
		if raw == "" || raw == "[DONE]" {
			continue
		}
		if err := s.translate(raw); err != nil {
			s.finished = true
			return runtime.Event{}, err
		}
	}
}

func (s *sseStream) translate(raw string) error {
	var ev streamEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return fmt.Errorf("解析 OpenAI 事件失败: %w", err)
	}

	switch ev.Type {
	case "response.created":
		if ev.Response != nil && ev.Response.ID != "" {
			s.pending = append(s.pending, runtime.Meta(ev.Response.ID))
		}
	case "response.output_text.delta":
		if ev.Delta != "" {
			s.pending = append(s.pending, runtime.Content(ev.Delta))
		}
	case "response.completed":
		if ev.Response != nil && ev.Response.ID != "" {
			s.pending = append(s.pending, runtime.Meta(ev.Response.ID))
		}
		s.pending = append(s.pending, runtime.Completion())
		s.finished = true
	case "response.failed", "error":
		msg := ev.Message
		if ev.Response != nil && ev.Response.Error != nil {
			msg = ev.Response.Error.Message
		}
		if msg == "" {
			msg = ev.Type
		}
		s.pending = append(s.pending, runtime.Failure(errors.New("OpenAI 运行失败: "+msg)))
		s.finished = true
	}
	return nil
}

// Close 实现 runtime.Stream。
func (s *sseStream) Close() error {
	s.mu.Lock()
	s.finished = true
	s.pending = nil
	s.mu.Unlock()
	return s.body.Close()
}

var _ runtime.Connector = (*Connector)(nil)
