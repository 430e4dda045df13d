package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"Monios-Control/internal/runtime"
	"Monios-Control/pkg/logger"
)

// EnvSandboxEndpoint 把沙箱地址传给 claude 子进程。
const EnvSandboxEndpoint = "MONIOS_SANDBOX_ENDPOINT"

const maxLineBytes = 10 * 1024 * 1024

var errConnClosed = errors.New("claude 连接已关闭")

// Config 描述 claude 命令行的调用方式。
type Config struct {
	Binary     string
	WorkingDir string
	ExtraArgs  []string
	Env        []string
}

// Option 定义 Connector 的可选配置。
type Option func(*Connector)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) {
		if l != nil {
			c.logger = l
		}
	}
}

// Connector 为每个租户创建一个 claude 连接。每次调度启动一个子进程，
// 对话状态由 --resume 携带的续接令牌恢复。
type Connector struct {
	cfg    Config
	logger *slog.Logger
}

// NewConnector 创建 Connector。
func NewConnector(cfg Config, opts ...Option) *Connector {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = "claude"
	}
	c := &Connector{cfg: cfg, logger: logger.Named("claudecli")}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Connect 校验可执行文件存在并返回一个新的连接。
func (c *Connector) Connect(ctx context.Context, opts runtime.Options) (runtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	binary, err := exec.LookPath(c.cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("找不到 claude 可执行文件 %q: %w", c.cfg.Binary, err)
	}
	return &conn{
		binary: binary,
		cfg:    c.cfg,
		opts:   opts,
		logger: c.logger.With(slog.String("tenant_id", opts.TenantID)),
		active: make(map[*stream]struct{}),
	}, nil
}

type conn struct {
	binary string
	cfg    Config
	opts   runtime.Options
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	active map[*stream]struct{}
}

func (c *conn) args(req runtime.Request) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if c.opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", c.opts.SystemPrompt)
	}
	if c.opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(c.opts.MaxTurns))
	}
	if len(c.opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.opts.AllowedTools, ","))
	}
	if req.Token != "" {
		args = append(args, "--resume", req.Token)
	}
	return append(args, c.cfg.ExtraArgs...)
}

// Dispatch 启动子进程，消息通过标准输入传入。
func (c *conn) Dispatch(ctx context.Context, req runtime.Request) (runtime.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnClosed
	}

	cmd := exec.CommandContext(ctx, c.binary, c.args(req)...)
	cmd.Dir = c.cfg.WorkingDir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	if req.SandboxEndpoint != "" {
		cmd.Env = append(cmd.Env, EnvSandboxEndpoint+"="+req.SandboxEndpoint)
	}
	cmd.Stdin = strings.NewReader(req.Message)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("创建 stdout 管道失败: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("启动 claude 失败: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	s := &stream{cmd: cmd, scanner: scanner, stderr: stderr, logger: c.logger}
	s.release = func() {
		c.mu.Lock()
		delete(c.active, s)
		c.mu.Unlock()
	}
	c.active[s] = struct{}{}
	return s, nil
}

// Close 终止仍在运行的子进程。
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := make([]*stream, 0, len(c.active))
	for s := range c.active {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range streams {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

type stream struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *tailBuffer
	logger  *slog.Logger
	release func()

	mu       sync.Mutex
	pending  []runtime.Event
	finished bool
	waited   bool
	waitErr  error
}

// Recv 实现 runtime.Stream。
func (s *stream) Recv() (runtime.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
			return s.drainLocked()
		}
		events, terminal, err := parseLine(s.scanner.Bytes())
		if err != nil {
			s.logger.Warn("忽略无法解析的输出行", slog.Any("error", err))
			continue
		}
		s.pending = append(s.pending, events...)
		if terminal {
			s.finished = true
			s.waitLocked()
		}
	}
}

// drainLocked 在输出提前结束（没有 result 行）时返回错误。
func (s *stream) drainLocked() (runtime.Event, error) {
	s.finished = true
	scanErr := s.scanner.Err()
	waitErr := s.waitLocked()
	detail := strings.TrimSpace(s.stderr.String())
	switch {
	case scanErr != nil:
		return runtime.Event{}, fmt.Errorf("读取 claude 输出失败: %w", scanErr)
	case waitErr != nil:
		return runtime.Event{}, fmt.Errorf("claude 异常退出: %w: %s", waitErr, detail)
	default:
		return runtime.Event{}, fmt.Errorf("claude 输出在结果前结束: %s", detail)
	}
}

func (s *stream) waitLocked() error {
	if s.waited {
		return s.waitErr
	}
	s.waited = true
	s.waitErr = s.cmd.Wait()
	if s.release != nil {
		s.release()
	}
	return s.waitErr
}

// Close 实现 runtime.Stream。
func (s *stream) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.pending = nil
	s.waitLocked()
	return nil
}

// tailBuffer 只保留最后 limit 字节，用于在错误中附带 stderr 摘要。
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

var _ runtime.Connector = (*Connector)(nil)
