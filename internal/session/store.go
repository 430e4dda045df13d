package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "Monios-Control/internal/errors"
	"Monios-Control/internal/observability/metrics"
	"Monios-Control/internal/runtime"
	"Monios-Control/pkg/logger"
)

// 驱逐原因，用于日志与指标。
const (
	ReasonClear           = "clear"
	ReasonDispatchFailure = "dispatch_failure"
	ReasonShutdown        = "shutdown"
)

// Option 定义 Store 的可选配置。
type Option func(*Store)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithClock 替换时间源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store 保存租户到活动连接的映射，每个租户至多一个连接。
// 同一租户的创建过程由租户级锁串行化，不同租户互不阻塞。
type Store struct {
	connector runtime.Connector
	options   runtime.Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu         sync.Mutex
	sessions   map[string]*Session
	locks      map[string]*tenantLock
	generation uint64
	closed     bool
}

type tenantLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore 创建会话存储。options 是每个新连接使用的模板，TenantID 会被覆盖。
func NewStore(connector runtime.Connector, options runtime.Options, opts ...Option) *Store {
	s := &Store{
		connector: connector,
		options:   options,
		logger:    logger.Named("session"),
		now:       time.Now,
		sessions:  make(map[string]*Session),
		locks:     make(map[string]*tenantLock),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// lockTenant 获取租户级锁，返回的函数用于释放。锁对象按引用计数回收。
func (s *Store) lockTenant(tenantID string) func() {
	s.mu.Lock()
	l, ok := s.locks[tenantID]
	if !ok {
		l = &tenantLock{}
		s.locks[tenantID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, tenantID)
		}
		s.mu.Unlock()
	}
}

// GetOrCreate 返回租户的活动会话，不存在时建立新连接。
func (s *Store) GetOrCreate(ctx context.Context, tenantID string) (*Session, error) {
	if tenantID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tenant id is required")
	}

	unlock := s.lockTenant(tenantID)
	defer unlock()

	s.mu.Lock()
	existing, ok := s.sessions[tenantID]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errStoreClosed(tenantID)
	}
	if ok {
		return existing, nil
	}

	opts := s.options
	opts.TenantID = tenantID
	conn, err := s.connector.Connect(ctx, opts)
	s.metrics.ObserveConnect(err)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "",
			xerrors.WithMetadata("tenant_id", tenantID))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// 建连期间存储已关闭，新连接不能再登记。
		if cerr := conn.Close(); cerr != nil {
			s.logger.WarnContext(ctx, "关闭迟到的运行时连接失败",
				slog.String("tenant_id", tenantID), slog.Any("error", cerr))
		}
		return nil, errStoreClosed(tenantID)
	}
	s.generation++
	sess := newSession(tenantID, conn, s.generation, s.now())
	s.sessions[tenantID] = sess
	active := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(active)
	s.logger.InfoContext(ctx, "已建立运行时连接",
		slog.String("tenant_id", tenantID),
		slog.Uint64("generation", sess.generation))
	return sess, nil
}

func errStoreClosed(tenantID string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, "session store is closed",
		xerrors.WithMetadata("tenant_id", tenantID))
}

// Get 返回已存在的会话，不会建立连接。
func (s *Store) Get(tenantID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantID]
	return sess, ok
}

// Remove 断开并移除租户的会话，断开失败只记录日志。重复调用是安全的。
func (s *Store) Remove(ctx context.Context, tenantID string) bool {
	return s.evict(ctx, tenantID, nil, ReasonClear)
}

// Evict 仅当 sess 仍是该租户的当前会话时才移除它，避免误删之后新建的连接。
func (s *Store) Evict(ctx context.Context, sess *Session, reason string) bool {
	if sess == nil {
		return false
	}
	return s.evict(ctx, sess.TenantID, sess, reason)
}

func (s *Store) evict(ctx context.Context, tenantID string, target *Session, reason string) bool {
	unlock := s.lockTenant(tenantID)
	defer unlock()

	s.mu.Lock()
	current, ok := s.sessions[tenantID]
	if !ok || (target != nil && current != target) {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, tenantID)
	active := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(active)
	s.metrics.ObserveEviction(reason)
	s.disconnect(ctx, current, reason)
	return true
}

func (s *Store) disconnect(ctx context.Context, sess *Session, reason string) {
	sess.evicted.Store(true)
	attrs := []any{
		slog.String("tenant_id", sess.TenantID),
		slog.String("reason", reason),
		slog.Uint64("generation", sess.generation),
	}
	if err := sess.Conn.Close(); err != nil {
		s.logger.WarnContext(ctx, "断开运行时连接失败", append(attrs, slog.Any("error", err))...)
		return
	}
	s.logger.InfoContext(ctx, "已移除会话", attrs...)
}

// Len 返回活动会话数量。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Info 是会话的只读快照。
type Info struct {
	TenantID     string    `json:"tenant_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// List 返回按租户排序的会话快照。
func (s *Store) List() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Info{TenantID: sess.TenantID, CreatedAt: sess.CreatedAt, LastActiveAt: sess.LastActiveAt()})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Close 断开所有会话，用于进程退出。关闭后 GetOrCreate 一律失败，包括正在建连的调用。
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	all := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		all = append(all, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	s.metrics.SetActiveSessions(0)
	for _, sess := range all {
		s.disconnect(ctx, sess, ReasonShutdown)
	}
}
