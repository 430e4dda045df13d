package continuity

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	xerrors "Monios-Control/internal/errors"
	"Monios-Control/internal/observability/metrics"
	"Monios-Control/pkg/logger"
)

// Record 是某个租户的续接令牌。
type Record struct {
	TenantID  string    `json:"tenant_id"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Backend 抽象账本的持久化介质。实现只需要支持单写者。
type Backend interface {
	// LoadAll 读取全部记录。数据缺失应返回空集合而不是错误。
	LoadAll(ctx context.Context) (map[string]Record, error)
	// Put 以完整替换的方式写入一条记录，写入要么完全成功要么保持旧值。
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, tenantID string) error
	Close() error
}

// Option 定义 Ledger 的可选配置。
type Option func(*Ledger)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(led *Ledger) {
		if l != nil {
			led.logger = l
		}
	}
}

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(led *Ledger) {
		led.metrics = m
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) {
		if now != nil {
			led.now = now
		}
	}
}

// Ledger 维护租户到续接令牌的映射，内存中保存全部记录，写入时同步落盘。
type Ledger struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	records map[string]Record

	// writeMu 保证内存与后端的写入顺序一致。
	writeMu sync.Mutex
}

// NewLedger 创建账本，调用方需要在启动时调用 Load。
func NewLedger(backend Backend, opts ...Option) *Ledger {
	led := &Ledger{
		backend: backend,
		logger:  logger.Named("continuity"),
		now:     time.Now,
		records: make(map[string]Record),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(led)
		}
	}
	return led
}

// Load 从后端读取全部记录。数据缺失或损坏时以空账本启动，只记录告警。
func (l *Ledger) Load(ctx context.Context) {
	records, err := l.backend.LoadAll(ctx)
	if err != nil {
		l.logger.WarnContext(ctx, "续接账本加载失败，以空账本启动", slog.Any("error", err))
		records = nil
	}

	clean := make(map[string]Record, len(records))
	for id, rec := range records {
		if id == "" || rec.Token == "" {
			continue
		}
		rec.TenantID = id
		clean[id] = rec
	}

	l.mu.Lock()
	l.records = clean
	l.mu.Unlock()
	l.logger.InfoContext(ctx, "续接账本已加载", slog.Int("records", len(clean)))
}

// Resolve 返回生效的续接令牌：显式令牌优先，其次是已持久化的令牌，都没有时返回空字符串。
func (l *Ledger) Resolve(tenantID, explicit string) string {
	if explicit != "" {
		return explicit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[tenantID].Token
}

// Record 更新租户的令牌并持久化。持久化失败时内存中的值仍然生效，错误返回给调用方记录。
func (l *Ledger) Record(ctx context.Context, tenantID, token string) error {
	if tenantID == "" || token == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tenant id and token are required")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	rec := Record{TenantID: tenantID, Token: token, UpdatedAt: l.now().UTC()}
	l.mu.Lock()
	l.records[tenantID] = rec
	l.mu.Unlock()

	err := l.backend.Put(ctx, rec)
	l.metrics.ObserveLedgerWrite("record", err)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "",
			xerrors.WithMetadata("tenant_id", tenantID))
	}
	logger.Audit().InfoContext(ctx, "continuity recorded", slog.String("tenant_id", tenantID))
	return nil
}

// Clear 删除租户的记录，返回删除前是否存在。
func (l *Ledger) Clear(ctx context.Context, tenantID string) (bool, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	_, existed := l.records[tenantID]
	delete(l.records, tenantID)
	l.mu.Unlock()

	if !existed {
		return false, nil
	}
	err := l.backend.Delete(ctx, tenantID)
	l.metrics.ObserveLedgerWrite("clear", err)
	if err != nil {
		return true, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "",
			xerrors.WithMetadata("tenant_id", tenantID))
	}
	logger.Audit().InfoContext(ctx, "continuity cleared", slog.String("tenant_id", tenantID))
	return true, nil
}

// Lookup 返回单个租户的记录。
func (l *Ledger) Lookup(tenantID string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[tenantID]
	return rec, ok
}

// Snapshot 返回全部记录的副本。
func (l *Ledger) Snapshot() map[string]Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.records)
}

// Close 关闭后端。
func (l *Ledger) Close() error {
	return l.backend.Close()
}
