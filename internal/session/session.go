package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"Monios-Control/internal/runtime"
)

// ErrSessionEvicted 表示会话已被移除，调用方需要重新获取。
var ErrSessionEvicted = errors.New("session evicted")

// Session 是某个租户唯一的活动运行时连接。
type Session struct {
	TenantID  string
	Conn      runtime.Conn
	CreatedAt time.Time

	generation uint64
	// slot 容量为 1，保证同一连接上的调度串行执行。
	slot       chan struct{}
	lastActive atomic.Int64
	evicted    atomic.Bool
}

func newSession(tenantID string, conn runtime.Conn, generation uint64, now time.Time) *Session {
	s := &Session{
		TenantID:   tenantID,
		Conn:       conn,
		CreatedAt:  now,
		generation: generation,
		slot:       make(chan struct{}, 1),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// LastActiveAt 返回最近一次调度的时间。
func (s *Session) LastActiveAt() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Evicted 判断会话是否已失效。
func (s *Session) Evicted() bool {
	return s.evicted.Load()
}

// Dispatch 在该连接上发起调度。返回的 Stream 关闭前，同一会话上的其它调度会等待。
func (s *Session) Dispatch(ctx context.Context, req runtime.Request) (runtime.Stream, error) {
	if s.Evicted() {
		return nil, ErrSessionEvicted
	}
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// 等待期间会话可能已被移除。
	if s.Evicted() {
		<-s.slot
		return nil, ErrSessionEvicted
	}
	s.lastActive.Store(time.Now().UnixNano())

	stream, err := s.Conn.Dispatch(ctx, req)
	if err != nil {
		<-s.slot
		return nil, err
	}
	return &guardedStream{Stream: stream, release: func() { <-s.slot }}, nil
}

type guardedStream struct {
	runtime.Stream
	once    sync.Once
	release func()
}

func (g *guardedStream) Close() error {
	err := g.Stream.Close()
	g.once.Do(g.release)
	return err
}
