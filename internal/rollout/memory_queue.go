package rollout

import (
	"context"
	"errors"
	"sync"
)

var _ Queue = (*MemoryQueue)(nil)

// ErrQueueClosed 表示队列已经关闭。
var ErrQueueClosed = errors.New("rollout: queue closed")

// MemoryQueue 使用 channel 实现进程内队列，单进程部署和测试使用。
type MemoryQueue struct {
	ch     chan Notice
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 16
	}
	return &MemoryQueue{ch: make(chan Notice, size)}
}

// Publish 将通知投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, notice Notice) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- notice:
		return nil
	}
}

// Consume 启动指定数量的工作协程，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case notice, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, notice)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrQueueClosed
}

// Close 关闭队列，正在运行的 Consume 在取完剩余通知后返回。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
