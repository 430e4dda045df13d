package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"Monios-Control/internal/storage/redis"
	"Monios-Control/pkg/logger"
)

var _ Queue = (*RedisQueue)(nil)

// DefaultRedisKey 是发布通知使用的 list。
const DefaultRedisKey = "monios:rollout"

// listStore 是 RedisQueue 使用的 list 命令子集。
type listStore interface {
	LPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd
	Close() error
}

// RedisQueue 使用 Redis list 实现发布队列，LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client listStore
	key    string
	wait   time.Duration
	logger *slog.Logger
}

// NewRedisQueue 连接 Redis 并创建队列。
func NewRedisQueue(ctx context.Context, cfg redis.Config, key string) (*RedisQueue, error) {
	client, err := redis.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newRedisQueue(client, key), nil
}

func newRedisQueue(client listStore, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key, wait: 5 * time.Second, logger: logger.Named("rollout.redis")}
}

// Publish 将通知写入 Redis。
func (q *RedisQueue) Publish(ctx context.Context, notice Notice) error {
	body, err := notice.Encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, string(body)).Err(); err != nil {
		return fmt.Errorf("Redis 发布通知失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 获取通知，直到 ctx 结束或连接出错。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
				if err != nil {
					if errors.Is(err, goredis.Nil) {
						continue
					}
					if ctx.Err() != nil {
						errCh <- ctx.Err()
						return
					}
					errCh <- fmt.Errorf("Redis 获取通知失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				notice, err := DecodeNotice([]byte(values[1]))
				if err != nil {
					q.logger.Warn("丢弃无法解析的通知", slog.Any("error", err))
					continue
				}
				_ = handler(ctx, notice)
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
