package continuity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"Monios-Control/internal/storage/redis"
	"Monios-Control/pkg/logger"
)

// hashStore 是 RedisBackend 用到的最小命令集合，*goredis.Client 满足该接口。
type hashStore interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *goredis.IntCmd
	Close() error
}

// RedisBackend 把账本保存在一个 hash 中，字段为租户，值为 JSON 编码的记录。
type RedisBackend struct {
	client hashStore
	key    string
	logger *slog.Logger
}

// NewRedisBackend 连接 Redis 并返回后端。
func NewRedisBackend(ctx context.Context, cfg redis.Config, key string) (*RedisBackend, error) {
	client, err := redis.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newRedisBackend(client, key), nil
}

func newRedisBackend(client hashStore, key string) *RedisBackend {
	if key == "" {
		key = "monios:continuity"
	}
	return &RedisBackend{client: client, key: key, logger: logger.Named("continuity.redis")}
}

// LoadAll 实现 Backend。无法解码的字段会被跳过。
func (b *RedisBackend) LoadAll(ctx context.Context) (map[string]Record, error) {
	values, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("读取 Redis 续接记录失败: %w", err)
	}
	records := make(map[string]Record, len(values))
	for tenantID, raw := range values {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			b.logger.WarnContext(ctx, "跳过损坏的续接记录", slog.String("tenant_id", tenantID), slog.Any("error", err))
			continue
		}
		rec.TenantID = tenantID
		records[tenantID] = rec
	}
	return records, nil
}

// Put 实现 Backend。
func (b *RedisBackend) Put(ctx context.Context, rec Record) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("编码续接记录失败: %w", err)
	}
	if err := b.client.HSet(ctx, b.key, rec.TenantID, string(encoded)).Err(); err != nil {
		return fmt.Errorf("写入 Redis 续接记录失败: %w", err)
	}
	return nil
}

// Delete 实现 Backend。
func (b *RedisBackend) Delete(ctx context.Context, tenantID string) error {
	if err := b.client.HDel(ctx, b.key, tenantID).Err(); err != nil {
		return fmt.Errorf("删除 Redis 续接记录失败: %w", err)
	}
	return nil
}

// Close 实现 Backend。
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
