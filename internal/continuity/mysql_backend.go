package continuity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"Monios-Control/internal/storage/mysql"
)

// MySQLBackend 把账本保存在 continuity_records 表中，每个租户一行。
type MySQLBackend struct {
	db *sql.DB
}

// NewMySQLBackend 打开连接池并执行迁移。
func NewMySQLBackend(ctx context.Context, cfg mysql.Config) (*MySQLBackend, error) {
	db, err := mysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &MySQLBackend{db: db}, nil
}

// NewMySQLBackendFromDB 复用已有的连接池，调用方负责迁移。
func NewMySQLBackendFromDB(db *sql.DB) *MySQLBackend {
	return &MySQLBackend{db: db}
}

// LoadAll 实现 Backend。
func (b *MySQLBackend) LoadAll(ctx context.Context) (map[string]Record, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT tenant_id, token, updated_at FROM continuity_records`)
	if err != nil {
		return nil, fmt.Errorf("查询续接记录失败: %w", err)
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var (
			rec       Record
			updatedAt int64
		)
		if err := rows.Scan(&rec.TenantID, &rec.Token, &updatedAt); err != nil {
			return nil, fmt.Errorf("解析续接记录失败: %w", err)
		}
		rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		records[rec.TenantID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历续接记录失败: %w", err)
	}
	return records, nil
}

// Put 实现 Backend，单条 upsert 语句天然是原子的。
func (b *MySQLBackend) Put(ctx context.Context, rec Record) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO continuity_records (tenant_id, token, updated_at)
    VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE token = VALUES(token), updated_at = VALUES(updated_at)`,
		rec.TenantID, rec.Token, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("写入续接记录失败: %w", err)
	}
	return nil
}

// Delete 实现 Backend。
func (b *MySQLBackend) Delete(ctx context.Context, tenantID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM continuity_records WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("删除续接记录失败: %w", err)
	}
	return nil
}

// Close 实现 Backend。
func (b *MySQLBackend) Close() error {
	return b.db.Close()
}

var _ Backend = (*MySQLBackend)(nil)
