package continuity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"Monios-Control/pkg/logger"
)

const (
	ledgerDirMode     = 0o700
	ledgerFileMode    = 0o600
	tempFilePattern   = "continuity-*.json.tmp"
	fileSchemaVersion = 1
)

// fileDocument 是账本文件的结构，便于人工查看。
type fileDocument struct {
	Version int                   `json:"version"`
	Records map[string]fileRecord `json:"records"`
}

type fileRecord struct {
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileBackend 把账本保存为单个 JSON 文件，每次写入通过临时文件加 rename 原子替换。
type FileBackend struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

// NewFileBackend 创建文件后端。
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:    path,
		logger:  logger.Named("continuity.file"),
		now:     time.Now,
		records: make(map[string]Record),
	}
}

// Path 返回账本文件路径。
func (b *FileBackend) Path() string { return b.path }

// LoadAll 实现 Backend。文件不存在时返回空集合；内容损坏时把文件移到一旁并返回错误。
func (b *FileBackend) LoadAll(_ context.Context) (map[string]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = make(map[string]Record)
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return map[string]Record{}, fmt.Errorf("读取账本文件失败: %w", err)
	}

	records, err := decodeDocument(data)
	if err != nil {
		quarantined := b.quarantine()
		return map[string]Record{}, fmt.Errorf("账本文件已损坏（已移至 %s）: %w", quarantined, err)
	}
	b.records = records
	return maps.Clone(records), nil
}

func decodeDocument(data []byte) (map[string]Record, error) {
	if len(data) == 0 {
		return map[string]Record{}, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	records := make(map[string]Record, len(doc.Records))
	if doc.Records != nil {
		for id, rec := range doc.Records {
			records[id] = Record{TenantID: id, Token: rec.Token, UpdatedAt: rec.UpdatedAt}
		}
		return records, nil
	}

	// 兼容早期 {"tenant": "token"} 的扁平格式。
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, err
	}
	for id, token := range flat {
		records[id] = Record{TenantID: id, Token: token}
	}
	return records, nil
}

// quarantine 保留损坏的文件以便排查，返回新的路径。
func (b *FileBackend) quarantine() string {
	target := b.path + ".corrupt-" + strconv.FormatInt(b.now().Unix(), 10)
	if err := os.Rename(b.path, target); err != nil {
		b.logger.Warn("移走损坏的账本文件失败", slog.String("path", b.path), slog.Any("error", err))
		return b.path
	}
	return target
}

// Put 实现 Backend。
func (b *FileBackend) Put(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := maps.Clone(b.records)
	next[rec.TenantID] = rec
	if err := b.write(next); err != nil {
		return err
	}
	b.records = next
	return nil
}

// Delete 实现 Backend。
func (b *FileBackend) Delete(_ context.Context, tenantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.records[tenantID]; !ok {
		return nil
	}
	next := maps.Clone(b.records)
	delete(next, tenantID)
	if err := b.write(next); err != nil {
		return err
	}
	b.records = next
	return nil
}

// Close 实现 Backend。
func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) write(records map[string]Record) error {
	doc := fileDocument{Version: fileSchemaVersion, Records: make(map[string]fileRecord, len(records))}
	for id, rec := range records {
		doc.Records[id] = fileRecord{Token: rec.Token, UpdatedAt: rec.UpdatedAt}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("编码账本失败: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, ledgerDirMode); err != nil {
		return fmt.Errorf("创建账本目录失败: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("创建临时账本文件失败: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("写入临时账本文件失败: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("同步临时账本文件失败: %w", err)
	}
	if err := tempFile.Chmod(ledgerFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("设置临时账本文件权限失败: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("关闭临时账本文件失败: %w", err)
	}
	if err := os.Rename(tempName, b.path); err != nil {
		return fmt.Errorf("替换账本文件失败: %w", err)
	}
	cleanup = false
	return nil
}

var _ Backend = (*FileBackend)(nil)
