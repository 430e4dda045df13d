package continuity

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendMissingFileIsEmpty(t *testing.T) {
	b := NewFileBackend(filepath.Join(t.TempDir(), "absent.json"))
	records, err := b.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFileBackendQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"records": {"u1": {"token": `), 0o600))

	b := NewFileBackend(path)
	b.now = func() time.Time { return time.Unix(1700000000, 0) }
	records, err := b.LoadAll(context.Background())
	require.Error(t, err)
	assert.Empty(t, records)

	_, statErr := os.Stat(path + ".corrupt-1700000000")
	require.NoError(t, statErr)
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// 损坏之后的写入从空账本开始。
	require.NoError(t, b.Put(context.Background(), Record{TenantID: "u2", Token: "tok-2"}))
	records, err = NewFileBackend(path).LoadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFileBackendQuarantinesUnexpectedShape(t *testing.T) {
	for name, body := range map[string]string{
		"non_string_value": `{"u1": 5}`,
		"nested_object":    `{"u1": {"token": "tok-1"}}`,
		"array":            `["tok-1"]`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sessions.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

			b := NewFileBackend(path)
			b.now = func() time.Time { return time.Unix(1700000000, 0) }
			records, err := b.LoadAll(context.Background())
			require.Error(t, err)
			assert.Empty(t, records)

			kept, readErr := os.ReadFile(path + ".corrupt-1700000000")
			require.NoError(t, readErr)
			assert.Equal(t, body, string(kept))
			_, statErr := os.Stat(path)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestCorruptLedgerStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("\x00\x01garbage"), 0o600))

	led := newLedger(NewFileBackend(path))
	led.Load(context.Background())
	assert.Empty(t, led.Snapshot())
}

func TestFileBackendReadsFlatLegacyFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"u1": "tok-1", "u2": "tok-2"}`), 0o600))

	records, err := NewFileBackend(path).LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", records["u1"].Token)
	assert.Equal(t, "tok-2", records["u2"].Token)
}

func TestFileBackendWritesInspectableDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	b := NewFileBackend(path)
	ctx := context.Background()
	_, err := b.LoadAll(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, Record{TenantID: "u1", Token: "tok-1"}))
	require.NoError(t, b.Put(ctx, Record{TenantID: "u1", Token: "tok-2"}))
	require.NoError(t, b.Delete(ctx, "ghost"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc fileDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, fileSchemaVersion, doc.Version)
	assert.Equal(t, "tok-2", doc.Records["u1"].Token)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(ledgerFileMode), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "temp file left behind: %s", entry.Name())
	}
}

func TestFileBackendFailedWriteKeepsOldState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	b := NewFileBackend(path)
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, Record{TenantID: "u1", Token: "tok-1"}))

	// 目标路径变成目录后 rename 会失败。
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o700))
	require.Error(t, b.Put(ctx, Record{TenantID: "u1", Token: "tok-2"}))
	assert.Equal(t, "tok-1", b.records["u1"].Token)
}
