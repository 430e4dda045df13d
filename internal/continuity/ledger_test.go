package continuity

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Monios-Control/internal/errors"
	"Monios-Control/pkg/logger"
)

// flakyBackend 在内存中保存记录，可以注入错误。
type flakyBackend struct {
	mu      sync.Mutex
	records map[string]Record
	loadErr error
	putErr  error
	delErr  error
	puts    int
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{records: make(map[string]Record)}
}

func (f *flakyBackend) LoadAll(context.Context) (map[string]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make(map[string]Record, len(f.records))
	for k, v := range f.records {
		out[k] = v
	}
	return out, nil
}

func (f *flakyBackend) Put(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.records[rec.TenantID] = rec
	return nil
}

func (f *flakyBackend) Delete(_ context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	delete(f.records, tenantID)
	return nil
}

func (f *flakyBackend) Close() error { return nil }

func newLedger(backend Backend) *Ledger {
	return NewLedger(backend, WithLogger(logger.Discard()))
}

func TestRecordThenResolve(t *testing.T) {
	ctx := context.Background()
	led := newLedger(NewFileBackend(filepath.Join(t.TempDir(), "sessions.json")))
	led.Load(ctx)

	assert.Equal(t, "", led.Resolve("u1", ""))
	require.NoError(t, led.Record(ctx, "u1", "tok-1"))
	assert.Equal(t, "tok-1", led.Resolve("u1", ""))
	assert.Equal(t, "explicit", led.Resolve("u1", "explicit"))
	assert.Equal(t, "explicit", led.Resolve("nobody", "explicit"))

	require.NoError(t, led.Record(ctx, "u1", "tok-2"))
	assert.Len(t, led.Snapshot(), 1)
	assert.Equal(t, "tok-2", led.Resolve("u1", ""))
}

func TestRecordSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	first := NewLedger(NewFileBackend(path), WithLogger(logger.Discard()), WithClock(func() time.Time { return now }))
	first.Load(ctx)
	require.NoError(t, first.Record(ctx, "u1", "tok-1"))
	require.NoError(t, first.Record(ctx, "u2", "tok-9"))
	existed, err := first.Clear(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, existed)

	second := newLedger(NewFileBackend(path))
	second.Load(ctx)
	rec, ok := second.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, "tok-1", rec.Token)
	assert.True(t, now.Equal(rec.UpdatedAt))
	_, ok = second.Lookup("u2")
	assert.False(t, ok)
}

func TestPersistenceFailureKeepsMemoryValue(t *testing.T) {
	ctx := context.Background()
	backend := newFlakyBackend()
	backend.putErr = errors.New("disk full")
	led := newLedger(backend)
	led.Load(ctx)

	err := led.Record(ctx, "u1", "tok-1")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePersistenceFailure, xerrors.CodeOf(err))
	assert.Equal(t, "tok-1", led.Resolve("u1", ""))
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	backend := newFlakyBackend()
	backend.loadErr = errors.New("connection refused")
	led := newLedger(backend)
	led.Load(context.Background())
	assert.Empty(t, led.Snapshot())
}

func TestLoadDropsBlankRecords(t *testing.T) {
	backend := newFlakyBackend()
	backend.records["u1"] = Record{Token: "tok-1"}
	backend.records["u2"] = Record{Token: ""}
	led := newLedger(backend)
	led.Load(context.Background())

	snap := led.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "u1", snap["u1"].TenantID)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	backend := newFlakyBackend()
	led := newLedger(backend)
	led.Load(ctx)

	existed, err := led.Clear(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, led.Record(ctx, "u1", "tok-1"))
	backend.delErr = errors.New("io")
	existed, err = led.Clear(ctx, "u1")
	assert.True(t, existed)
	assert.Equal(t, xerrors.CodePersistenceFailure, xerrors.CodeOf(err))
	assert.Equal(t, "", led.Resolve("u1", ""))
}

func TestRecordValidatesInput(t *testing.T) {
	led := newLedger(newFlakyBackend())
	err := led.Record(context.Background(), "", "tok")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	err = led.Record(context.Background(), "u1", "")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestConcurrentRecordsKeepOneRecordPerTenant(t *testing.T) {
	ctx := context.Background()
	backend := newFlakyBackend()
	led := newLedger(backend)
	led.Load(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant := []string{"a", "b"}[i%2]
			assert.NoError(t, led.Record(ctx, tenant, "tok"))
		}(i)
	}
	wg.Wait()

	assert.Len(t, led.Snapshot(), 2)
	assert.Equal(t, 50, backend.puts)
	assert.Len(t, backend.records, 2)
}
