package continuity

import (
	"context"
	"errors"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHash 模拟单个 Redis hash。
type fakeHash struct {
	mu     sync.Mutex
	key    string
	fields map[string]string
	err    error
	closed bool
}

func (f *fakeHash) HGetAll(_ context.Context, key string) *goredis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = key
	out := make(map[string]string, len(f.fields))
	for k, v := range f.fields {
		out[k] = v
	}
	return goredis.NewMapStringStringResult(out, f.err)
}

func (f *fakeHash) HSet(_ context.Context, key string, values ...interface{}) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = key
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	for i := 0; i+1 < len(values); i += 2 {
		f.fields[values[i].(string)] = values[i+1].(string)
	}
	return goredis.NewIntResult(int64(len(values)/2), nil)
}

func (f *fakeHash) HDel(_ context.Context, key string, fields ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = key
	for _, field := range fields {
		delete(f.fields, field)
	}
	return goredis.NewIntResult(int64(len(fields)), f.err)
}

func (f *fakeHash) Close() error {
	f.closed = true
	return nil
}

func TestRedisBackendRoundTrip(t *testing.T) {
	store := &fakeHash{fields: map[string]string{"broken": "{not json"}}
	b := newRedisBackend(store, "")
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, Record{TenantID: "u1", Token: "tok-1"}))
	assert.Equal(t, "monios:continuity", store.key)

	records, err := b.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tok-1", records["u1"].Token)

	require.NoError(t, b.Delete(ctx, "u1"))
	assert.NotContains(t, store.fields, "u1")
	require.NoError(t, b.Close())
	assert.True(t, store.closed)
}

func TestRedisBackendUnavailable(t *testing.T) {
	store := &fakeHash{fields: map[string]string{}, err: errors.New("dial tcp: refused")}
	led := newLedger(newRedisBackend(store, "custom"))
	ctx := context.Background()

	led.Load(ctx)
	assert.Empty(t, led.Snapshot())
	assert.Error(t, led.Record(ctx, "u1", "tok-1"))
	assert.Equal(t, "custom", store.key)
}
