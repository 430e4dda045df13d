package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Monios-Control/internal/errors"
	"Monios-Control/internal/observability/metrics"
	"Monios-Control/internal/runtime"
	"Monios-Control/internal/runtime/runtimetest"
	"Monios-Control/pkg/logger"
)

func newTestStore(connector runtime.Connector) *Store {
	return NewStore(connector, runtime.Options{SystemPrompt: "sys", MaxTurns: 10},
		WithLogger(logger.Discard()), WithMetrics(metrics.New()))
}

func TestConcurrentGetOrCreateConnectsOnce(t *testing.T) {
	gate := make(chan struct{})
	fake := &runtimetest.Connector{Gate: gate}
	store := newTestStore(fake)

	const callers = 16
	results := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := store.GetOrCreate(context.Background(), "u1")
			assert.NoError(t, err)
			results[i] = sess
		}(i)
	}
	// 等待第一个调用进入 Connect 后再放行。
	require.Eventually(t, func() bool { return fake.Connects() == 1 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, fake.Connects())
	assert.Equal(t, 1, store.Len())
	for _, sess := range results {
		assert.Same(t, results[0], sess)
	}
	assert.Equal(t, "u1", fake.Conns()[0].Options.TenantID)
	assert.Equal(t, "sys", fake.Conns()[0].Options.SystemPrompt)
}

func TestDifferentTenantsDoNotBlockEachOther(t *testing.T) {
	blocked := &runtimetest.Connector{Gate: make(chan struct{})}
	free := &runtimetest.Connector{}
	store := newTestStore(runtime.ConnectorFunc(func(ctx context.Context, opts runtime.Options) (runtime.Conn, error) {
		if opts.TenantID == "slow" {
			return blocked.Connect(ctx, opts)
		}
		return free.Connect(ctx, opts)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := store.GetOrCreate(ctx, "slow")
		done <- err
	}()
	require.Eventually(t, func() bool { return blocked.Connects() == 1 }, time.Second, time.Millisecond)

	_, err := store.GetOrCreate(context.Background(), "fast")
	require.NoError(t, err)

	cancel()
	err = <-done
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConnectionFailure, xerrors.CodeOf(err))
	_, ok := store.Get("slow")
	assert.False(t, ok)
}

func TestConnectFailureIsCodedAndNotStored(t *testing.T) {
	fake := &runtimetest.Connector{ConnectErr: errors.New("auth rejected")}
	store := newTestStore(fake)

	_, err := store.GetOrCreate(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, xerrors.Degradable(err))
	assert.Zero(t, store.Len())

	_, err = store.GetOrCreate(context.Background(), "")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestRemoveIsIdempotentAndInvalidatesHolders(t *testing.T) {
	fake := &runtimetest.Connector{CloseErr: errors.New("already gone")}
	store := newTestStore(fake)

	sess, err := store.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)

	assert.True(t, store.Remove(context.Background(), "u1"))
	assert.False(t, store.Remove(context.Background(), "u1"))
	assert.True(t, fake.Conns()[0].Closed())
	assert.True(t, sess.Evicted())

	_, err = sess.Dispatch(context.Background(), runtime.Request{Message: "late"})
	assert.ErrorIs(t, err, ErrSessionEvicted)

	fresh, err := store.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotSame(t, sess, fresh)
	assert.Equal(t, 2, fake.Connects())
}

func TestEvictOnlyRemovesMatchingSession(t *testing.T) {
	fake := &runtimetest.Connector{}
	store := newTestStore(fake)

	old, err := store.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, store.Evict(context.Background(), old, ReasonDispatchFailure))

	current, err := store.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)

	assert.False(t, store.Evict(context.Background(), old, ReasonDispatchFailure))
	got, ok := store.Get("u1")
	require.True(t, ok)
	assert.Same(t, current, got)
	assert.False(t, store.Evict(context.Background(), nil, ReasonDispatchFailure))
}

func TestDispatchSerializesPerSession(t *testing.T) {
	store := newTestStore(&runtimetest.Connector{})
	sess, err := store.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)

	first, err := sess.Dispatch(context.Background(), runtime.Request{Message: "one"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sess.Dispatch(ctx, runtime.Request{Message: "two"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	second, err := sess.Dispatch(context.Background(), runtime.Request{Message: "two"})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestListAndClose(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	fake := &runtimetest.Connector{}
	store := NewStore(fake, runtime.Options{}, WithLogger(logger.Discard()), WithClock(func() time.Time { return now }))

	for _, id := range []string{"b", "a"} {
		_, err := store.GetOrCreate(context.Background(), id)
		require.NoError(t, err)
	}
	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].TenantID)
	assert.Equal(t, now, list[0].CreatedAt)

	store.Close(context.Background())
	assert.Zero(t, store.Len())
	for _, conn := range fake.Conns() {
		assert.True(t, conn.Closed())
	}
}

func TestCloseRejectsInFlightAndLaterConnects(t *testing.T) {
	fake := &runtimetest.Connector{Gate: make(chan struct{})}
	store := newTestStore(fake)

	done := make(chan error, 1)
	go func() {
		_, err := store.GetOrCreate(context.Background(), "u1")
		done <- err
	}()
	require.Eventually(t, func() bool { return fake.Connects() == 1 }, time.Second, time.Millisecond)

	store.Close(context.Background())
	close(fake.Gate)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
	assert.False(t, xerrors.Degradable(err))
	conns := fake.Conns()
	require.Len(t, conns, 1)
	assert.True(t, conns[0].Closed())
	assert.Zero(t, store.Len())

	_, err = store.GetOrCreate(context.Background(), "u2")
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
	assert.Equal(t, 1, fake.Connects())
}
