package sandbox

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
	"Monios-Control/pkg/logger"
)

func newTestPool(platform Platform, policy StalePolicy) *Pool {
	return NewPool(platform, Config{
		Image:       "python:3.12-slim",
		Secrets:     map[string]string{"API_KEY": "k"},
		StalePolicy: policy,
	}, WithLogger(logger.Discard()), WithMetrics(metrics.New()))
}

func TestStatusTransitionsOnlyMoveForward(t *testing.T) {
	allowed := map[Status][]Status{
		StatusProvisioning: {StatusReady, StatusTerminated},
		StatusReady:        {StatusStale, StatusTerminated},
		StatusStale:        {StatusTerminated},
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	h := &handle{Handle: Handle{Status: StatusStale}}
	assert.ErrorIs(t, h.transition(StatusReady), ErrInvalidTransition)
	assert.Equal(t, StatusStale, h.Status)
}

func TestEnsureProvisionsOnceAndReuses(t *testing.T) {
	platform := NewMemoryPlatform()
	pool := newTestPool(platform, StalePolicyReuse)
	ctx := context.Background()

	first, err := pool.Ensure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, first.Status)
	assert.NotEmpty(t, first.ID)
	assert.NotEmpty(t, first.Endpoint)

	second, err := pool.Ensure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	provisions := platform.Provisions()
	require.Len(t, provisions, 1)
	assert.Equal(t, "python:3.12-slim", provisions[0].Image)
	assert.Equal(t, "k", provisions[0].Secrets["API_KEY"])
}

func TestConcurrentEnsureCoalesces(t *testing.T) {
	platform := NewMemoryPlatform()
	platform.Gate = make(chan struct{})
	pool := newTestPool(platform, StalePolicyReuse)

	const callers = 12
	handles := make([]Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := pool.Ensure(context.Background(), "shared")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	require.Eventually(t, func() bool { return len(platform.Provisions()) == 1 }, time.Second, time.Millisecond)
	close(platform.Gate)
	wg.Wait()

	assert.Len(t, platform.Provisions(), 1)
	for _, h := range handles {
		assert.Equal(t, handles[0].ID, h.ID)
	}
}

func TestDistinctKeysProvisionIndependently(t *testing.T) {
	slow := NewMemoryPlatform()
	slow.Gate = make(chan struct{})
	pool := newTestPool(slow, StalePolicyReuse)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = pool.Ensure(context.Background(), "blocked")
	}()
	require.Eventually(t, func() bool { return len(slow.Provisions()) == 1 }, time.Second, time.Millisecond)

	// 第二个键也在平台内排队，说明它没有被第一个键的创建阻塞在池内。
	go func() { _, _ = pool.Ensure(context.Background(), "other") }()
	require.Eventually(t, func() bool { return len(slow.Provisions()) == 2 }, time.Second, time.Millisecond)

	close(slow.Gate)
	<-done
}

func TestProvisioningFailureLeavesNoHandle(t *testing.T) {
	platform := NewMemoryPlatform()
	platform.ProvisionErr = errors.New("quota exceeded")
	pool := newTestPool(platform, StalePolicyReuse)

	_, err := pool.Ensure(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeProvisioningFailure, xerrors.CodeOf(err))
	_, ok := pool.Get("u1")
	assert.False(t, ok)
	assert.Empty(t, pool.List())

	platform.mu.Lock()
	platform.ProvisionErr = nil
	platform.mu.Unlock()
	h, err := pool.Ensure(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, h.Status)
}

func TestRefreshArtifactMarksReadyHandlesStale(t *testing.T) {
	platform := NewMemoryPlatform()
	pool := newTestPool(platform, StalePolicyReuse)
	ctx := context.Background()

	v1 := Artifact{Version: "art-v1", Source: "/srv/app"}
	require.NoError(t, pool.RefreshArtifact(ctx, v1))
	before, err := pool.Ensure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "art-v1", before.ArtifactVersion)

	require.NoError(t, pool.RefreshArtifact(ctx, Artifact{Version: "art-v2", Source: "/srv/app"}))
	stale, ok := pool.Get("u1")
	require.True(t, ok)
	assert.Equal(t, StatusStale, stale.Status)
	assert.Equal(t, "art-v1", stale.ArtifactVersion)

	// 默认策略继续复用过期句柄，不会重启。
	reused, err := pool.Ensure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before.ID, reused.ID)
	assert.Len(t, platform.Provisions(), 1)
	assert.Empty(t, platform.Teardowns())

	fresh, err := pool.Ensure(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "art-v2", fresh.ArtifactVersion)
	assert.Equal(t, StatusReady, fresh.Status)

	commits := platform.Commits()
	require.Len(t, commits, 2)
	assert.Equal(t, "/app", commits[1].MountPath)
	assert.Equal(t, "art-v2", pool.Current().Version)
}

func TestRefreshArtifactSameVersionIsNoop(t *testing.T) {
	platform := NewMemoryPlatform()
	pool := newTestPool(platform, StalePolicyReuse)
	ctx := context.Background()

	require.NoError(t, pool.RefreshArtifact(ctx, Artifact{Version: "art-v1"}))
	require.NoError(t, pool.RefreshArtifact(ctx, Artifact{Version: "art-v1"}))
	assert.Len(t, platform.Commits(), 1)
}

func TestRefreshArtifactCommitFailureKeepsCurrent(t *testing.T) {
	platform := NewMemoryPlatform()
	pool := newTestPool(platform, StalePolicyReuse)
	ctx := context.Background()
	require.NoError(t, pool.RefreshArtifact(ctx, Artifact{Version: "art-v1"}))
	_, err := pool.Ensure(ctx, "u1")
	require.NoError(t, err)

	platform.mu.Lock()
	platform.CommitErr = errors.New("volume busy")
	platform.mu.Unlock()
	err = pool.RefreshArtifact(ctx, Artifact{Version: "art-v2"})
	require.Error(t, err)
	assert.Equal(t, CodeArtifactCommitFailure, xerrors.CodeOf(err))
	assert.True(t, xerrors.ShouldAlert(err))

	assert.Equal(t, "art-v1", pool.Current().Version)
	h, _ := pool.Get("u1")
	assert.Equal(t, StatusReady, h.Status)
}

func TestReprovisionPolicyReplacesStaleHandle(t *testing.T) {
	platform := NewMemoryPlatform()
	pool := newTestPool(platform, StalePolicyReprovision)
	ctx := context.Background()

	require.NoError(t, pool.RefreshArtifact(ctx, Artifact{Version: "art-v1"}))
	old, err := pool.Ensure(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, pool.RefreshArtifact(ctx, Artifact{Version: "art-v2"}))

	fresh, err := pool.Ensure(ctx, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, "art-v2", fresh.ArtifactVersion)
	assert.Equal(t, StatusReady, fresh.Status)
	assert.Equal(t, []string{old.Endpoint}, platform.Teardowns())
	assert.Equal(t, 1, platform.Live())
}

func TestTeardownIsIdempotentAndLogsFailures(t *testing.T) {
	platform := NewMemoryPlatform()
	pool := newTestPool(platform, StalePolicyReuse)
	ctx := context.Background()

	h, err := pool.Ensure(ctx, "u1")
	require.NoError(t, err)

	platform.mu.Lock()
	platform.TeardownErr = errors.New("platform unavailable")
	platform.mu.Unlock()
	assert.True(t, pool.Teardown(ctx, "u1"))
	assert.False(t, pool.Teardown(ctx, "u1"))
	assert.Equal(t, []string{h.Endpoint}, platform.Teardowns())

	// 回收后的句柄不会被复用。
	next, err := pool.Ensure(ctx, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, next.ID)
}

func TestTeardownDuringProvisioningDiscardsResult(t *testing.T) {
	platform := NewMemoryPlatform()
	platform.Gate = make(chan struct{})
	pool := newTestPool(platform, StalePolicyReuse)

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Ensure(context.Background(), "u1")
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		h, ok := pool.Get("u1")
		return ok && h.Status == StatusProvisioning
	}, time.Second, time.Millisecond)

	assert.True(t, pool.Teardown(context.Background(), "u1"))
	close(platform.Gate)

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeProvisioningFailure, xerrors.CodeOf(err))
	_, ok := pool.Get("u1")
	assert.False(t, ok)
	assert.Equal(t, 0, platform.Live())
}

func TestEnsureCallerCancellationDoesNotAbortProvisioning(t *testing.T) {
	platform := NewMemoryPlatform()
	platform.Gate = make(chan struct{})
	pool := newTestPool(platform, StalePolicyReuse)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Ensure(ctx, "u1")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(platform.Provisions()) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(<-errCh))

	close(platform.Gate)
	require.Eventually(t, func() bool {
		h, ok := pool.Get("u1")
		return ok && h.Status == StatusReady
	}, time.Second, time.Millisecond)
	_, err := pool.Ensure(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, platform.Provisions(), 1)
}

func TestCloseTearsDownEverything(t *testing.T) {
	platform := NewMemoryPlatform()
	pool := newTestPool(platform, StalePolicyReuse)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		_, err := pool.Ensure(ctx, key)
		require.NoError(t, err)
	}
	assert.Len(t, pool.List(), 3)
	assert.Equal(t, "a", pool.List()[0].TenantKey)

	pool.Close(ctx)
	assert.Empty(t, pool.List())
	assert.Equal(t, 0, platform.Live())

	_, err := pool.Ensure(ctx, "a")
	assert.Equal(t, xerrors.CodeProvisioningFailure, xerrors.CodeOf(err))
}

func TestEnsureRejectsEmptyKey(t *testing.T) {
	pool := newTestPool(NewMemoryPlatform(), StalePolicyReuse)
	_, err := pool.Ensure(context.Background(), "")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
