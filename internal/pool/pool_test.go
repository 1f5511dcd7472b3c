package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isol8/internal/containerhost"
	"isol8/internal/model"
)

func countingCreator(counter *int64) Creator {
	return func(ctx context.Context, host containerhost.Host, image string) (string, error) {
		n := atomic.AddInt64(counter, 1)
		return host.Create(ctx, containerhost.CreateSpec{Image: fmt.Sprintf("%s-%d", image, n)})
	}
}

func noopCleaner(ctx context.Context, host containerhost.Host, containerID string, mode model.NetworkMode) error {
	return nil
}

func failingCleaner(ctx context.Context, host containerhost.Host, containerID string, mode model.NetworkMode) error {
	return assert.AnError
}

func TestSecureAcquireCreatesInlineWhenEmpty(t *testing.T) {
	host := containerhost.NewFakeHost()
	var created int64
	p := New(Config{Strategy: model.PoolSecure, CleanCap: 2}, host, noopCleaner, countingCreator(&created))

	id, err := p.Acquire(context.Background(), "python:3.12-slim")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int64(1), atomic.LoadInt64(&created))
}

func TestSecureAcquireReusesReleasedContainer(t *testing.T) {
	host := containerhost.NewFakeHost()
	var created int64
	p := New(Config{Strategy: model.PoolSecure, CleanCap: 2}, host, noopCleaner, countingCreator(&created))

	id, err := p.Acquire(context.Background(), "img")
	require.NoError(t, err)
	p.Release(context.Background(), "img", id)

	assert.Eventually(t, func() bool { return p.CleanLen("img") == 1 }, time.Second, time.Millisecond)

	id2, err := p.Acquire(context.Background(), "img")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestSecureReleaseDestroysWhenCleanQueueFull(t *testing.T) {
	host := containerhost.NewFakeHost()
	var created int64
	p := New(Config{Strategy: model.PoolSecure, CleanCap: 1}, host, noopCleaner, countingCreator(&created))

	a, err := p.Acquire(context.Background(), "img")
	require.NoError(t, err)
	b, err := p.Acquire(context.Background(), "img")
	require.NoError(t, err)

	p.Release(context.Background(), "img", a)
	p.Release(context.Background(), "img", b)

	assert.Eventually(t, func() bool { return host.ContainerCount() == 1 }, time.Second, time.Millisecond)
}

func TestSecureAcquireDestroysOnFailedCleanup(t *testing.T) {
	host := containerhost.NewFakeHost()
	var created int64
	p := New(Config{Strategy: model.PoolSecure, CleanCap: 2}, host, failingCleaner, countingCreator(&created))

	id, err := p.Acquire(context.Background(), "img")
	require.NoError(t, err)
	p.Release(context.Background(), "img", id)
	assert.Eventually(t, func() bool { return p.CleanLen("img") == 1 }, time.Second, time.Millisecond)

	id2, err := p.Acquire(context.Background(), "img")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2, "failed cleanup must destroy and create fresh, never hand back a dirty container")
}

func TestFastAcquireAndReclaimMovesDirtyToClean(t *testing.T) {
	host := containerhost.NewFakeHost()
	var created int64
	p := New(Config{Strategy: model.PoolFast, CleanCap: 2, DirtyCap: 4, Reclaim: 2 * time.Millisecond}, host, noopCleaner, countingCreator(&created))
	defer p.Drain(context.Background())

	id, err := p.Acquire(context.Background(), "img")
	require.NoError(t, err)
	p.Release(context.Background(), "img", id)

	// One clean container comes from the background top-up started by the
	// empty-queue acquire, the other is the released one the reclaimer moved.
	assert.Eventually(t, func() bool { return p.CleanLen("img") == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, p.DirtyLen("img"))
}

func TestDrainRemovesAllTrackedContainers(t *testing.T) {
	host := containerhost.NewFakeHost()
	var created int64
	p := New(Config{Strategy: model.PoolFast, CleanCap: 2, DirtyCap: 4, Reclaim: 2 * time.Millisecond}, host, noopCleaner, countingCreator(&created))

	id, err := p.Acquire(context.Background(), "img")
	require.NoError(t, err)
	p.Release(context.Background(), "img", id)

	p.Drain(context.Background())
	assert.Equal(t, 0, host.ContainerCount())
}

func TestWarmBlocksUntilCleanCapReached(t *testing.T) {
	host := containerhost.NewFakeHost()
	var created int64
	p := New(Config{Strategy: model.PoolSecure, CleanCap: 3}, host, noopCleaner, countingCreator(&created))

	require.NoError(t, p.Warm(context.Background(), "img"))
	assert.Equal(t, 3, p.CleanLen("img"))
}
