package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	g := New(2)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))
	assert.Equal(t, 2, g.InFlight())

	g.Release()
	assert.Equal(t, 1, g.InFlight())
	g.Release()
	assert.Equal(t, 0, g.InFlight())
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	g := New(1)
	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = g.Acquire(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should not have succeeded while gate is full")
	case <-time.After(30 * time.Millisecond):
	}

	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not unblock after release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFIFOOrderingUnderContention(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Acquire(context.Background()))

	const n = 5
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
		}(i)
		time.Sleep(5 * time.Millisecond) // stagger enqueue order
	}

	g.Release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
