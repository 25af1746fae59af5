package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fiatoracle/internal/asset"
)

func TestSlidingWindow_AdmitsUpToLimitImmediately(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindow(3, time.Minute)
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(t.Context()))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 3, l.InWindow())
}

func TestSlidingWindow_OverLimitWaitsForWindow(t *testing.T) {
	t.Parallel()

	const window = 200 * time.Millisecond
	l := NewSlidingWindow(2, window)

	start := time.Now()
	require.NoError(t, l.Acquire(t.Context()))
	require.NoError(t, l.Acquire(t.Context()))

	// Act: the third call must wait for the first to leave the window
	require.NoError(t, l.Acquire(t.Context()))
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, window-10*time.Millisecond)
	require.Less(t, elapsed, window+150*time.Millisecond)
}

func TestSlidingWindow_FIFOOrder(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindow(1, 30*time.Millisecond)
	require.NoError(t, l.Acquire(t.Context()))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		// stagger arrivals so the queue order is well defined
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestSlidingWindow_ContextCanceled(t *testing.T) {
	t.Parallel()

	l := NewSlidingWindow(1, time.Hour)
	require.NoError(t, l.Acquire(t.Context()))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)
}

func TestSlidingWindow_PrunesWithClock(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewSlidingWindow(2, time.Second, WithClock(func() time.Time { return now }))
	require.NoError(t, l.Acquire(t.Context()))
	require.NoError(t, l.Acquire(t.Context()))
	require.Equal(t, 2, l.InWindow())

	now = now.Add(time.Second)
	require.Equal(t, 0, l.InWindow())
}

func TestRegistry_PerNetwork(t *testing.T) {
	t.Parallel()

	r := &Registry{Limit: 1, Window: time.Hour}
	main := r.For(asset.Mainnet)
	require.Same(t, main, r.For(asset.Mainnet))
	require.NotSame(t, main, r.For(asset.Testnet))

	// a full mainnet budget does not block testnet
	require.NoError(t, main.Acquire(t.Context()))
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.For(asset.Testnet).Acquire(ctx))
}
