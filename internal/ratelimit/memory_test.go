package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotherd/spotherd/internal/clock"
)

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Now().UTC())
	m := NewMemoryLimiter(rate, burst, clk)
	t.Cleanup(func() { _ = m.Close() })
	return m, clk
}

func TestMemoryLimiterBurst(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "agent-1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be within burst", i)
	}

	ok, err := m.Allow(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clk := newTestLimiter(t, 2, 1)
	ctx := context.Background()

	ok, err := m.Allow(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "agent-1")
	require.False(t, ok)

	// At 2 tokens per second, half a second buys exactly one request.
	clk.Advance(500 * time.Millisecond)
	ok, err = m.Allow(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "agent-1")
	assert.False(t, ok)
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m, clk := newTestLimiter(t, 1000, 3)
	ctx := context.Background()

	_, err := m.Allow(ctx, "agent-1")
	require.NoError(t, err)

	// A long idle stretch must not bank more than the burst.
	clk.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "agent-1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be within burst", i)
	}
	ok, _ := m.Allow(ctx, "agent-1")
	assert.False(t, ok)
}

func TestMemoryLimiterKeysIndependent(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "agent-1")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "agent-1")
	require.False(t, ok)

	ok, err := m.Allow(ctx, "agent-2")
	require.NoError(t, err)
	assert.True(t, ok, "a different agent has its own bucket")
}

func TestMemoryLimiterDropIdle(t *testing.T) {
	m, clk := newTestLimiter(t, 10, 5)
	ctx := context.Background()

	_, err := m.Allow(ctx, "stale")
	require.NoError(t, err)

	clk.Advance(bucketIdleTTL + time.Minute)
	_, err = m.Allow(ctx, "fresh")
	require.NoError(t, err)

	m.dropIdle()

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, freshExists := m.buckets["fresh"]
	m.mu.Unlock()
	assert.False(t, staleExists)
	assert.True(t, freshExists)
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(100, 50, clock.Real{})
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "shared")
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// 100 near-simultaneous requests against a burst of 50.
	assert.GreaterOrEqual(t, allowed, 1)
	assert.LessOrEqual(t, allowed, 51)
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5, clock.Real{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(ctx, "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Close())
}
