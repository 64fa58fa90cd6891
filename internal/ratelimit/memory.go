package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/spotherd/spotherd/internal/clock"
)

// bucket tracks the remaining tokens for one key.
type bucket struct {
	tokens   float64
	refilled time.Time
}

// MemoryLimiter is a per-process token bucket Limiter. Each key refills at
// rate tokens per second up to a burst ceiling. A janitor goroutine drops
// buckets idle past bucketIdleTTL so a fleet of short-lived agents cannot
// grow the map without bound.
type MemoryLimiter struct {
	rate  float64
	burst float64
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket

	closeOnce sync.Once
	done      chan struct{}
}

const (
	bucketIdleTTL = 10 * time.Minute
	janitorPeriod = time.Minute
)

// NewMemoryLimiter creates a token bucket limiter allowing rate requests per
// second per key, with bursts up to burst. Call Close to stop the janitor.
func NewMemoryLimiter(rate float64, burst int, clk clock.Clock) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		clock:   clk,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow consumes one token for key, reporting whether one was available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	b, ok := m.buckets[key]
	if !ok {
		// First sighting of this key: a full bucket minus this request.
		m.buckets[key] = &bucket{tokens: m.burst - 1, refilled: now}
		return true, nil
	}

	b.tokens += now.Sub(b.refilled).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.refilled = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the janitor. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) janitor() {
	ticker := m.clock.NewTicker(janitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C():
			m.dropIdle()
		}
	}
}

func (m *MemoryLimiter) dropIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-bucketIdleTTL)
	for key, b := range m.buckets {
		if b.refilled.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
