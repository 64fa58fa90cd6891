package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceDeliversTick(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := NewFake(start)
	assert.Equal(t, start, clk.Now())

	ticker := clk.NewTicker(time.Minute)
	defer ticker.Stop()

	clk.Advance(30 * time.Second)
	assert.Equal(t, start.Add(30*time.Second), clk.Now())

	select {
	case at := <-ticker.C():
		assert.Equal(t, start.Add(30*time.Second), at)
	default:
		t.Fatal("expected a tick after Advance")
	}
}

func TestFakeConcurrentReaders(t *testing.T) {
	clk := NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	// Reads racing with advances; the race detector trips if Fake is
	// unsynchronized.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = clk.Now()
			}
		}()
	}
	for range 100 {
		clk.Advance(time.Second)
	}
	wg.Wait()

	require.Equal(t,
		time.Date(2026, 3, 1, 12, 1, 40, 0, time.UTC),
		clk.Now(),
	)
}
