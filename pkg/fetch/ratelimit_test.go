package fetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRateLimiter(interval time.Duration) *RateLimiter {
	rl := NewRateLimiter(interval, testLogger())
	rl.jitter = false
	return rl
}

func TestWaitForDomain_FirstRequestIsImmediate(t *testing.T) {
	rl := newTestRateLimiter(time.Second)

	start := time.Now()
	require.NoError(t, rl.WaitForDomain(context.Background(), "example.com"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitForDomain_EnforcesMinimumInterval(t *testing.T) {
	interval := 60 * time.Millisecond
	rl := newTestRateLimiter(interval)
	ctx := context.Background()

	require.NoError(t, rl.WaitForDomain(ctx, "example.com"))
	start := time.Now()
	require.NoError(t, rl.WaitForDomain(ctx, "example.com"))
	assert.GreaterOrEqual(t, time.Since(start), interval-5*time.Millisecond)
}

func TestWaitForDomain_DomainsAreIndependent(t *testing.T) {
	rl := newTestRateLimiter(time.Second)
	ctx := context.Background()

	require.NoError(t, rl.WaitForDomain(ctx, "a.example"))
	start := time.Now()
	require.NoError(t, rl.WaitForDomain(ctx, "b.example"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	rl.mu.Lock()
	assert.Len(t, rl.slots, 2)
	rl.mu.Unlock()
}

func TestWaitForDomain_ConcurrentCallsSerialize(t *testing.T) {
	interval := 20 * time.Millisecond
	rl := newTestRateLimiter(interval)

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, rl.WaitForDomain(context.Background(), "same.example"))
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, stamps, 4)
	first, last := stamps[0], stamps[0]
	for _, s := range stamps {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), 3*interval-10*time.Millisecond)
}

func TestWaitForDomain_RespectsContextCancellation(t *testing.T) {
	rl := newTestRateLimiter(5 * time.Second)
	require.NoError(t, rl.WaitForDomain(context.Background(), "slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := rl.WaitForDomain(ctx, "slow.example")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
