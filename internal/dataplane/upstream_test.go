package dataplane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitCycleIdle blocks until the previous Cycle's background respawn
// goroutine has cleared the pool's cycling flag; until then Cycle returns
// ErrCycleInFlight regardless of the coalescing window.
func waitCycleIdle(t *testing.T, pool *UpstreamPool) {
	t.Helper()
	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return !pool.cycling
	}, time.Second, time.Millisecond)
}

func testPool(t *testing.T, coalesceWinUs int64) (*UpstreamPool, *fakeSupervisor) {
	t.Helper()
	sup := newFakeSupervisor()
	sandbox := Endpoint{Addr: [4]byte{127, 0, 0, 1}, Port: 9999}
	pool := NewUpstreamPool([]int{8881, 8882, 8883}, sandbox, sup, coalesceWinUs)
	return pool, sup
}

func TestUpstreamPool_ActiveEndpointStartsAtZero(t *testing.T) {
	pool, _ := testPool(t, 0)
	ep, idx := pool.ActiveEndpoint()
	assert.Equal(t, 0, idx)
	assert.Equal(t, 8881, ep.Port)
}

func TestUpstreamPool_StartAllLaunchesEveryReplica(t *testing.T) {
	pool, sup := testPool(t, 0)
	require.NoError(t, pool.StartAll(context.Background()))
	assert.True(t, sup.isRunning(0))
	assert.True(t, sup.isRunning(1))
	assert.True(t, sup.isRunning(2))
}

func TestUpstreamPool_CyclePromotesNextIndex(t *testing.T) {
	pool, sup := testPool(t, 0)
	require.NoError(t, pool.StartAll(context.Background()))

	require.NoError(t, pool.Cycle(context.Background(), 1000))
	_, idx := pool.ActiveEndpoint()
	assert.Equal(t, 1, idx)

	// fakeSupervisor.Wait returns immediately and does not wait for the
	// async respawn goroutine; it only confirms the fake accepts the call.
	require.NoError(t, sup.Wait(0))
}

func TestUpstreamPool_CycleWrapsAround(t *testing.T) {
	pool, _ := testPool(t, 0)

	for i := 1; i <= 3; i++ {
		waitCycleIdle(t, pool)
		require.NoError(t, pool.Cycle(context.Background(), int64(i*1000)))
	}
	_, idx := pool.ActiveEndpoint()
	assert.Equal(t, 0, idx, "three cycles over a three-replica pool returns to index 0")
}

func TestUpstreamPool_CycleCoalescesWithinWindow(t *testing.T) {
	pool, _ := testPool(t, 50000)

	require.NoError(t, pool.Cycle(context.Background(), 1000))
	err := pool.Cycle(context.Background(), 1000+10000)
	assert.ErrorIs(t, err, ErrCycleInFlight)

	_, idx := pool.ActiveEndpoint()
	assert.Equal(t, 1, idx, "the coalesced call must not advance the index again")
}

func TestUpstreamPool_CycleAllowsAfterWindowElapses(t *testing.T) {
	pool, _ := testPool(t, 50000)

	require.NoError(t, pool.Cycle(context.Background(), 1000))
	waitCycleIdle(t, pool)
	require.NoError(t, pool.Cycle(context.Background(), 61000))

	_, idx := pool.ActiveEndpoint()
	assert.Equal(t, 2, idx)
}

func TestUpstreamPool_SandboxEndpointConstant(t *testing.T) {
	pool, _ := testPool(t, 0)
	ep := pool.SandboxEndpoint()
	assert.Equal(t, 9999, ep.Port)
}
