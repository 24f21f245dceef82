package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestControllerGlobalCap blocks the N+1th acquire until a lease is released.
func TestControllerGlobalCap(t *testing.T) {
	t.Parallel()

	ctrl := newController(Config{Name: "test", Workers: 2, PerPartition: 2})
	ctx := context.Background()

	first, err := ctrl.Acquire(ctx, "a")
	require.NoError(t, err)
	second, err := ctrl.Acquire(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 2, ctrl.InFlight())

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = ctrl.Acquire(waitCtx, "c")
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	first.Release()
	third, err := ctrl.Acquire(ctx, "c")
	require.NoError(t, err)
	third.Release()
	second.Release()
	require.Equal(t, 0, ctrl.InFlight())
}

// TestControllerPartitionCap keeps one partition from starving the pool.
func TestControllerPartitionCap(t *testing.T) {
	t.Parallel()

	ctrl := newController(Config{Name: "test", Workers: 4, PerPartition: 1})
	ctx := context.Background()

	busy, err := ctrl.Acquire(ctx, "hot")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = ctrl.Acquire(waitCtx, "hot")
	require.Error(t, err, "second concurrent item on one partition must wait")

	other, err := ctrl.Acquire(ctx, "cold")
	require.NoError(t, err, "a different partition is unaffected by the hot one")
	other.Release()

	busy.Release()
	again, err := ctrl.Acquire(ctx, "hot")
	require.NoError(t, err)
	again.Release()
}

// TestControllerPacingSpacesGrants verifies consecutive grants on one
// partition are at least the configured delay apart, with no delay on the
// first grant.
func TestControllerPacingSpacesGrants(t *testing.T) {
	t.Parallel()

	const delay = 40 * time.Millisecond
	ctrl := newController(Config{Name: "test", Workers: 2, PerPartition: 2, RateLimitDelay: delay})
	ctx := context.Background()

	start := time.Now()
	var grants []time.Time
	for i := 0; i < 3; i++ {
		lease, err := ctrl.Acquire(ctx, "paced")
		require.NoError(t, err)
		grants = append(grants, time.Now())
		lease.Release()
	}

	require.Less(t, grants[0].Sub(start), delay, "first grant must not be delayed")
	// The limiter enforces the spacing; allow for coarse timers.
	require.GreaterOrEqual(t, grants[1].Sub(grants[0]), delay-5*time.Millisecond)
	require.GreaterOrEqual(t, grants[2].Sub(grants[1]), delay-5*time.Millisecond)
}

// TestControllerBudgetLatchIsTerminal denies every acquire once spend crosses
// the budget, no matter how much later capacity frees up.
func TestControllerBudgetLatchIsTerminal(t *testing.T) {
	t.Parallel()

	ctrl := newController(Config{Name: "test", Workers: 2, PerPartition: 2, Budget: 10})
	ctx := context.Background()

	require.False(t, ctrl.BudgetExhausted())
	ctrl.AddCost(Cost{Amount: 6})
	require.False(t, ctrl.BudgetExhausted())
	ctrl.AddCost(Cost{Amount: 6})
	require.True(t, ctrl.BudgetExhausted())
	require.InDelta(t, 12.0, ctrl.Spent(), 1e-9)

	for i := 0; i < 3; i++ {
		_, err := ctrl.Acquire(ctx, "any")
		require.ErrorIs(t, err, ErrBudgetExhausted)
	}
	require.Equal(t, 0, ctrl.InFlight())
}

// TestControllerZeroBudgetNeverLatches treats zero as unlimited.
func TestControllerZeroBudgetNeverLatches(t *testing.T) {
	t.Parallel()

	ctrl := newController(Config{Name: "test", Workers: 1, PerPartition: 1})
	ctrl.AddCost(Cost{Amount: 1e12})
	require.False(t, ctrl.BudgetExhausted())

	lease, err := ctrl.Acquire(context.Background(), "a")
	require.NoError(t, err)
	lease.Release()
}

// TestControllerRechecksBudgetAfterGates covers the latch crossing while an
// acquire is parked on a slot: the grant must be revoked, not honored.
func TestControllerRechecksBudgetAfterGates(t *testing.T) {
	t.Parallel()

	ctrl := newController(Config{Name: "test", Workers: 1, PerPartition: 1, Budget: 5})
	ctx := context.Background()

	holder, err := ctrl.Acquire(ctx, "a")
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := ctrl.Acquire(ctx, "a")
		result <- err
	}()

	// Let the second acquire park on the global slot, then trip the latch
	// and free the slot it is waiting for.
	time.Sleep(20 * time.Millisecond)
	ctrl.AddCost(Cost{Amount: 5})
	holder.Release()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrBudgetExhausted)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire did not resolve")
	}
	require.Equal(t, 0, ctrl.InFlight())
}

// TestLeaseReleaseIdempotent makes double release a no-op so deferred and
// explicit releases can coexist.
func TestLeaseReleaseIdempotent(t *testing.T) {
	t.Parallel()

	ctrl := newController(Config{Name: "test", Workers: 1, PerPartition: 1})
	ctx := context.Background()

	lease, err := ctrl.Acquire(ctx, "a")
	require.NoError(t, err)
	lease.Release()
	lease.Release()
	require.Equal(t, 0, ctrl.InFlight())

	next, err := ctrl.Acquire(ctx, "a")
	require.NoError(t, err)
	next.Release()
	next.Release()
	require.Equal(t, 0, ctrl.InFlight())
}

// TestControllerAcquireCanceledWhileBlocked unwinds partial grants when the
// caller gives up, leaving capacity intact.
func TestControllerAcquireCanceledWhileBlocked(t *testing.T) {
	t.Parallel()

	ctrl := newController(Config{Name: "test", Workers: 1, PerPartition: 1})
	ctx := context.Background()

	holder, err := ctrl.Acquire(ctx, "a")
	require.NoError(t, err)

	blocked, cancel := context.WithCancel(ctx)
	result := make(chan error, 1)
	go func() {
		_, err := ctrl.Acquire(blocked, "a")
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("canceled acquire did not return")
	}

	holder.Release()
	lease, err := ctrl.Acquire(ctx, "a")
	require.NoError(t, err, "capacity must survive an abandoned acquire")
	lease.Release()
}
