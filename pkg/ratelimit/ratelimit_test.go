package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireBasic(t *testing.T) {
	l := New(Config{})

	p, err := l.Acquire(context.Background(), "/api/v1/ticker", EndpointWeight("/api/v1/ticker"))
	require.NoError(t, err)
	defer p.Release()

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.CurrentWeight)
	assert.Equal(t, int64(800), stats.MaxWeight)
	assert.Equal(t, 1, stats.InWindowCount)
	assert.True(t, stats.Healthy())
}

func TestAcquireWaitsWhenSaturated(t *testing.T) {
	l := New(Config{
		CeilingWeight:    10,
		SafetyMargin:     1.0,
		Window:           500 * time.Millisecond,
		BreakerThreshold: 2.0, // keep the breaker out of this test
	})

	p1, err := l.Acquire(context.Background(), "/a", 8)
	require.NoError(t, err)
	p1.Release()

	start := time.Now()
	p2, err := l.Acquire(context.Background(), "/b", 8)
	require.NoError(t, err)
	p2.Release()

	// The second acquire must have waited for the first record to fall out
	// of the window.
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, int64(1), l.Stats().Violations)
}

func TestAcquireBlockedOnContextCancel(t *testing.T) {
	l := New(Config{
		CeilingWeight:    10,
		SafetyMargin:     1.0,
		Window:           time.Minute,
		BreakerThreshold: 2.0,
	})

	p, err := l.Acquire(context.Background(), "/a", 10)
	require.NoError(t, err)
	defer p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = l.Acquire(ctx, "/b", 5)
	require.Error(t, err)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Greater(t, blocked.Wait, time.Duration(0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBreakerTripsNearCapacity(t *testing.T) {
	l := New(Config{
		CeilingWeight:    100,
		SafetyMargin:     1.0,
		Window:           time.Minute,
		BreakerThreshold: 0.90,
		BreakerCooldown:  200 * time.Millisecond,
	})

	p1, err := l.Acquire(context.Background(), "/a", 80)
	require.NoError(t, err)
	p1.Release()

	// 80 + 15 = 95% projected usage: trips the breaker and sleeps through
	// the cooldown before admitting.
	start := time.Now()
	p2, err := l.Acquire(context.Background(), "/b", 15)
	require.NoError(t, err)
	p2.Release()

	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, int64(1), l.Stats().BreakerTrips)
}

func TestConcurrencyGate(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})

	p1, err := l.Acquire(context.Background(), "/a", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "/b", 1)
	require.Error(t, err)

	// Releasing the slot unblocks the next caller.
	p1.Release()
	p2, err := l.Acquire(context.Background(), "/b", 1)
	require.NoError(t, err)
	p2.Release()
}

func TestPermitReleaseIdempotent(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})

	p, err := l.Acquire(context.Background(), "/a", 1)
	require.NoError(t, err)
	p.Release()
	p.Release() // second release must not free a slot twice

	p2, err := l.Acquire(context.Background(), "/b", 1)
	require.NoError(t, err)
	defer p2.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "/c", 1)
	assert.Error(t, err)
}

func TestWindowEviction(t *testing.T) {
	l := New(Config{
		CeilingWeight: 100,
		SafetyMargin:  1.0,
		Window:        200 * time.Millisecond,
	})

	p, err := l.Acquire(context.Background(), "/a", 10)
	require.NoError(t, err)
	p.Release()

	assert.Equal(t, int64(10), l.CurrentWeight())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int64(0), l.CurrentWeight())

	stats := l.Stats()
	assert.Equal(t, 0, stats.InWindowCount)
	assert.Equal(t, int64(1), stats.LifetimeRequests)
	assert.Equal(t, int64(10), stats.LifetimeWeight)
}

func TestAcquireRejectsNonPositiveWeight(t *testing.T) {
	l := New(Config{})
	_, err := l.Acquire(context.Background(), "/a", 0)
	assert.Error(t, err)
}

func TestTryAcquire(t *testing.T) {
	l := New(Config{
		CeilingWeight:    10,
		SafetyMargin:     1.0,
		Window:           time.Minute,
		BreakerThreshold: 2.0,
	})

	p, err := l.TryAcquire("/a", 8)
	require.NoError(t, err)
	defer p.Release()

	_, err = l.TryAcquire("/b", 5)
	require.Error(t, err)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Greater(t, blocked.Wait, time.Duration(0))
}

func TestTryAcquireBreakerOpen(t *testing.T) {
	l := New(Config{
		CeilingWeight:    100,
		SafetyMargin:     1.0,
		Window:           time.Minute,
		BreakerThreshold: 0.90,
		BreakerCooldown:  10 * time.Second,
	})

	// Trip the breaker through the blocking path; acquire waits out the
	// cooldown before admitting, so bound the test with a short context and
	// inspect the breaker afterwards.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _ = l.Acquire(ctx, "/a", 95)

	_, err := l.TryAcquire("/b", 1)
	require.Error(t, err)

	var open *BreakerOpenError
	require.ErrorAs(t, err, &open)
	assert.Greater(t, open.Remaining, time.Duration(0))
}

func TestEndpointWeight(t *testing.T) {
	cases := []struct {
		endpoint string
		want     int64
	}{
		{"/api/v1/ticker?symbol=XBTUSDTM", 2},
		{"/api/v1/contracts/active", 2},
		{"/api/v1/level2/snapshot", 2},
		{"/api/v1/account-overview", 5},
		{"/api/v1/positions", 5},
		{"POST /api/v1/orders", 5},
		{"/api/v1/orders", 5},
		{"/api/v1/cancel", 2},
		{"/api/v1/trade/history", 10},
		{"/api/v1/never-heard-of-it", DefaultUnknownWeight},
	}
	for _, tc := range cases {
		t.Run(tc.endpoint, func(t *testing.T) {
			assert.Equal(t, tc.want, EndpointWeight(tc.endpoint))
		})
	}
}
