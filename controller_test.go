package kucoin

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CAJUDA30/kucoin/pkg/jitter"
)

func testConfig() ControllerConfig {
	cfg := DefaultControllerConfig()
	cfg.Capacity = 100
	cfg.Window = 10 * time.Second
	cfg.SLACritical = 50 * time.Millisecond
	cfg.SLAHigh = 100 * time.Millisecond
	cfg.SLAMedium = 150 * time.Millisecond
	cfg.SLALow = 150 * time.Millisecond
	return cfg
}

func newTestController(t *testing.T, cfg ControllerConfig, clock jitter.Clock) *Controller {
	t.Helper()
	c, err := NewController(cfg,
		WithControllerClock(clock),
		WithControllerSampler(jitter.NewSeeded(1)),
	)
	require.NoError(t, err)
	return c
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultControllerConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.TradingShare = 0.80
	bad.ScanningShare = 0.30
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.RecoveryThreshold = 0.85
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Capacity = 0
	assert.Error(t, bad.Validate())
}

func TestFastPathGrantAndComplete(t *testing.T) {
	clock := jitter.NewManualClock(time.Unix(1000, 0))
	c := newTestController(t, testConfig(), clock)

	p, err := c.RequestPermit(context.Background(), 10, PriorityHigh, CategoryTrading, "positions")
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Weight())

	// Reserved weight counts against capacity before completion.
	assert.Equal(t, int64(10), c.Stats().CurrentUsage)

	p.Complete(20 * time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, int64(10), stats.CurrentUsage)
	assert.Equal(t, int64(10), stats.TradingUsage)
	assert.Equal(t, int64(1), stats.CompletedRequests)

	// The window returns to the pre-request state once the record expires.
	clock.Advance(11 * time.Second)
	c.tick()
	assert.Equal(t, int64(0), c.Stats().CurrentUsage)
}

func TestCancelNeverRecordsWeight(t *testing.T) {
	clock := jitter.NewManualClock(time.Unix(1000, 0))
	c := newTestController(t, testConfig(), clock)

	p, err := c.RequestPermit(context.Background(), 30, PriorityMedium, CategoryTrading, "scan")
	require.NoError(t, err)
	assert.Equal(t, int64(30), c.Stats().CurrentUsage)

	p.Cancel()
	p.Cancel() // idempotent
	p.Complete(time.Millisecond) // after Cancel this must be a no-op

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.CurrentUsage)
	assert.Equal(t, int64(0), stats.CompletedRequests)
}

func TestRejectsInvalidRequests(t *testing.T) {
	c := newTestController(t, testConfig(), jitter.SystemClock{})

	_, err := c.RequestPermit(context.Background(), 0, PriorityLow, CategoryAdmin, "x")
	assert.Error(t, err)
	_, err = c.RequestPermit(context.Background(), 1, Priority(9), CategoryAdmin, "x")
	assert.Error(t, err)
	_, err = c.RequestPermit(context.Background(), 1, PriorityLow, Category(9), "x")
	assert.Error(t, err)
}

func TestCategoryReserve(t *testing.T) {
	clock := jitter.NewManualClock(time.Unix(1000, 0))
	c := newTestController(t, testConfig(), clock)
	ctx := context.Background()

	// Scanning fills its 20-weight reserve.
	pScan, err := c.RequestPermit(ctx, 20, PriorityMedium, CategoryScanning, "scan")
	require.NoError(t, err)
	pScan.Complete(time.Millisecond)

	// Trading still fits under its own 70-weight reserve.
	pTrade, err := c.RequestPermit(ctx, 50, PriorityHigh, CategoryTrading, "order")
	require.NoError(t, err)
	pTrade.Complete(time.Millisecond)

	// Another scanning request is over its reserve and must queue; its SLA
	// expires because nothing frees the category.
	_, err = c.RequestPermit(ctx, 5, PriorityMedium, CategoryScanning, "scan2")
	require.Error(t, err)
	var slaErr *SlaTimeoutError
	require.ErrorAs(t, err, &slaErr)
	assert.Equal(t, PriorityMedium, slaErr.Priority)

	// CRITICAL bypasses the category reserve (absolute cap still holds).
	pCrit, err := c.RequestPermit(ctx, 5, PriorityCritical, CategoryScanning, "close-position")
	require.NoError(t, err)
	pCrit.Cancel()

	assert.GreaterOrEqual(t, c.Stats().SlaViolations, int64(1))
}

func TestCriticalNeverFailsSla(t *testing.T) {
	clock := jitter.SystemClock{}
	c := newTestController(t, testConfig(), clock)
	ctx := context.Background()

	// Pin the window at 99/100.
	pin, err := c.RequestPermit(ctx, 99, PriorityCritical, CategoryTrading, "pin")
	require.NoError(t, err)

	lowErr := make(chan error, 1)
	go func() {
		_, err := c.RequestPermit(ctx, 5, PriorityLow, CategoryAdmin, "report")
		lowErr <- err
	}()

	critGrant := make(chan *ControllerPermit, 1)
	go func() {
		p, err := c.RequestPermit(ctx, 5, PriorityCritical, CategoryTrading, "stop-loss")
		require.NoError(t, err)
		critGrant <- p
	}()

	// The LOW waiter times out while capacity stays pinned; the CRITICAL
	// waiter logs its SLA violation but keeps waiting.
	err = <-lowErr
	var slaErr *SlaTimeoutError
	require.ErrorAs(t, err, &slaErr)

	select {
	case <-critGrant:
		t.Fatal("critical granted while absolute cap was exceeded")
	case <-time.After(100 * time.Millisecond):
	}

	// Freeing capacity lets the monitor grant the critical waiter.
	pin.Cancel()
	c.tick()

	select {
	case p := <-critGrant:
		p.Cancel()
	case <-time.After(time.Second):
		t.Fatal("critical waiter was never granted")
	}
}

func TestFifoWithinTier(t *testing.T) {
	cfg := testConfig()
	cfg.SLAMedium = 5 * time.Second
	c := newTestController(t, cfg, jitter.SystemClock{})
	ctx := context.Background()

	// Pin at 99 so weight-4 requests must queue, then release down to 95:
	// the drain runs in EMERGENCY and capacity admits exactly one weight-4
	// request at a time, which makes the grant order observable.
	pin, err := c.RequestPermit(ctx, 95, PriorityCritical, CategoryTrading, "pin")
	require.NoError(t, err)
	defer pin.Cancel()
	topUp, err := c.RequestPermit(ctx, 4, PriorityCritical, CategoryTrading, "top-up")
	require.NoError(t, err)

	grants := make(chan string, 2)
	submit := func(name string) {
		p, err := c.RequestPermit(ctx, 4, PriorityMedium, CategoryScanning, name)
		require.NoError(t, err)
		grants <- name
		p.Cancel()
	}

	go submit("first")
	time.Sleep(50 * time.Millisecond) // enforce enqueue order
	go submit("second")
	time.Sleep(50 * time.Millisecond)

	topUp.Cancel()
	c.tick()
	assert.Equal(t, "first", <-grants)

	// The second waiter only fits after the first returns its reservation.
	deadline := time.After(2 * time.Second)
	for {
		c.tick()
		select {
		case name := <-grants:
			assert.Equal(t, "second", name)
			return
		case <-deadline:
			t.Fatal("second waiter never granted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSaturationRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.SLALow = 10 * time.Second
	clock := jitter.NewManualClock(time.Unix(1000, 0))
	c := newTestController(t, cfg, clock)
	ctx := context.Background()

	// Ten completed requests of weight 10 at t = 0..9s saturate the window.
	for i := 0; i < 10; i++ {
		p, err := c.RequestPermit(ctx, 10, PriorityCritical, CategoryTrading, "fill")
		require.NoError(t, err)
		p.Complete(time.Millisecond)
		if i < 9 {
			clock.Advance(time.Second)
		}
	}
	require.Equal(t, int64(100), c.Stats().CurrentUsage)

	granted := make(chan *ControllerPermit, 1)
	go func() {
		p, err := c.RequestPermit(ctx, 1, PriorityLow, CategoryAdmin, "late")
		require.NoError(t, err)
		granted <- p
	}()

	// Give the goroutine time to enqueue, then confirm nothing drains while
	// the window is still full.
	time.Sleep(50 * time.Millisecond)
	c.tick()
	select {
	case <-granted:
		t.Fatal("granted before the window freed weight")
	case <-time.After(50 * time.Millisecond):
	}

	// Past t=10s the oldest record expires and the first tick grants.
	clock.Advance(1100 * time.Millisecond)
	c.tick()

	select {
	case p := <-granted:
		p.Cancel()
	case <-time.After(time.Second):
		t.Fatal("waiter not granted after window freed")
	}
	assert.Equal(t, int64(1), c.Stats().ThrottledRequests)
}

func TestPressureReclassification(t *testing.T) {
	clock := jitter.NewManualClock(time.Unix(1000, 0))
	c := newTestController(t, testConfig(), clock)
	ctx := context.Background()

	fill := func(weight int64) *ControllerPermit {
		p, err := c.RequestPermit(ctx, weight, PriorityCritical, CategoryTrading, "fill")
		require.NoError(t, err)
		p.Complete(time.Millisecond)
		return p
	}

	assert.Equal(t, PressureNormal, c.State())

	fill(60)
	c.tick()
	assert.Equal(t, PressureModerate, c.State())
	assert.Equal(t, c.cfg.ScanIntervalNormal, c.ScanInterval())

	fill(20)
	c.tick()
	assert.Equal(t, PressureHeavy, c.State())
	assert.Equal(t, c.cfg.ScanIntervalHighLoad, c.ScanInterval())

	fill(10)
	c.tick()
	assert.Equal(t, PressureEmergency, c.State())

	// Recovery: everything expires, state returns to NORMAL.
	clock.Advance(11 * time.Second)
	c.tick()
	assert.Equal(t, PressureNormal, c.State())
	assert.Equal(t, c.cfg.ScanIntervalNormal, c.ScanInterval())
}

func TestDrainBudgetByState(t *testing.T) {
	assert.Equal(t, 10, drainBudget(PressureNormal))
	assert.Equal(t, 5, drainBudget(PressureModerate))
	assert.Equal(t, 2, drainBudget(PressureHeavy))
	assert.Equal(t, 1, drainBudget(PressureEmergency))
}

func TestEmergencyDrainsOnePerTick(t *testing.T) {
	cfg := testConfig()
	cfg.SLAMedium = 10 * time.Second
	clock := jitter.NewManualClock(time.Unix(1000, 0))
	c := newTestController(t, cfg, clock)
	ctx := context.Background()

	// Pin at 99 so weight-3 requests must queue, then release down to 95:
	// the monitor classifies EMERGENCY while one queued request at a time
	// still fits.
	pin, err := c.RequestPermit(ctx, 95, PriorityCritical, CategoryTrading, "pin")
	require.NoError(t, err)
	topUp, err := c.RequestPermit(ctx, 4, PriorityCritical, CategoryTrading, "top-up")
	require.NoError(t, err)

	granted := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			p, err := c.RequestPermit(ctx, 3, PriorityMedium, CategoryScanning, "queued")
			require.NoError(t, err)
			granted <- struct{}{}
			p.Cancel()
		}()
	}
	time.Sleep(100 * time.Millisecond) // let all three enqueue

	topUp.Cancel()
	c.tick()
	require.Equal(t, PressureEmergency, c.State())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, granted, 1, "emergency tick must grant exactly one per queue")

	c.tick()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, granted, 2)

	// Release the pin and drain the last waiter so no goroutine outlives
	// the test.
	pin.Cancel()
	c.tick()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, granted, 3)
}

func TestAdvisedDelayWithinJitterRange(t *testing.T) {
	c := newTestController(t, testConfig(), jitter.SystemClock{})

	for i := 0; i < 100; i++ {
		p, err := c.RequestPermit(context.Background(), 1, PriorityHigh, CategoryTrading, "op")
		require.NoError(t, err)
		// NORMAL base is 10ms, jittered into [5ms, 20ms].
		assert.GreaterOrEqual(t, p.AdvisedDelay(), 5*time.Millisecond)
		assert.LessOrEqual(t, p.AdvisedDelay(), 20*time.Millisecond)
		p.Cancel()
	}
}

func TestAbandonedWaiterContextCancel(t *testing.T) {
	c := newTestController(t, testConfig(), jitter.SystemClock{})

	pin, err := c.RequestPermit(context.Background(), 100, PriorityCritical, CategoryTrading, "pin")
	require.NoError(t, err)
	defer pin.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.RequestPermit(ctx, 5, PriorityMedium, CategoryScanning, "doomed")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	err = <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, c.Stats().QueueDepths[PriorityMedium])
}

// TestWindowInvariantUnderRandomLoad drives a random sequence of grants,
// completions, cancellations and ticks, and checks after every step that the
// window weight equals the sum of in-window records and that category usage
// sums to the total.
func TestWindowInvariantUnderRandomLoad(t *testing.T) {
	cfg := testConfig()
	// A 1ms SLA turns saturated requests into immediate failures instead of
	// parking them with no monitor to drain the queue.
	cfg.SLAHigh = time.Millisecond
	clock := jitter.NewManualClock(time.Unix(1000, 0))
	c := newTestController(t, cfg, clock)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(99))
	var inflight []*ControllerPermit

	checkInvariants := func() {
		t.Helper()
		c.mu.Lock()
		defer c.mu.Unlock()
		var recordSum int64
		for _, r := range c.records {
			recordSum += r.weight
		}
		require.Equal(t, recordSum, c.windowWeight, "window weight must equal the record sum")
		var catSum int64
		for _, w := range c.catWindow {
			catSum += w
		}
		require.Equal(t, c.windowWeight, catSum, "category usage must sum to the window weight")
		require.LessOrEqual(t, c.windowWeight+c.reserved, c.cfg.Capacity,
			"committed weight must never exceed capacity")
		require.GreaterOrEqual(t, c.reserved, int64(0))
	}

	for i := 0; i < 2000; i++ {
		switch rng.Intn(5) {
		case 0, 1:
			weight := int64(rng.Intn(10) + 1)
			category := Category(rng.Intn(int(numCategories)))
			p, err := c.RequestPermit(ctx, weight, PriorityHigh, category, "load")
			if err == nil {
				inflight = append(inflight, p)
			}
		case 2:
			if len(inflight) > 0 {
				n := rng.Intn(len(inflight))
				inflight[n].Complete(time.Millisecond)
				inflight = append(inflight[:n], inflight[n+1:]...)
			}
		case 3:
			if len(inflight) > 0 {
				n := rng.Intn(len(inflight))
				inflight[n].Cancel()
				inflight = append(inflight[:n], inflight[n+1:]...)
			}
		case 4:
			clock.Advance(time.Duration(rng.Intn(2000)) * time.Millisecond)
			c.tick()
		}
		checkInvariants()
	}
}

func TestDashboardRendering(t *testing.T) {
	c := newTestController(t, testConfig(), jitter.SystemClock{})
	p, err := c.RequestPermit(context.Background(), 10, PriorityHigh, CategoryTrading, "op")
	require.NoError(t, err)
	p.Complete(time.Millisecond)

	out := c.Stats().Dashboard()
	assert.Contains(t, out, "NORMAL")
	assert.Contains(t, out, "10/100")
}
