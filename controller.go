package kucoin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CAJUDA30/kucoin/pkg/jitter"
)

// ControllerConfig holds the admission tunables. Category shares must sum to
// at most 1.0; the residual is reachable by CRITICAL priority only.
type ControllerConfig struct {
	// Capacity is the safety-margined weight cap per rolling window.
	Capacity int64
	// Window is the rolling window length.
	Window time.Duration

	TradingShare  float64
	ScanningShare float64
	AdminShare    float64

	// Pressure thresholds over usage = committed weight / capacity.
	ThrottleThreshold float64
	RecoveryThreshold float64
	AlertThreshold    float64

	// MinThroughput is the configured minimum-throughput fraction. The
	// controller does not read it; the drain floor comes from drainBudget,
	// which never allows fewer than one grant per queue per tick.
	MinThroughput float64

	MonitorInterval time.Duration

	ScanIntervalNormal   time.Duration
	ScanIntervalHighLoad time.Duration

	SLACritical time.Duration
	SLAHigh     time.Duration
	SLAMedium   time.Duration
	SLALow      time.Duration
}

// DefaultControllerConfig mirrors the futures pool: 800 weight per 30s
// (80% of the 1000 ceiling), 70/20/10 category split.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Capacity:             800,
		Window:               30 * time.Second,
		TradingShare:         0.70,
		ScanningShare:        0.20,
		AdminShare:           0.10,
		ThrottleThreshold:    0.80,
		RecoveryThreshold:    0.60,
		AlertThreshold:       0.90,
		MinThroughput:        0.15,
		MonitorInterval:      100 * time.Millisecond,
		ScanIntervalNormal:   time.Hour,
		ScanIntervalHighLoad: 2 * time.Hour,
		SLACritical:          100 * time.Millisecond,
		SLAHigh:              500 * time.Millisecond,
		SLAMedium:            2 * time.Second,
		SLALow:               10 * time.Second,
	}
}

// Validate checks share and threshold ordering.
func (c ControllerConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if sum := c.TradingShare + c.ScanningShare + c.AdminShare; sum > 1.0+1e-9 {
		return fmt.Errorf("category shares sum to %.2f, must be <= 1.0", sum)
	}
	if !(c.RecoveryThreshold < c.ThrottleThreshold && c.ThrottleThreshold < c.AlertThreshold) {
		return fmt.Errorf("thresholds must order recovery < throttle < alert, got %.2f/%.2f/%.2f",
			c.RecoveryThreshold, c.ThrottleThreshold, c.AlertThreshold)
	}
	return nil
}

func (c ControllerConfig) sla(p Priority) time.Duration {
	switch p {
	case PriorityCritical:
		return c.SLACritical
	case PriorityHigh:
		return c.SLAHigh
	case PriorityMedium:
		return c.SLAMedium
	default:
		return c.SLALow
	}
}

func (c ControllerConfig) categoryMax(cat Category) int64 {
	var share float64
	switch cat {
	case CategoryTrading:
		share = c.TradingShare
	case CategoryScanning:
		share = c.ScanningShare
	default:
		share = c.AdminShare
	}
	return int64(float64(c.Capacity) * share)
}

// requestRecord is one committed consumption of capacity, kept until its
// timestamp falls out of the rolling window.
type requestRecord struct {
	timestamp time.Time
	weight    int64
	priority  Priority
	category  Category
	operation string
	queueWait time.Duration
	execTime  time.Duration
}

// waiter is a pending admission parked in a priority queue. The monitor
// grants by sending the advised delay on grant (buffered, never blocks).
type waiter struct {
	priority   Priority
	category   Category
	weight     int64
	operation  string
	enqueuedAt time.Time
	grant      chan time.Duration
	granted    bool
}

// Controller is the unified rate controller: the authoritative admission
// path for every outgoing API request. It overlays four priority queues and
// per-category capacity reserves on one rolling weight window, drained by a
// monitor loop under state-dependent batch sizes.
type Controller struct {
	cfg     ControllerConfig
	clock   jitter.Clock
	sampler *jitter.Sampler
	log     zerolog.Logger

	mu           sync.Mutex
	records      []requestRecord
	windowWeight int64                    // completed weight still in window
	reserved     int64                    // granted, not yet completed
	catWindow    [numCategories]int64
	catReserved  [numCategories]int64
	queues       [numPriorities][]*waiter
	state        PressureState
	scanInterval time.Duration
	windowStart  time.Time

	totalRequests     int64
	throttledRequests int64
	slaViolations     int64
	completedRequests int64
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerClock overrides the time source, for tests.
func WithControllerClock(c jitter.Clock) ControllerOption {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithControllerSampler overrides the jitter sampler, for tests.
func WithControllerSampler(s *jitter.Sampler) ControllerOption {
	return func(ctl *Controller) { ctl.sampler = s }
}

// WithControllerLogger attaches a structured logger.
func WithControllerLogger(log zerolog.Logger) ControllerOption {
	return func(ctl *Controller) { ctl.log = log }
}

// NewController creates a Controller from cfg.
func NewController(cfg ControllerConfig, opts ...ControllerOption) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller config: %w", err)
	}
	c := &Controller{
		cfg:          cfg,
		clock:        jitter.SystemClock{},
		sampler:      jitter.NewSampler(),
		log:          zerolog.Nop(),
		scanInterval: cfg.ScanIntervalNormal,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.windowStart = c.clock.Now()
	c.log.Info().
		Int64("capacity", cfg.Capacity).
		Dur("window", cfg.Window).
		Float64("trading_share", cfg.TradingShare).
		Float64("scanning_share", cfg.ScanningShare).
		Float64("admin_share", cfg.AdminShare).
		Msg("unified rate controller initialized")
	return c, nil
}

// Start runs the monitor loop until ctx ends.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.MonitorInterval)
		defer ticker.Stop()
		c.log.Info().Dur("interval", c.cfg.MonitorInterval).Msg("controller monitor started")
		for {
			select {
			case <-ctx.Done():
				c.log.Info().Msg("controller monitor stopped")
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

// RequestPermit admits one operation. The fast path grants immediately when
// both the absolute cap and the category reserve admit the weight (CRITICAL
// bypasses the category reserve, never the absolute cap). Otherwise the
// request parks in its priority queue until the monitor grants it or its SLA
// expires; CRITICAL waiters never fail on SLA expiry, they log the violation
// and keep waiting.
func (c *Controller) RequestPermit(ctx context.Context, weight int64, priority Priority, category Category, operation string) (*ControllerPermit, error) {
	if weight <= 0 {
		return nil, fmt.Errorf("request %q: weight must be positive, got %d", operation, weight)
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("request %q: unknown priority %d", operation, int(priority))
	}
	if !category.Valid() {
		return nil, fmt.Errorf("request %q: unknown category %d", operation, int(category))
	}

	c.mu.Lock()
	c.totalRequests++
	now := c.clock.Now()
	c.evictLocked(now)

	if c.admissibleLocked(weight, priority, category) {
		c.reserveLocked(weight, category)
		delay := c.advisedDelayLocked()
		c.mu.Unlock()
		return c.newPermit(weight, priority, category, operation, 0, delay), nil
	}

	c.throttledRequests++
	w := &waiter{
		priority:   priority,
		category:   category,
		weight:     weight,
		operation:  operation,
		enqueuedAt: now,
		grant:      make(chan time.Duration, 1),
	}
	c.queues[priority] = append(c.queues[priority], w)
	c.mu.Unlock()

	return c.awaitGrant(ctx, w)
}

// awaitGrant parks the caller until grant, SLA expiry, or ctx end.
func (c *Controller) awaitGrant(ctx context.Context, w *waiter) (*ControllerPermit, error) {
	sla := c.cfg.sla(w.priority)
	timer := time.NewTimer(sla)
	defer timer.Stop()

	for {
		select {
		case delay := <-w.grant:
			queueWait := c.clock.Since(w.enqueuedAt)
			return c.newPermit(w.weight, w.priority, w.category, w.operation, queueWait, delay), nil

		case <-timer.C:
			waited := c.clock.Since(w.enqueuedAt)
			c.mu.Lock()
			c.slaViolations++
			c.mu.Unlock()
			c.log.Warn().
				Stringer("priority", w.priority).
				Str("operation", w.operation).
				Dur("waited", waited).
				Dur("sla", sla).
				Msg("sla violated while queued")

			if w.priority == PriorityCritical {
				// Critical work never fails on SLA; it keeps waiting for
				// capacity. The absolute cap is not bypassed.
				continue
			}
			if delay, granted := c.abandonWaiter(w); granted {
				// A grant raced the timer: hand the permit back rather
				// than strand reserved weight.
				queueWait := c.clock.Since(w.enqueuedAt)
				return c.newPermit(w.weight, w.priority, w.category, w.operation, queueWait, delay), nil
			}
			return nil, &SlaTimeoutError{
				Priority:  w.priority,
				Operation: w.operation,
				Waited:    waited,
				SLA:       sla,
			}

		case <-ctx.Done():
			if _, granted := c.abandonWaiter(w); granted {
				// Late grant on a cancelled waiter: return the weight,
				// drop the notification silently.
				c.releaseReservation(w.weight, w.category)
			}
			return nil, fmt.Errorf("request %q abandoned while queued: %w", w.operation, ctx.Err())
		}
	}
}

// abandonWaiter removes w from its queue. When w was already granted it
// reports granted=true with the advised delay drained from the channel.
func (c *Controller) abandonWaiter(w *waiter) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.granted {
		// Grant landed before we took the lock; the delay is in the buffer.
		return <-w.grant, true
	}
	q := c.queues[w.priority]
	for i, qw := range q {
		if qw == w {
			c.queues[w.priority] = append(q[:i], q[i+1:]...)
			break
		}
	}
	return 0, false
}

func (c *Controller) releaseReservation(weight int64, category Category) {
	c.mu.Lock()
	c.reserved -= weight
	c.catReserved[category] -= weight
	c.mu.Unlock()
}

// admissibleLocked applies invariant checks for one candidate weight.
func (c *Controller) admissibleLocked(weight int64, priority Priority, category Category) bool {
	if c.committedLocked()+weight > c.cfg.Capacity {
		return false
	}
	if priority == PriorityCritical {
		return true
	}
	catTotal := c.catWindow[category] + c.catReserved[category]
	return catTotal+weight <= c.cfg.categoryMax(category)
}

func (c *Controller) committedLocked() int64 {
	return c.windowWeight + c.reserved
}

func (c *Controller) reserveLocked(weight int64, category Category) {
	c.reserved += weight
	c.catReserved[category] += weight
}

// evictLocked drops completed records that fell out of the rolling window.
func (c *Controller) evictLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	i := 0
	for i < len(c.records) && c.records[i].timestamp.Before(cutoff) {
		r := c.records[i]
		c.windowWeight -= r.weight
		c.catWindow[r.category] -= r.weight
		i++
	}
	if i > 0 {
		c.records = append(c.records[:0], c.records[i:]...)
	}
}

// drainBudget is the per-queue-per-tick grant cap for a pressure state. It
// never reaches zero, which keeps the minimum-throughput floor.
func drainBudget(s PressureState) int {
	switch s {
	case PressureModerate:
		return 5
	case PressureHeavy:
		return 2
	case PressureEmergency:
		return 1
	default:
		return 10
	}
}

// advisedDelayLocked computes the jittered pre-call spacing for the current
// pressure state.
func (c *Controller) advisedDelayLocked() time.Duration {
	var base int64
	switch c.state {
	case PressureModerate:
		base = 50
	case PressureHeavy:
		base = 200
	case PressureEmergency:
		base = 500
	default:
		base = 10
	}
	return c.sampler.Between(base/2, base*2)
}

// tick is one monitor pass: evict, reclassify pressure, adjust the scan
// interval, and drain the queues. The whole pass holds the window lock so
// the pressure reclassification is atomic with the drain decisions.
func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.evictLocked(now)

	usage := float64(c.committedLocked()) / float64(c.cfg.Capacity)
	newState := c.classifyLocked(usage)
	if newState != c.state {
		c.log.Info().
			Stringer("from", c.state).
			Stringer("to", newState).
			Float64("usage", usage).
			Msg("pressure state changed")
		c.state = newState
	}

	interval := c.cfg.ScanIntervalNormal
	if usage >= c.cfg.ThrottleThreshold {
		interval = c.cfg.ScanIntervalHighLoad
	}
	if interval != c.scanInterval {
		c.log.Info().
			Dur("from", c.scanInterval).
			Dur("to", interval).
			Msg("scan interval adjusted")
		c.scanInterval = interval
	}

	c.drainLocked()
}

func (c *Controller) classifyLocked(usage float64) PressureState {
	switch {
	case usage >= c.cfg.AlertThreshold:
		return PressureEmergency
	case usage >= c.cfg.ThrottleThreshold:
		return PressureHeavy
	case usage >= c.cfg.RecoveryThreshold:
		return PressureModerate
	default:
		return PressureNormal
	}
}

// drainLocked grants queued waiters in strict priority order, up to the
// state's per-queue budget. A waiter blocked on the absolute cap stops the
// whole drain; a non-critical waiter blocked only on its category reserve
// stops its own queue (FIFO within the tier holds).
func (c *Controller) drainLocked() {
	budget := drainBudget(c.state)
	for p := PriorityCritical; p < numPriorities; p++ {
		granted := 0
		for granted < budget && len(c.queues[p]) > 0 {
			w := c.queues[p][0]
			if c.committedLocked()+w.weight > c.cfg.Capacity {
				return
			}
			if !c.admissibleLocked(w.weight, w.priority, w.category) {
				break
			}
			c.queues[p] = c.queues[p][1:]
			c.reserveLocked(w.weight, w.category)
			w.granted = true
			w.grant <- c.advisedDelayLocked()
			granted++
		}
	}
}

// complete moves a permit's weight from the reservation into the rolling
// window. The append never interleaves with an eviction.
func (c *Controller) complete(p *ControllerPermit, execTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserved -= p.weight
	c.catReserved[p.category] -= p.weight
	c.records = append(c.records, requestRecord{
		timestamp: c.clock.Now(),
		weight:    p.weight,
		priority:  p.priority,
		category:  p.category,
		operation: p.operation,
		queueWait: p.queueWait,
		execTime:  execTime,
	})
	c.windowWeight += p.weight
	c.catWindow[p.category] += p.weight
	c.completedRequests++
}

func (c *Controller) cancel(p *ControllerPermit) {
	c.releaseReservation(p.weight, p.category)
}

func (c *Controller) newPermit(weight int64, priority Priority, category Category, operation string, queueWait, delay time.Duration) *ControllerPermit {
	return &ControllerPermit{
		controller:   c,
		weight:       weight,
		priority:     priority,
		category:     category,
		operation:    operation,
		queueWait:    queueWait,
		advisedDelay: delay,
	}
}

// ScanInterval returns the monitor-adjusted market scan interval.
func (c *Controller) ScanInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanInterval
}

// State returns the current pressure state.
func (c *Controller) State() PressureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ControllerPermit is a scoped authorization for one external request. The
// caller must honor AdvisedDelay before its I/O and finish with exactly one
// of Complete or Cancel.
type ControllerPermit struct {
	controller   *Controller
	weight       int64
	priority     Priority
	category     Category
	operation    string
	queueWait    time.Duration
	advisedDelay time.Duration
	once         sync.Once
}

// AdvisedDelay is the jittered spacing to wait before the external call.
func (p *ControllerPermit) AdvisedDelay() time.Duration { return p.advisedDelay }

// Weight returns the weight this permit reserved.
func (p *ControllerPermit) Weight() int64 { return p.weight }

// QueueWait returns how long the request was parked before grant.
func (p *ControllerPermit) QueueWait() time.Duration { return p.queueWait }

// Complete records the permit's weight into the rolling window. The weight
// recorded always equals the weight reserved at grant.
func (p *ControllerPermit) Complete(execTime time.Duration) {
	p.once.Do(func() { p.controller.complete(p, execTime) })
}

// Cancel returns the reservation without recording weight, for callers that
// abandoned the external call.
func (p *ControllerPermit) Cancel() {
	p.once.Do(func() { p.controller.cancel(p) })
}
