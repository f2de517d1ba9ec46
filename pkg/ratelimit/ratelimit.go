// Package ratelimit enforces an exchange-style rolling-window weight budget
// on outgoing API requests. Every endpoint carries a positive integer weight;
// the limiter tracks committed weight over a rolling window and keeps usage
// under a safety-margined cap below the exchange-stated ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/CAJUDA30/kucoin/pkg/jitter"
)

// Config holds the limiter tunables. MaxWeight must stay below the
// exchange-stated ceiling; the default applies a 20% safety margin.
type Config struct {
	// CeilingWeight is the exchange-stated weight ceiling per window.
	CeilingWeight int64
	// SafetyMargin scales CeilingWeight down to the enforced cap.
	SafetyMargin float64
	// MaxWeight is the enforced cap. Zero means derive from
	// CeilingWeight * SafetyMargin.
	MaxWeight int64
	// Window is the rolling window length.
	Window time.Duration
	// MaxConcurrent bounds simultaneous in-flight callers.
	MaxConcurrent int64
	// BreakerThreshold is the projected-usage fraction that trips the
	// circuit breaker.
	BreakerThreshold float64
	// BreakerCooldown is how long the breaker stays open once tripped.
	BreakerCooldown time.Duration
}

// DefaultConfig mirrors the KuCoin futures VIP0 pool: 1000 weight per
// rolling 30s, enforced at 80%.
func DefaultConfig() Config {
	return Config{
		CeilingWeight:    1000,
		SafetyMargin:     0.80,
		Window:           30 * time.Second,
		MaxConcurrent:    20,
		BreakerThreshold: 0.90,
		BreakerCooldown:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CeilingWeight <= 0 {
		c.CeilingWeight = d.CeilingWeight
	}
	if c.SafetyMargin <= 0 || c.SafetyMargin > 1 {
		c.SafetyMargin = d.SafetyMargin
	}
	if c.MaxWeight <= 0 {
		c.MaxWeight = int64(float64(c.CeilingWeight) * c.SafetyMargin)
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	return c
}

// saturationSlack pads the computed wait past the oldest record's expiry so
// the re-entry lands on a freed window.
const saturationSlack = 100 * time.Millisecond

// BlockedError reports that an Acquire could not complete before its context
// ended, or that a TryAcquire could not admit the weight right now. Wait
// carries the suggested retry delay at the time of failure.
type BlockedError struct {
	Wait time.Duration
	Err  error
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("rate limit blocked, retry in %s: %v", e.Wait, e.Err)
}

func (e *BlockedError) Unwrap() error { return e.Err }

// BreakerOpenError reports that the circuit breaker is active. Remaining
// carries the cooldown left before requests may flow again.
type BreakerOpenError struct {
	Remaining time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for another %s", e.Remaining.Round(time.Millisecond))
}

type record struct {
	timestamp time.Time
	weight    int64
	endpoint  string
}

// Limiter is the weight-window rate limiter.
type Limiter struct {
	cfg   Config
	clock jitter.Clock
	log   zerolog.Logger

	slots *semaphore.Weighted

	mu           sync.Mutex
	history      []record
	totalWeight  int64
	breakerUntil time.Time

	lifetimeRequests int64
	lifetimeWeight   int64
	violations       int64
	breakerTrips     int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(c jitter.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// New creates a Limiter from cfg, filling zero fields with defaults.
func New(cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:   cfg,
		clock: jitter.SystemClock{},
		log:   zerolog.Nop(),
		slots: semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log.Info().
		Int64("max_weight", cfg.MaxWeight).
		Int64("ceiling", cfg.CeilingWeight).
		Dur("window", cfg.Window).
		Int64("max_concurrent", cfg.MaxConcurrent).
		Float64("breaker_threshold", cfg.BreakerThreshold).
		Msg("rate limiter initialized")
	return l
}

// Permit is a scoped authorization for one in-flight request. Release frees
// the concurrency slot; it is safe to call more than once.
type Permit struct {
	limiter  *Limiter
	endpoint string
	weight   int64
	once     sync.Once
}

// Weight returns the weight this permit committed.
func (p *Permit) Weight() int64 { return p.weight }

// Release frees the concurrency slot held by the permit.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.limiter.slots.Release(1)
	})
}

// Acquire blocks until weight fits into the rolling window, then commits it
// and returns a Permit holding one concurrency slot. It recovers internally
// from window saturation (waiting) and breaker trips (sleeping). Apart from
// rejecting a non-positive weight, the only failure mode is ctx ending,
// surfaced as *BlockedError.
func (l *Limiter) Acquire(ctx context.Context, endpoint string, weight int64) (*Permit, error) {
	if weight <= 0 {
		return nil, fmt.Errorf("acquire %s: weight must be positive, got %d", endpoint, weight)
	}

	for {
		// Breaker first: a tripped breaker suspends every caller until it
		// expires.
		if wait := l.breakerRemaining(); wait > 0 {
			l.log.Warn().Dur("remaining", wait).Str("endpoint", endpoint).
				Msg("circuit breaker active, cooling down")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, &BlockedError{Wait: wait, Err: err}
			}
		}

		if err := l.slots.Acquire(ctx, 1); err != nil {
			return nil, &BlockedError{Wait: 0, Err: err}
		}

		l.mu.Lock()
		now := l.clock.Now()
		l.evictLocked(now)

		if l.totalWeight+weight > l.cfg.MaxWeight {
			wait := l.saturationWaitLocked(now)
			l.violations++
			current := l.totalWeight
			l.mu.Unlock()
			l.slots.Release(1)

			l.log.Warn().
				Int64("current", current).
				Int64("max", l.cfg.MaxWeight).
				Int64("requested", weight).
				Dur("wait", wait).
				Str("endpoint", endpoint).
				Msg("window saturated, waiting for weight to free")

			if err := sleepCtx(ctx, wait); err != nil {
				return nil, &BlockedError{Wait: wait, Err: err}
			}
			// Each pass strictly advances the oldest record, so this loop
			// terminates.
			continue
		}

		projected := l.totalWeight + weight
		usage := float64(projected) / float64(l.cfg.MaxWeight)
		if usage >= l.cfg.BreakerThreshold {
			l.breakerUntil = now.Add(l.cfg.BreakerCooldown)
			l.breakerTrips++
			l.mu.Unlock()

			l.log.Error().
				Float64("usage", usage).
				Dur("cooldown", l.cfg.BreakerCooldown).
				Msg("circuit breaker tripped, forcing cooldown")

			if err := sleepCtx(ctx, l.cfg.BreakerCooldown); err != nil {
				l.slots.Release(1)
				return nil, &BlockedError{Wait: l.cfg.BreakerCooldown, Err: err}
			}
			l.mu.Lock()
			now = l.clock.Now()
			l.evictLocked(now)
		}

		l.history = append(l.history, record{timestamp: now, weight: weight, endpoint: endpoint})
		l.totalWeight += weight
		l.lifetimeRequests++
		l.lifetimeWeight += weight
		l.mu.Unlock()

		l.log.Debug().
			Str("endpoint", endpoint).
			Int64("weight", weight).
			Int64("window_weight", l.CurrentWeight()).
			Msg("request admitted")

		return &Permit{limiter: l, endpoint: endpoint, weight: weight}, nil
	}
}

// TryAcquire is the non-blocking variant of Acquire for callers that would
// rather reschedule than park. It fails with *BreakerOpenError while the
// breaker is open, and with *BlockedError carrying the suggested wait when
// the window or the concurrency gate cannot admit the weight right now.
func (l *Limiter) TryAcquire(endpoint string, weight int64) (*Permit, error) {
	if weight <= 0 {
		return nil, fmt.Errorf("try acquire %s: weight must be positive, got %d", endpoint, weight)
	}
	if wait := l.breakerRemaining(); wait > 0 {
		return nil, &BreakerOpenError{Remaining: wait}
	}
	if !l.slots.TryAcquire(1) {
		return nil, &BlockedError{Wait: saturationSlack, Err: fmt.Errorf("no concurrency slot free")}
	}

	l.mu.Lock()
	now := l.clock.Now()
	l.evictLocked(now)
	if l.totalWeight+weight > l.cfg.MaxWeight {
		wait := l.saturationWaitLocked(now)
		l.violations++
		l.mu.Unlock()
		l.slots.Release(1)
		return nil, &BlockedError{Wait: wait, Err: fmt.Errorf("window saturated")}
	}
	l.history = append(l.history, record{timestamp: now, weight: weight, endpoint: endpoint})
	l.totalWeight += weight
	l.lifetimeRequests++
	l.lifetimeWeight += weight
	l.mu.Unlock()

	return &Permit{limiter: l, endpoint: endpoint, weight: weight}, nil
}

// evictLocked drops records that fell out of the rolling window.
func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.history) && l.history[i].timestamp.Before(cutoff) {
		l.totalWeight -= l.history[i].weight
		i++
	}
	if i > 0 {
		l.history = append(l.history[:0], l.history[i:]...)
	}
}

// saturationWaitLocked computes how long until the oldest record leaves the
// window, plus slack.
func (l *Limiter) saturationWaitLocked(now time.Time) time.Duration {
	if len(l.history) == 0 {
		return saturationSlack
	}
	elapsed := now.Sub(l.history[0].timestamp)
	if elapsed >= l.cfg.Window {
		return saturationSlack
	}
	return l.cfg.Window - elapsed + saturationSlack
}

func (l *Limiter) breakerRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.breakerUntil.IsZero() {
		return 0
	}
	now := l.clock.Now()
	if !now.Before(l.breakerUntil) {
		return 0
	}
	return l.breakerUntil.Sub(now)
}

// CurrentWeight returns the committed weight in the current window.
func (l *Limiter) CurrentWeight() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.clock.Now())
	return l.totalWeight
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	CurrentWeight    int64
	MaxWeight        int64
	UsagePercent     float64
	InWindowCount    int
	LifetimeRequests int64
	LifetimeWeight   int64
	Violations       int64
	BreakerTrips     int64
}

// Stats snapshots the limiter after evicting expired records.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.clock.Now())
	return Stats{
		CurrentWeight:    l.totalWeight,
		MaxWeight:        l.cfg.MaxWeight,
		UsagePercent:     float64(l.totalWeight) / float64(l.cfg.MaxWeight) * 100,
		InWindowCount:    len(l.history),
		LifetimeRequests: l.lifetimeRequests,
		LifetimeWeight:   l.lifetimeWeight,
		Violations:       l.violations,
		BreakerTrips:     l.breakerTrips,
	}
}

// Healthy reports whether usage is under the safety margin with no
// violations recorded.
func (s Stats) Healthy() bool {
	return s.UsagePercent < 80.0 && s.Violations == 0
}

// StatusLine renders a one-line summary for periodic reports.
func (s Stats) StatusLine() string {
	return fmt.Sprintf("rate limit %d/%d (%.1f%%) | in-window %d | violations %d",
		s.CurrentWeight, s.MaxWeight, s.UsagePercent, s.InWindowCount, s.Violations)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
