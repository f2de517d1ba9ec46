// Package scheduler implements the adaptive request scheduler: a lighter
// sibling of the unified rate controller for callers that need throttling
// and cooldown management without full priority queuing. A heartbeat loop
// classifies window usage into tiered throttle states and runs the
// cooldown/reset protocol when the window saturates.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CAJUDA30/kucoin/pkg/jitter"
)

// State is the scheduler's throttle tier.
type State int

const (
	StateActive State = iota
	StateThrottled
	StateHeavyThrottle
	StateCooldown
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateThrottled:
		return "THROTTLED"
	case StateHeavyThrottle:
		return "HEAVY_THROTTLE"
	case StateCooldown:
		return "COOLDOWN"
	case StateResetting:
		return "RESETTING"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Config holds the scheduler tunables.
type Config struct {
	// MaxWeight is the weight budget per rolling window.
	MaxWeight int64
	// Window is the rolling window length.
	Window time.Duration
	// SafetyBuffer pads the reset duration past the window so the venue's
	// own window has certainly rolled over before operations resume.
	SafetyBuffer time.Duration
	// HeartbeatInterval is the monitor tick period.
	HeartbeatInterval time.Duration

	// Usage thresholds, one-directional on entry.
	ThrottleThreshold float64 // enter THROTTLED
	HeavyThreshold    float64 // enter HEAVY_THROTTLE
	CooldownThreshold float64 // enter COOLDOWN
	// SpreadFactor is the ACTIVE-state usage level above which spacing
	// delays widen.
	SpreadFactor float64
	// HeavyProjectedLimit caps projected usage for admissions under heavy
	// throttle.
	HeavyProjectedLimit float64
}

// DefaultConfig returns the futures-pool defaults: 800 weight per 30s,
// 31s reset, 500ms heartbeat.
func DefaultConfig() Config {
	return Config{
		MaxWeight:           800,
		Window:              30 * time.Second,
		SafetyBuffer:        time.Second,
		HeartbeatInterval:   500 * time.Millisecond,
		ThrottleThreshold:   0.75,
		HeavyThreshold:      0.85,
		CooldownThreshold:   0.90,
		SpreadFactor:        0.85,
		HeavyProjectedLimit: 0.88,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWeight <= 0 {
		c.MaxWeight = d.MaxWeight
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.SafetyBuffer <= 0 {
		c.SafetyBuffer = d.SafetyBuffer
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ThrottleThreshold <= 0 {
		c.ThrottleThreshold = d.ThrottleThreshold
	}
	if c.HeavyThreshold <= 0 {
		c.HeavyThreshold = d.HeavyThreshold
	}
	if c.CooldownThreshold <= 0 {
		c.CooldownThreshold = d.CooldownThreshold
	}
	if c.SpreadFactor <= 0 {
		c.SpreadFactor = d.SpreadFactor
	}
	if c.HeavyProjectedLimit <= 0 {
		c.HeavyProjectedLimit = d.HeavyProjectedLimit
	}
	return c
}

// ResetDuration is how long after a cooldown trigger the window may be
// cleared.
func (c Config) ResetDuration() time.Duration {
	return c.Window + c.SafetyBuffer
}

type operation struct {
	timestamp time.Time
	weight    int64
	kind      string
}

// Scheduler tracks windowed weight and serves spacing advice from its
// throttle state. Only the heartbeat mutates the state.
type Scheduler struct {
	cfg     Config
	clock   jitter.Clock
	sampler *jitter.Sampler
	log     zerolog.Logger

	mu                 sync.Mutex
	state              State
	windowStart        time.Time
	cooldownTriggered  time.Time // zero when no cooldown pending
	lastReset          time.Time
	operations         []operation
	totalWeight        int64

	lifetimeOperations int64
	cooldownsTriggered int64
	successfulResets   int64
	failedResets       int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source, for tests.
func WithClock(c jitter.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithSampler overrides the jitter sampler, for tests.
func WithSampler(sm *jitter.Sampler) Option {
	return func(s *Scheduler) { s.sampler = sm }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// New creates a Scheduler from cfg, filling zero fields with defaults.
func New(cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		clock:   jitter.SystemClock{},
		sampler: jitter.NewSampler(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.windowStart = s.clock.Now()
	s.log.Info().
		Int64("max_weight", cfg.MaxWeight).
		Dur("window", cfg.Window).
		Dur("reset_duration", cfg.ResetDuration()).
		Dur("heartbeat", cfg.HeartbeatInterval).
		Msg("adaptive scheduler initialized")
	return s
}

// Start runs the heartbeat loop until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		s.log.Info().Msg("scheduler heartbeat started")
		for {
			select {
			case <-ctx.Done():
				s.log.Info().Msg("scheduler heartbeat stopped")
				return
			case <-ticker.C:
				s.heartbeat()
			}
		}
	}()
}

// heartbeat is one monitor pass: evict expired operations, then either
// progress the cooldown/reset protocol or reclassify the throttle state.
func (s *Scheduler) heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.evictLocked(now)
	usage := float64(s.totalWeight) / float64(s.cfg.MaxWeight)

	if s.state == StateCooldown {
		s.progressCooldownLocked(now)
		return
	}

	old := s.state
	switch {
	case usage >= s.cfg.CooldownThreshold:
		if s.state != StateCooldown {
			s.cooldownTriggered = now
			s.cooldownsTriggered++
			s.log.Warn().
				Float64("usage", usage).
				Int64("cooldowns", s.cooldownsTriggered).
				Msg("cooldown triggered")
		}
		s.state = StateCooldown
	case usage >= s.cfg.HeavyThreshold:
		s.state = StateHeavyThrottle
	case usage >= s.cfg.ThrottleThreshold:
		s.state = StateThrottled
	default:
		s.state = StateActive
	}

	if s.state != old && s.state != StateCooldown {
		s.log.Info().
			Stringer("from", old).
			Stringer("to", s.state).
			Float64("usage", usage).
			Msg("throttle state changed")
	}
}

// progressCooldownLocked advances the cooldown toward the reset once the
// reset duration has elapsed.
func (s *Scheduler) progressCooldownLocked(now time.Time) {
	if s.cooldownTriggered.IsZero() {
		// A cooldown with no trigger timestamp cannot validate; force the
		// reset path so the scheduler recovers rather than wedges.
		s.state = StateResetting
		s.failedResets++
		s.log.Error().Msg("cooldown without trigger timestamp, forcing reset")
		s.resetLocked(now)
		return
	}

	elapsed := now.Sub(s.cooldownTriggered)
	if elapsed < s.cfg.ResetDuration() {
		return
	}

	s.state = StateResetting
	if s.validateResetLocked(now) {
		s.resetLocked(now)
		s.successfulResets++
		s.log.Info().
			Int64("resets", s.successfulResets).
			Msg("window reset successful")
		return
	}

	// The reset protocol prefers recovery over halting: a failed
	// validation still resets, but visibly.
	s.failedResets++
	s.log.Error().
		Int64("failed_resets", s.failedResets).
		Msg("reset validation failed, forcing reset")
	s.resetLocked(now)
}

// validateResetLocked is the 3-point pre-reset check: a trigger timestamp
// exists, the reset duration elapsed, and the state machine is mid-reset.
func (s *Scheduler) validateResetLocked(now time.Time) bool {
	if s.cooldownTriggered.IsZero() {
		return false
	}
	if now.Sub(s.cooldownTriggered) < s.cfg.ResetDuration() {
		return false
	}
	return s.state == StateResetting
}

func (s *Scheduler) resetLocked(now time.Time) {
	s.windowStart = now
	s.cooldownTriggered = time.Time{}
	s.operations = s.operations[:0]
	s.totalWeight = 0
	s.state = StateActive
	s.lastReset = now
}

func (s *Scheduler) evictLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.Window)
	i := 0
	for i < len(s.operations) && s.operations[i].timestamp.Before(cutoff) {
		s.totalWeight -= s.operations[i].weight
		i++
	}
	if i > 0 {
		s.operations = append(s.operations[:0], s.operations[i:]...)
	}
}

// CanProceed reports whether an operation of the given weight may run now,
// and the spacing delay the caller must honor first. During cooldown and
// reset it reports false with the time remaining until the window clears.
func (s *Scheduler) CanProceed(weight int64) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCooldown, StateResetting:
		if !s.cooldownTriggered.IsZero() {
			elapsed := s.clock.Now().Sub(s.cooldownTriggered)
			if remaining := s.cfg.ResetDuration() - elapsed; remaining > 0 {
				return false, remaining
			}
			return false, 0
		}
		return false, s.cfg.ResetDuration()

	case StateHeavyThrottle:
		projected := float64(s.totalWeight+weight) / float64(s.cfg.MaxWeight)
		if projected < s.cfg.HeavyProjectedLimit {
			return true, s.sampler.Between(400, 800)
		}
		return false, time.Second

	case StateThrottled:
		return true, s.sampler.Between(100, 300)

	default:
		usage := float64(s.totalWeight) / float64(s.cfg.MaxWeight)
		if usage > s.cfg.SpreadFactor {
			return true, s.sampler.Between(50, 150)
		}
		return true, s.sampler.Between(10, 50)
	}
}

// Record commits an executed operation's weight into the window.
func (s *Scheduler) Record(weight int64, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = append(s.operations, operation{
		timestamp: s.clock.Now(),
		weight:    weight,
		kind:      kind,
	})
	s.totalWeight += weight
	s.lifetimeOperations++
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	State               State
	UsagePercent        float64
	WeightUsed          int64
	MaxWeight           int64
	OperationsInWindow  int
	WindowAge           time.Duration
	CooldownRemaining   time.Duration
	LifetimeOperations  int64
	CooldownsTriggered  int64
	SuccessfulResets    int64
	FailedResets        int64
}

// Stats snapshots the scheduler after evicting expired operations.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.evictLocked(now)

	var remaining time.Duration
	if !s.cooldownTriggered.IsZero() {
		if r := s.cfg.ResetDuration() - now.Sub(s.cooldownTriggered); r > 0 {
			remaining = r
		}
	}
	return Stats{
		State:              s.state,
		UsagePercent:       float64(s.totalWeight) / float64(s.cfg.MaxWeight) * 100,
		WeightUsed:         s.totalWeight,
		MaxWeight:          s.cfg.MaxWeight,
		OperationsInWindow: len(s.operations),
		WindowAge:          now.Sub(s.windowStart),
		CooldownRemaining:  remaining,
		LifetimeOperations: s.lifetimeOperations,
		CooldownsTriggered: s.cooldownsTriggered,
		SuccessfulResets:   s.successfulResets,
		FailedResets:       s.failedResets,
	}
}

// StatusLine renders a one-line summary for periodic reports.
func (st Stats) StatusLine() string {
	return fmt.Sprintf("%s | usage %.1f%% (%d/%d) | ops %d | cooldowns %d | resets %d/%d",
		st.State, st.UsagePercent, st.WeightUsed, st.MaxWeight,
		st.OperationsInWindow, st.CooldownsTriggered,
		st.SuccessfulResets, st.SuccessfulResets+st.FailedResets)
}
