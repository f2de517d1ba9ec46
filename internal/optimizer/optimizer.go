// Package optimizer implements the slow control loop that tunes the
// controller's operating parameters from observed performance. Every cycle
// it evaluates five independent rule dimensions over a consistent metrics
// snapshot and applies the combined proposal only when the capacity target,
// scan interval and batch size all stay inside their safety bounds. The
// throttle and recovery thresholds and the priority boost have no bounds
// and are not checked.
package optimizer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	kucoin "github.com/CAJUDA30/kucoin"
	"github.com/CAJUDA30/kucoin/pkg/jitter"
)

// Bounds are the immutable safe operating ranges. A proposal leaving any
// range is discarded whole.
type Bounds struct {
	MinCapacityTarget float64
	MaxCapacityTarget float64
	MinScanInterval   time.Duration
	MaxScanInterval   time.Duration
	MinBatchSize      int
	MaxBatchSize      int
}

// DefaultBounds returns the stock safe ranges.
func DefaultBounds() Bounds {
	return Bounds{
		MinCapacityTarget: 0.60,
		MaxCapacityTarget: 0.95,
		MinScanInterval:   5 * time.Minute,
		MaxScanInterval:   2 * time.Hour,
		MinBatchSize:      5,
		MaxBatchSize:      50,
	}
}

// Contains reports whether p sits inside every range.
func (b Bounds) Contains(p Parameters) bool {
	return p.CapacityTarget >= b.MinCapacityTarget &&
		p.CapacityTarget <= b.MaxCapacityTarget &&
		p.ScanInterval >= b.MinScanInterval &&
		p.ScanInterval <= b.MaxScanInterval &&
		p.BatchSize >= b.MinBatchSize &&
		p.BatchSize <= b.MaxBatchSize
}

// Parameters are the tunable knobs plus adjustment metadata.
type Parameters struct {
	CapacityTarget    float64
	ThrottleThreshold float64
	RecoveryThreshold float64
	ScanInterval      time.Duration
	BatchSize         int
	PriorityBoost     float64

	LastUpdated  time.Time
	UpdateReason string
	Confidence   float64
}

// DefaultParameters returns the initial knob values.
func DefaultParameters() Parameters {
	return Parameters{
		CapacityTarget:    0.75,
		ThrottleThreshold: 0.80,
		RecoveryThreshold: 0.60,
		ScanInterval:      time.Hour,
		BatchSize:         20,
		PriorityBoost:     1.0,
		UpdateReason:      "initial defaults",
		Confidence:        0.5,
	}
}

// Metrics is the observed performance the rules react to.
type Metrics struct {
	Timestamp time.Time

	SuccessfulOperations int64
	FailedOperations     int64
	AccuracyRate         float64

	APIErrors        int64
	RateLimitHits    int64
	TimeoutCount     int64
	ReliabilityScore float64

	AvgResponseTime time.Duration
	P95ResponseTime time.Duration
	ThroughputPerMinute float64

	CapacityUsage float64
	QueueDepth    int

	TradeExecutionSuccessRate float64
	DataFreshnessScore        float64
	OverallSatisfaction       float64
}

func initialMetrics() Metrics {
	return Metrics{
		AccuracyRate:              1.0,
		ReliabilityScore:          1.0,
		AvgResponseTime:           100 * time.Millisecond,
		P95ResponseTime:           200 * time.Millisecond,
		ThroughputPerMinute:       10,
		TradeExecutionSuccessRate: 1.0,
		DataFreshnessScore:        1.0,
		OverallSatisfaction:       1.0,
	}
}

// snapshot is one retained (metrics, parameters) pair.
type snapshot struct {
	metrics    Metrics
	parameters Parameters
}

// trend summarizes the last snapshots for the rules.
type trend struct {
	accuracyImproving    bool
	reliabilityImproving bool
	performanceStable    bool
	capacityStable       bool
}

const (
	historyDepth = 1000
	trendWindow  = 10
)

// Stats counts optimizer activity.
type Stats struct {
	TotalAdjustments    int64
	RejectedAdjustments int64
	CurrentConfidence   float64
	LastAdjustment      time.Time
	SafetyBoundsHits    int64
}

// Optimizer is the adaptive parameter tuner.
type Optimizer struct {
	bounds Bounds
	period time.Duration
	clock  jitter.Clock
	log    zerolog.Logger
	bus    kucoin.Publisher

	mu         sync.Mutex
	parameters Parameters
	metrics    Metrics
	history    []snapshot
	stats      Stats
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithClock overrides the time source, for tests.
func WithClock(c jitter.Clock) Option {
	return func(o *Optimizer) { o.clock = c }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Optimizer) { o.log = log }
}

// WithPublisher wires the event bus for reset notifications.
func WithPublisher(p kucoin.Publisher) Option {
	return func(o *Optimizer) { o.bus = p }
}

// WithPeriod overrides the optimization cycle period (default 60s).
func WithPeriod(d time.Duration) Option {
	return func(o *Optimizer) { o.period = d }
}

// New creates an Optimizer with the given bounds.
func New(bounds Bounds, opts ...Option) *Optimizer {
	o := &Optimizer{
		bounds:     bounds,
		period:     time.Minute,
		clock:      jitter.SystemClock{},
		log:        zerolog.Nop(),
		bus:        kucoin.NopPublisher{},
		parameters: DefaultParameters(),
		metrics:    initialMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log.Info().
		Float64("min_capacity", bounds.MinCapacityTarget).
		Float64("max_capacity", bounds.MaxCapacityTarget).
		Dur("min_scan", bounds.MinScanInterval).
		Dur("max_scan", bounds.MaxScanInterval).
		Int("min_batch", bounds.MinBatchSize).
		Int("max_batch", bounds.MaxBatchSize).
		Msg("adaptive optimizer initialized")
	return o
}

// Start runs the optimization loop until ctx ends.
func (o *Optimizer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.period)
		defer ticker.Stop()
		o.log.Info().Dur("period", o.period).Msg("optimization loop started")
		for {
			select {
			case <-ctx.Done():
				o.log.Info().Msg("optimization loop stopped")
				return
			case <-ticker.C:
				o.Optimize()
			}
		}
	}()
}

// SetMetrics replaces the current metrics; external systems feed this.
func (o *Optimizer) SetMetrics(m Metrics) {
	o.mu.Lock()
	o.metrics = m
	o.mu.Unlock()
}

// Parameters returns the current knob values.
func (o *Optimizer) Parameters() Parameters {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.parameters
}

// Stats returns the optimizer activity counters.
func (o *Optimizer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// ResetToDefaults restores the stock knob values and announces it on the
// event bus.
func (o *Optimizer) ResetToDefaults(reason string) {
	o.mu.Lock()
	o.parameters = DefaultParameters()
	o.parameters.LastUpdated = o.clock.Now()
	o.parameters.UpdateReason = "manual reset: " + reason
	o.mu.Unlock()

	o.log.Warn().Str("reason", reason).Msg("parameters reset to defaults")
	o.bus.Publish(kucoin.ParametersReset{Reason: reason})
}

// Optimize runs one cycle: snapshot the current state, evaluate the rules,
// and apply the proposal when it stays within bounds. It reports whether an
// adjustment was applied.
func (o *Optimizer) Optimize() bool {
	o.mu.Lock()
	// Rules evaluate on copies so they see one consistent view even while
	// SetMetrics runs concurrently.
	metrics := o.metrics
	current := o.parameters
	o.history = append(o.history, snapshot{metrics: metrics, parameters: current})
	if len(o.history) > historyDepth {
		o.history = o.history[1:]
	}
	tr := o.trendLocked()
	o.mu.Unlock()

	proposed, reasons := o.evaluate(metrics, current, tr)
	if len(reasons) == 0 {
		return false
	}

	proposed.LastUpdated = o.clock.Now()
	proposed.UpdateReason = strings.Join(reasons, ", ")
	proposed.Confidence = confidence(metrics, tr)

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.bounds.Contains(proposed) {
		o.stats.SafetyBoundsHits++
		o.stats.RejectedAdjustments++
		o.log.Warn().
			Str("reasons", proposed.UpdateReason).
			Msg("proposed parameters outside safety bounds, discarded")
		return false
	}

	o.parameters = proposed
	o.stats.TotalAdjustments++
	o.stats.CurrentConfidence = proposed.Confidence
	o.stats.LastAdjustment = proposed.LastUpdated

	o.log.Info().
		Str("reasons", proposed.UpdateReason).
		Float64("capacity_target", proposed.CapacityTarget).
		Float64("throttle", proposed.ThrottleThreshold).
		Dur("scan_interval", proposed.ScanInterval).
		Int("batch_size", proposed.BatchSize).
		Float64("confidence", proposed.Confidence).
		Msg("parameters adjusted")
	return true
}

// evaluate applies the five rule dimensions and returns the proposal plus
// the reasons that fired. An empty reason list means no change.
func (o *Optimizer) evaluate(m Metrics, p Parameters, tr trend) (Parameters, []string) {
	var reasons []string
	b := o.bounds

	// 1. Accuracy: back off when operations fail, push when flawless and
	// improving.
	switch {
	case m.AccuracyRate < 0.95 && m.FailedOperations > 10:
		p.BatchSize = clampInt(int(float64(p.BatchSize)*0.8), b.MinBatchSize, b.MaxBatchSize)
		p.ScanInterval = clampDur(time.Duration(float64(p.ScanInterval)*1.2), b.MinScanInterval, b.MaxScanInterval)
		reasons = append(reasons, "accuracy_low")
	case m.AccuracyRate > 0.99 && tr.accuracyImproving:
		p.BatchSize = clampInt(int(float64(p.BatchSize)*1.1), b.MinBatchSize, b.MaxBatchSize)
		p.ScanInterval = clampDur(time.Duration(float64(p.ScanInterval)*0.9), b.MinScanInterval, b.MaxScanInterval)
		reasons = append(reasons, "accuracy_excellent")
	}

	// 2. Reliability: rate-limit hits or error bursts force a retreat.
	switch {
	case m.RateLimitHits > 0 || m.APIErrors > 5:
		p.CapacityTarget = maxFloat(p.CapacityTarget*0.85, b.MinCapacityTarget)
		p.ThrottleThreshold *= 0.90
		p.BatchSize = clampInt(int(float64(p.BatchSize)*0.75), b.MinBatchSize, b.MaxBatchSize)
		reasons = append(reasons, "reliability_issues")
	case m.ReliabilityScore > 0.98 && m.RateLimitHits == 0 && tr.reliabilityImproving:
		// Pushing harder needs a held reliability trend, not one good
		// reading. Deliberately unclamped: the safety-bounds check vetoes
		// a push past the capacity ceiling and counts it.
		p.CapacityTarget *= 1.05
		p.ThrottleThreshold = minFloat(p.ThrottleThreshold*1.05, 0.95)
		reasons = append(reasons, "reliability_excellent")
	}

	// 3. Response time.
	switch {
	case m.AvgResponseTime > 500*time.Millisecond:
		p.BatchSize = clampInt(int(float64(p.BatchSize)*0.9), b.MinBatchSize, b.MaxBatchSize)
		p.CapacityTarget = maxFloat(p.CapacityTarget*0.95, b.MinCapacityTarget)
		reasons = append(reasons, "performance_slow")
	case m.AvgResponseTime < 100*time.Millisecond && tr.performanceStable:
		p.BatchSize = clampInt(int(float64(p.BatchSize)*1.05), b.MinBatchSize, b.MaxBatchSize)
		reasons = append(reasons, "performance_fast")
	}

	// 4. Capacity headroom.
	switch {
	case m.CapacityUsage > 0.85:
		p.ThrottleThreshold = m.CapacityUsage - 0.10
		p.RecoveryThreshold = p.ThrottleThreshold - 0.15
		p.ScanInterval = clampDur(time.Duration(float64(p.ScanInterval)*1.3), b.MinScanInterval, b.MaxScanInterval)
		reasons = append(reasons, "capacity_high")
	case m.CapacityUsage < 0.40 && tr.capacityStable:
		p.ThrottleThreshold = minFloat(p.ThrottleThreshold*1.10, 0.90)
		p.ScanInterval = clampDur(time.Duration(float64(p.ScanInterval)*0.85), b.MinScanInterval, b.MaxScanInterval)
		reasons = append(reasons, "capacity_low")
	}

	// 5. Satisfaction proxy.
	switch {
	case m.OverallSatisfaction < 0.80:
		p.PriorityBoost = 1.5
		p.ScanInterval = clampDur(time.Duration(float64(p.ScanInterval)*0.9), b.MinScanInterval, b.MaxScanInterval)
		p.BatchSize = clampInt(int(float64(p.BatchSize)*0.9), b.MinBatchSize, b.MaxBatchSize)
		reasons = append(reasons, "satisfaction_low")
	case m.OverallSatisfaction > 0.95:
		p.PriorityBoost = 1.0
	}

	return p, reasons
}

// trendEpsilon bounds the pair-wise volatility that still counts as a held
// trend for the accuracy and reliability scores.
const trendEpsilon = 0.005

// trendLocked derives trend flags from the last snapshots. Fewer than the
// trend window means no trend yet. A pair counts toward a score trend when
// it rises or when its change stays inside the volatility band, so a score
// held steady at an excellent level reads as a held trend rather than noise.
func (o *Optimizer) trendLocked() trend {
	if len(o.history) < trendWindow {
		return trend{}
	}
	recent := o.history[len(o.history)-trendWindow:]

	var accHeld, relHeld, perfStable, capStable int
	for i := 1; i < len(recent); i++ {
		prev, cur := recent[i-1].metrics, recent[i].metrics
		if cur.AccuracyRate > prev.AccuracyRate ||
			absFloat(cur.AccuracyRate-prev.AccuracyRate) < trendEpsilon {
			accHeld++
		}
		if cur.ReliabilityScore > prev.ReliabilityScore ||
			absFloat(cur.ReliabilityScore-prev.ReliabilityScore) < trendEpsilon {
			relHeld++
		}
		if absDur(cur.AvgResponseTime-prev.AvgResponseTime) < 50*time.Millisecond {
			perfStable++
		}
		if absFloat(cur.CapacityUsage-prev.CapacityUsage) < 0.10 {
			capStable++
		}
	}
	return trend{
		accuracyImproving:    accHeld > 5,
		reliabilityImproving: relHeld > 5,
		performanceStable:    perfStable > 7,
		capacityStable:       capStable > 7,
	}
}

// confidence grows with sample size and trend stability, capped at 1.0.
func confidence(m Metrics, tr trend) float64 {
	c := 0.5
	total := m.SuccessfulOperations + m.FailedOperations
	switch {
	case total > 1000:
		c += 0.2
	case total > 100:
		c += 0.1
	}
	if tr.performanceStable && tr.capacityStable {
		c += 0.2
	}
	if m.ReliabilityScore > 0.95 {
		c += 0.1
	}
	return minFloat(c, 1.0)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDur(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
