// Package quality holds the data-quality manager and the five-layer
// pre-trade validation gate. Every candidate trade passes the gate before
// any admission permit is requested for it.
package quality

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	kucoin "github.com/CAJUDA30/kucoin"
)

// Level ranks how binding one quality check is.
type Level int

const (
	LevelCritical  Level = iota // must pass
	LevelImportant              // should pass
	LevelOptional               // may fail
)

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "CRITICAL"
	case LevelImportant:
		return "IMPORTANT"
	default:
		return "OPTIONAL"
	}
}

// Check is one quality sub-check outcome.
type Check struct {
	Name    string
	Level   Level
	Passed  bool
	Message string
	Score   float64
}

// ManagerConfig holds the quality thresholds.
type ManagerConfig struct {
	MaxStalenessMS  int64
	MinCompleteness float64
	MaxSpreadBPS    float64
	// ImportantPassRate is the minimum fraction of IMPORTANT checks that
	// must pass.
	ImportantPassRate float64
}

// DefaultManagerConfig returns the stock thresholds.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxStalenessMS:    5000,
		MinCompleteness:   0.99,
		MaxSpreadBPS:      50,
		ImportantPassRate: 0.8,
	}
}

// Manager scores unified market data against tiered quality checks.
type Manager struct {
	cfg ManagerConfig
	log zerolog.Logger
	bus kucoin.Publisher
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger attaches a structured logger.
func WithManagerLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithManagerPublisher wires the event bus for quality issues.
func WithManagerPublisher(p kucoin.Publisher) ManagerOption {
	return func(m *Manager) { m.bus = p }
}

// NewManager creates a Manager, filling zero config fields with defaults.
func NewManager(cfg ManagerConfig, opts ...ManagerOption) *Manager {
	d := DefaultManagerConfig()
	if cfg.MaxStalenessMS <= 0 {
		cfg.MaxStalenessMS = d.MaxStalenessMS
	}
	if cfg.MinCompleteness <= 0 {
		cfg.MinCompleteness = d.MinCompleteness
	}
	if cfg.MaxSpreadBPS <= 0 {
		cfg.MaxSpreadBPS = d.MaxSpreadBPS
	}
	if cfg.ImportantPassRate <= 0 {
		cfg.ImportantPassRate = d.ImportantPassRate
	}
	m := &Manager{cfg: cfg, log: zerolog.Nop(), bus: kucoin.NopPublisher{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate runs every check against data, critical first.
func (m *Manager) Validate(data *kucoin.UnifiedMarketData) []Check {
	checks := []Check{
		m.checkPriceValidity(data),
		m.checkFreshness(data),
		m.checkCompleteness(data),
		m.checkNotDelisted(data),
		m.checkSpread(data),
		m.checkVolume(data),
		m.checkLiquidity(data),
		m.checkFundingRate(data),
		m.checkMarkPrice(data),
	}

	if !m.IsValid(checks) {
		m.bus.Publish(kucoin.DataQualityIssue{
			Symbol:   data.Symbol,
			Severity: "critical",
			Message:  firstFailure(checks),
		})
	}
	return checks
}

// IsValid applies the acceptance rule: every CRITICAL check passes and the
// IMPORTANT pass rate meets the configured floor.
func (m *Manager) IsValid(checks []Check) bool {
	var importantTotal, importantPassed int
	for _, c := range checks {
		switch c.Level {
		case LevelCritical:
			if !c.Passed {
				return false
			}
		case LevelImportant:
			importantTotal++
			if c.Passed {
				importantPassed++
			}
		}
	}
	if importantTotal == 0 {
		return true
	}
	return float64(importantPassed)/float64(importantTotal) >= m.cfg.ImportantPassRate
}

// OverallScore averages the check scores.
func (m *Manager) OverallScore(checks []Check) float64 {
	if len(checks) == 0 {
		return 0
	}
	var total float64
	for _, c := range checks {
		total += c.Score
	}
	return total / float64(len(checks))
}

func firstFailure(checks []Check) string {
	for _, c := range checks {
		if !c.Passed && c.Level == LevelCritical {
			return c.Message
		}
	}
	return "quality below threshold"
}

func (m *Manager) checkPriceValidity(d *kucoin.UnifiedMarketData) Check {
	passed := d.Price > 0 && !isInfOrNaN(d.Price)
	msg := "invalid price"
	if passed {
		msg = fmt.Sprintf("price valid: %.2f", d.Price)
	}
	return Check{Name: "price_validity", Level: LevelCritical, Passed: passed, Message: msg, Score: boolScore(passed, 0)}
}

func (m *Manager) checkFreshness(d *kucoin.UnifiedMarketData) Check {
	passed := d.DataFreshnessMS < m.cfg.MaxStalenessMS
	msg := fmt.Sprintf("data stale: %dms old (max %dms)", d.DataFreshnessMS, m.cfg.MaxStalenessMS)
	if passed {
		msg = fmt.Sprintf("data fresh: %dms old", d.DataFreshnessMS)
	}
	return Check{Name: "data_freshness", Level: LevelCritical, Passed: passed, Message: msg, Score: boolScore(passed, 0)}
}

func (m *Manager) checkCompleteness(d *kucoin.UnifiedMarketData) Check {
	passed := d.Completeness > m.cfg.MinCompleteness
	return Check{
		Name:    "completeness",
		Level:   LevelCritical,
		Passed:  passed,
		Message: fmt.Sprintf("completeness %.1f%%", d.Completeness*100),
		Score:   d.Completeness,
	}
}

func (m *Manager) checkNotDelisted(d *kucoin.UnifiedMarketData) Check {
	passed := !d.IsDelisted
	msg := "token delisted, do not trade"
	if passed {
		msg = "token active"
	}
	return Check{Name: "not_delisted", Level: LevelCritical, Passed: passed, Message: msg, Score: boolScore(passed, 0)}
}

func (m *Manager) checkSpread(d *kucoin.UnifiedMarketData) Check {
	spread := d.SpreadBPS()
	passed := spread < m.cfg.MaxSpreadBPS
	return Check{
		Name:    "spread_reasonable",
		Level:   LevelImportant,
		Passed:  passed,
		Message: fmt.Sprintf("spread %.1f bps", spread),
		Score:   boolScore(passed, 0.5),
	}
}

func (m *Manager) checkVolume(d *kucoin.UnifiedMarketData) Check {
	passed := d.Volume24h > 0
	return Check{
		Name:    "volume_present",
		Level:   LevelImportant,
		Passed:  passed,
		Message: fmt.Sprintf("24h volume %.0f", d.Volume24h),
		Score:   boolScore(passed, 0),
	}
}

func (m *Manager) checkLiquidity(d *kucoin.UnifiedMarketData) Check {
	passed := d.LiquidityAdequate()
	return Check{
		Name:    "liquidity_adequate",
		Level:   LevelImportant,
		Passed:  passed,
		Message: fmt.Sprintf("liquidity score %.2f", d.LiquidityScore),
		Score:   d.LiquidityScore,
	}
}

func (m *Manager) checkFundingRate(d *kucoin.UnifiedMarketData) Check {
	passed := d.FundingRate != 0
	return Check{
		Name:    "funding_rate",
		Level:   LevelOptional,
		Passed:  passed,
		Message: fmt.Sprintf("funding %.4f%%", d.FundingRate*100),
		Score:   boolScore(passed, 0.5),
	}
}

func (m *Manager) checkMarkPrice(d *kucoin.UnifiedMarketData) Check {
	passed := d.MarkPrice > 0
	return Check{
		Name:    "mark_price",
		Level:   LevelOptional,
		Passed:  passed,
		Message: fmt.Sprintf("mark %.2f", d.MarkPrice),
		Score:   boolScore(passed, 0.5),
	}
}

func boolScore(passed bool, failScore float64) float64 {
	if passed {
		return 1.0
	}
	return failScore
}

func isInfOrNaN(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
