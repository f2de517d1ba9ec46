package quality

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	kucoin "github.com/CAJUDA30/kucoin"
)

// Validation layer names, in evaluation order.
const (
	LayerDataQuality      = "DataQuality"
	LayerMarketConditions = "MarketConditions"
	LayerRiskLimits       = "RiskLimits"
	LayerRegulatory       = "Regulatory"
	LayerConfidence       = "Confidence"
)

// LayerResult is the outcome of one validation layer.
type LayerResult struct {
	Layer  string
	Passed bool
	Reason string
	Score  float64
}

// ValidatorConfig holds the gate thresholds.
type ValidatorConfig struct {
	MinConfidence   float64
	MaxSpreadBPS    float64
	MinLiquidityUSD float64
	MinVolume24hUSD float64
	MinBalance      decimal.Decimal
	MaxPositions    int
	// DailyLossFraction is the fraction of the account balance that the
	// day's realized loss must stay below; a loss equal to it fails.
	DailyLossFraction decimal.Decimal
}

// DefaultValidatorConfig returns the stock gate thresholds.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinConfidence:     0.75,
		MaxSpreadBPS:      50,
		MinLiquidityUSD:   10000,
		MinVolume24hUSD:   1000,
		MinBalance:        decimal.NewFromInt(10),
		MaxPositions:      3,
		DailyLossFraction: decimal.NewFromFloat(0.05),
	}
}

// Validator is the five-layer pre-trade gate. A trade may execute only when
// every layer passes.
type Validator struct {
	cfg     ValidatorConfig
	quality *Manager
	log     zerolog.Logger
	bus     kucoin.Publisher
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger attaches a structured logger.
func WithValidatorLogger(log zerolog.Logger) ValidatorOption {
	return func(v *Validator) { v.log = log }
}

// WithValidatorPublisher wires the event bus for risk-limit events.
func WithValidatorPublisher(p kucoin.Publisher) ValidatorOption {
	return func(v *Validator) { v.bus = p }
}

// NewValidator creates a Validator delegating data-quality scoring to
// quality.
func NewValidator(cfg ValidatorConfig, quality *Manager, opts ...ValidatorOption) *Validator {
	d := DefaultValidatorConfig()
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = d.MinConfidence
	}
	if cfg.MaxSpreadBPS <= 0 {
		cfg.MaxSpreadBPS = d.MaxSpreadBPS
	}
	if cfg.MinLiquidityUSD <= 0 {
		cfg.MinLiquidityUSD = d.MinLiquidityUSD
	}
	if cfg.MinVolume24hUSD <= 0 {
		cfg.MinVolume24hUSD = d.MinVolume24hUSD
	}
	if cfg.MinBalance.IsZero() {
		cfg.MinBalance = d.MinBalance
	}
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = d.MaxPositions
	}
	if cfg.DailyLossFraction.IsZero() {
		cfg.DailyLossFraction = d.DailyLossFraction
	}
	v := &Validator{cfg: cfg, quality: quality, log: zerolog.Nop(), bus: kucoin.NopPublisher{}}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every layer against the trade context.
func (v *Validator) Validate(ctx *kucoin.TradeContext) []LayerResult {
	results := []LayerResult{
		v.validateDataQuality(ctx),
		v.validateMarketConditions(ctx),
		v.validateRiskLimits(ctx),
		v.validateRegulatory(ctx),
		v.validateConfidence(ctx),
	}
	for _, r := range results {
		if !r.Passed {
			v.log.Warn().
				Str("symbol", ctx.MarketData.Symbol).
				Str("layer", r.Layer).
				Str("reason", r.Reason).
				Msg("pre-trade validation failed")
		}
	}
	return results
}

// CanTrade reports whether every layer passed.
func (v *Validator) CanTrade(results []LayerResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Check runs the gate and returns nil when the trade may proceed, or a
// ValidationError naming the first failing layer.
func (v *Validator) Check(ctx *kucoin.TradeContext) error {
	for _, r := range v.Validate(ctx) {
		if !r.Passed {
			return &kucoin.ValidationError{Layer: r.Layer, Reason: r.Reason}
		}
	}
	return nil
}

func (v *Validator) validateDataQuality(ctx *kucoin.TradeContext) LayerResult {
	checks := v.quality.Validate(&ctx.MarketData)
	passed := v.quality.IsValid(checks)
	score := v.quality.OverallScore(checks)

	reason := "data quality insufficient"
	if passed {
		reason = fmt.Sprintf("data quality %.1f%%", score*100)
	} else if msg := firstFailure(checks); msg != "" {
		reason = msg
	}
	return LayerResult{Layer: LayerDataQuality, Passed: passed, Reason: reason, Score: score}
}

func (v *Validator) validateMarketConditions(ctx *kucoin.TradeContext) LayerResult {
	d := &ctx.MarketData
	spreadOK := d.SpreadBPS() < v.cfg.MaxSpreadBPS
	liquidityOK := d.BidVolume+d.AskVolume > v.cfg.MinLiquidityUSD
	volumeOK := d.Volume24h > v.cfg.MinVolume24hUSD

	passed := spreadOK && liquidityOK && volumeOK
	return LayerResult{
		Layer:  LayerMarketConditions,
		Passed: passed,
		Reason: fmt.Sprintf("spread %.1fbps, book %.0f, 24h volume %.0f",
			d.SpreadBPS(), d.BidVolume+d.AskVolume, d.Volume24h),
		Score: boolScore(passed, 0.5),
	}
}

func (v *Validator) validateRiskLimits(ctx *kucoin.TradeContext) LayerResult {
	balanceOK := ctx.AccountBalance.GreaterThan(v.cfg.MinBalance)
	positionsOK := len(ctx.OpenPositions) < v.cfg.MaxPositions
	maxLoss := ctx.AccountBalance.Mul(v.cfg.DailyLossFraction).Neg()
	dailyLossOK := ctx.DailyPnL.GreaterThan(maxLoss)

	passed := balanceOK && positionsOK && dailyLossOK
	if !passed {
		switch {
		case !dailyLossOK:
			pnl, _ := ctx.DailyPnL.Float64()
			limit, _ := maxLoss.Float64()
			v.bus.Publish(kucoin.RiskLimitHit{LimitType: "daily_loss", CurrentValue: pnl, LimitValue: limit})
		case !positionsOK:
			v.bus.Publish(kucoin.RiskLimitHit{
				LimitType:    "max_positions",
				CurrentValue: float64(len(ctx.OpenPositions)),
				LimitValue:   float64(v.cfg.MaxPositions),
			})
		default:
			bal, _ := ctx.AccountBalance.Float64()
			limit, _ := v.cfg.MinBalance.Float64()
			v.bus.Publish(kucoin.RiskLimitHit{LimitType: "min_balance", CurrentValue: bal, LimitValue: limit})
		}
		return LayerResult{Layer: LayerRiskLimits, Passed: false, Reason: "risk limits exceeded", Score: 0}
	}
	return LayerResult{
		Layer:  LayerRiskLimits,
		Passed: true,
		Reason: fmt.Sprintf("balance %s, positions %d/%d, daily pnl %s",
			ctx.AccountBalance, len(ctx.OpenPositions), v.cfg.MaxPositions, ctx.DailyPnL),
		Score: 1,
	}
}

func (v *Validator) validateRegulatory(ctx *kucoin.TradeContext) LayerResult {
	// Crypto venues trade around the clock; the only regulatory stop is a
	// delisting.
	if ctx.MarketData.IsDelisted {
		return LayerResult{
			Layer:  LayerRegulatory,
			Passed: false,
			Reason: fmt.Sprintf("%s is delisted", ctx.MarketData.Symbol),
			Score:  0,
		}
	}
	return LayerResult{Layer: LayerRegulatory, Passed: true, Reason: "all regulatory checks passed", Score: 1}
}

func (v *Validator) validateConfidence(ctx *kucoin.TradeContext) LayerResult {
	passed := ctx.ConfidenceScore >= v.cfg.MinConfidence
	return LayerResult{
		Layer:  LayerConfidence,
		Passed: passed,
		Reason: fmt.Sprintf("signal confidence %.1f%% (min %.1f%%)",
			ctx.ConfidenceScore*100, v.cfg.MinConfidence*100),
		Score: ctx.ConfidenceScore,
	}
}
