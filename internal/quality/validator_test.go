package quality

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kucoin "github.com/CAJUDA30/kucoin"
)

func goodTradeContext() kucoin.TradeContext {
	return kucoin.TradeContext{
		MarketData:      goodMarketData(),
		AccountBalance:  decimal.NewFromInt(500),
		OpenPositions:   nil,
		DailyPnL:        decimal.NewFromFloat(3.20),
		ConfidenceScore: 0.82,
	}
}

func newTestValidator(opts ...ValidatorOption) *Validator {
	return NewValidator(ValidatorConfig{}, NewManager(ManagerConfig{}), opts...)
}

func TestValidatorAcceptsGoodTrade(t *testing.T) {
	v := newTestValidator()
	ctx := goodTradeContext()

	results := v.Validate(&ctx)
	require.Len(t, results, 5)
	assert.True(t, v.CanTrade(results))
	assert.NoError(t, v.Check(&ctx))
}

func TestStaleDataFailsDataQualityLayer(t *testing.T) {
	v := newTestValidator()
	ctx := goodTradeContext()
	ctx.MarketData.DataFreshnessMS = 6000

	err := v.Check(&ctx)
	require.Error(t, err)

	var valErr *kucoin.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, LayerDataQuality, valErr.Layer)
}

func TestWideSpreadFailsMarketConditions(t *testing.T) {
	v := newTestValidator()
	ctx := goodTradeContext()
	// Widen the spread past 50 bps. The quality manager's spread check
	// fails as well (2 of 3 important checks, under the 80% floor), so the
	// data-quality layer also rejects; this test checks the market layer.
	ctx.MarketData.BestBid = 96500
	ctx.MarketData.BestAsk = 98100

	results := v.Validate(&ctx)
	assert.False(t, v.CanTrade(results))

	for _, r := range results {
		if r.Layer == LayerMarketConditions {
			assert.False(t, r.Passed)
		}
	}
}

func TestRiskLimitsLayer(t *testing.T) {
	t.Run("low balance", func(t *testing.T) {
		v := newTestValidator()
		ctx := goodTradeContext()
		ctx.AccountBalance = decimal.NewFromInt(5)
		// Scale the PnL so only the balance floor trips.
		ctx.DailyPnL = decimal.Zero

		err := v.Check(&ctx)
		var valErr *kucoin.ValidationError
		require.True(t, errors.As(err, &valErr))
		assert.Equal(t, LayerRiskLimits, valErr.Layer)
	})

	t.Run("too many positions", func(t *testing.T) {
		bus := &capturePublisher{}
		v := newTestValidator(WithValidatorPublisher(bus))
		ctx := goodTradeContext()
		ctx.OpenPositions = []kucoin.Position{
			{Symbol: "XBTUSDTM"}, {Symbol: "ETHUSDTM"}, {Symbol: "SOLUSDTM"},
		}

		err := v.Check(&ctx)
		require.Error(t, err)

		require.Len(t, bus.events, 1)
		hit, ok := bus.events[0].(kucoin.RiskLimitHit)
		require.True(t, ok)
		assert.Equal(t, "max_positions", hit.LimitType)
		assert.Equal(t, 3.0, hit.CurrentValue)
	})

	t.Run("daily loss breach", func(t *testing.T) {
		bus := &capturePublisher{}
		v := newTestValidator(WithValidatorPublisher(bus))
		ctx := goodTradeContext()
		// 6% down on a 500 balance breaches the 5% daily stop.
		ctx.DailyPnL = decimal.NewFromInt(-30)

		err := v.Check(&ctx)
		require.Error(t, err)

		require.Len(t, bus.events, 1)
		hit, ok := bus.events[0].(kucoin.RiskLimitHit)
		require.True(t, ok)
		assert.Equal(t, "daily_loss", hit.LimitType)
	})
}

func TestDelistedFailsBeforeRegulatory(t *testing.T) {
	v := newTestValidator()
	ctx := goodTradeContext()
	ctx.MarketData.IsDelisted = true

	results := v.Validate(&ctx)
	assert.False(t, v.CanTrade(results))

	// Delisting fails data quality first and regulatory as well.
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r.Layer)
		}
	}
	assert.Contains(t, failed, LayerDataQuality)
	assert.Contains(t, failed, LayerRegulatory)
}

func TestLowConfidenceFails(t *testing.T) {
	v := newTestValidator()
	ctx := goodTradeContext()
	ctx.ConfidenceScore = 0.60

	err := v.Check(&ctx)
	var valErr *kucoin.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, LayerConfidence, valErr.Layer)
}

func TestConfidenceBoundaryInclusive(t *testing.T) {
	v := newTestValidator()
	ctx := goodTradeContext()
	ctx.ConfidenceScore = 0.75

	assert.NoError(t, v.Check(&ctx))
}
