// Package kucoin is the request-admission and flow-control core of a
// futures trading agent. It keeps a high-frequency workload inside the
// exchange's rolling-window weight budget: the unified rate controller in
// this package is the authoritative admission path, and the subsystems under
// internal/ and pkg/ supply windowed rate limiting, adaptive scheduling,
// parameter tuning, pre-trade validation and event distribution.
package kucoin

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Priority is the urgency tier of an admission request. Lower values are
// more urgent and drain first.
type Priority int

const (
	PriorityCritical Priority = iota // real-time trade execution
	PriorityHigh                     // position monitoring
	PriorityMedium                   // market data collection
	PriorityLow                      // administrative work

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p < numPriorities
}

// Category is the operational class of a request, used for capacity
// reservation.
type Category int

const (
	CategoryTrading Category = iota // trade execution, position monitoring
	CategoryScanning                // market scans, token discovery
	CategoryAdmin                   // account info, misc operations

	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryTrading:
		return "TRADING"
	case CategoryScanning:
		return "SCANNING"
	case CategoryAdmin:
		return "ADMIN"
	default:
		return fmt.Sprintf("CATEGORY(%d)", int(c))
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c >= CategoryTrading && c < numCategories
}

// PressureState classifies current load. Only the controller's monitor
// advances it.
type PressureState int

const (
	PressureNormal PressureState = iota
	PressureModerate
	PressureHeavy
	PressureEmergency
)

func (s PressureState) String() string {
	switch s {
	case PressureNormal:
		return "NORMAL"
	case PressureModerate:
		return "MODERATE"
	case PressureHeavy:
		return "HEAVY"
	case PressureEmergency:
		return "EMERGENCY"
	default:
		return fmt.Sprintf("PRESSURE(%d)", int(s))
	}
}

// ThroughputMultiplier is the fraction of nominal drain speed allowed in
// this state. Emergency never drops below the minimum-throughput floor.
func (s PressureState) ThroughputMultiplier() float64 {
	switch s {
	case PressureModerate:
		return 0.75
	case PressureHeavy:
		return 0.40
	case PressureEmergency:
		return 0.15
	default:
		return 1.0
	}
}

// SlaTimeoutError reports that a non-critical waiter exceeded its priority's
// SLA before capacity freed. Callers may retry, demote priority, or drop.
type SlaTimeoutError struct {
	Priority  Priority
	Operation string
	Waited    time.Duration
	SLA       time.Duration
}

func (e *SlaTimeoutError) Error() string {
	return fmt.Sprintf("sla timeout: %s %q queued %s (sla %s)",
		e.Priority, e.Operation, e.Waited.Round(time.Millisecond), e.SLA)
}

// ValidationError reports a pre-trade gate rejection, carrying the offending
// layer and reason. No permit is requested for a rejected trade.
type ValidationError struct {
	Layer  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation rejected at %s layer: %s", e.Layer, e.Reason)
}

// UnifiedMarketData combines every market data source for one symbol into
// the shape the quality gate scores.
type UnifiedMarketData struct {
	Symbol    string
	Timestamp time.Time

	Price      float64
	MarkPrice  float64
	IndexPrice float64

	Volume24h      float64
	Volume1h       float64
	LiquidityScore float64

	BestBid            float64
	BestAsk            float64
	BidVolume          float64
	AskVolume          float64
	OrderBookImbalance float64

	FundingRate     float64
	NextFundingTime time.Time

	IsNewListing    bool
	IsDelisted      bool
	DataFreshnessMS int64
	SourceCount     int

	DataQualityScore float64
	Completeness     float64
}

// SpreadBPS returns the bid/ask spread in basis points of the last price.
// A zero price reports an effectively untradable spread.
func (d *UnifiedMarketData) SpreadBPS() float64 {
	if d.Price == 0 {
		return 9999
	}
	return (d.BestAsk - d.BestBid) / d.Price * 10000
}

// LiquidityAdequate reports whether the book is deep enough to trade.
func (d *UnifiedMarketData) LiquidityAdequate() bool {
	return d.LiquidityScore > 0.5 && d.BidVolume+d.AskVolume > 10000
}

// Position is an open position summary as the risk layer sees it.
type Position struct {
	Symbol     string
	Side       string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// TradeContext carries everything the pre-trade validator needs to judge
// one candidate trade.
type TradeContext struct {
	MarketData      UnifiedMarketData
	AccountBalance  decimal.Decimal
	OpenPositions   []Position
	DailyPnL        decimal.Decimal
	ConfidenceScore float64
}
