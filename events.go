package kucoin

import "time"

// Event is a tagged notification broadcast on the in-process event bus.
type Event interface {
	EventName() string
}

// Publisher is the producer side of the event bus. Publish must never block.
type Publisher interface {
	Publish(Event)
}

// NopPublisher discards events; subsystems use it when no bus is wired.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// NewListingDetected fires when the scanner first sees a tradable symbol.
type NewListingDetected struct {
	Symbol    string
	Timestamp time.Time
}

// DelistingDetected fires when a tracked symbol disappears from the venue.
type DelistingDetected struct {
	Symbol    string
	Timestamp time.Time
}

// DataQualityIssue fires when the quality manager scores a symbol below a
// tradable threshold.
type DataQualityIssue struct {
	Symbol   string
	Severity string
	Message  string
}

// RiskLimitHit fires when a risk guard trips.
type RiskLimitHit struct {
	LimitType    string
	CurrentValue float64
	LimitValue   float64
}

// HighConfidenceSignal fires when the strategy emits a signal above the
// confidence floor.
type HighConfidenceSignal struct {
	Symbol     string
	SignalType string
	Confidence float64
}

// OrderPlaced fires when an order is accepted by the venue.
type OrderPlaced struct {
	OrderID string
	Symbol  string
	Side    string
	Price   float64
}

// OrderFilled fires on a complete fill.
type OrderFilled struct {
	OrderID     string
	Symbol      string
	FilledPrice float64
}

// StopLossTriggered fires when a protective stop executes.
type StopLossTriggered struct {
	Symbol       string
	TriggerPrice float64
}

// EmergencyStop fires when the agent halts trading.
type EmergencyStop struct {
	Reason    string
	Timestamp time.Time
}

// ParametersReset fires when the optimizer's knobs are manually restored to
// defaults.
type ParametersReset struct {
	Reason string
}

func (NewListingDetected) EventName() string    { return "NewListingDetected" }
func (DelistingDetected) EventName() string     { return "DelistingDetected" }
func (DataQualityIssue) EventName() string      { return "DataQualityIssue" }
func (RiskLimitHit) EventName() string          { return "RiskLimitHit" }
func (HighConfidenceSignal) EventName() string  { return "HighConfidenceSignal" }
func (OrderPlaced) EventName() string           { return "OrderPlaced" }
func (OrderFilled) EventName() string           { return "OrderFilled" }
func (StopLossTriggered) EventName() string     { return "StopLossTriggered" }
func (EmergencyStop) EventName() string         { return "EmergencyStop" }
func (ParametersReset) EventName() string       { return "ParametersReset" }
