package event

import "fmt"

// MarketListed carries the full parameter set of a new perpetual
// market. Listing the same market twice is rejected by state, so the
// idempotency key only needs the market ID.
type MarketListed struct {
	Market            string
	BaseAssetReserve  int64 // Fixed-point: base scale
	QuoteAssetReserve int64 // Fixed-point: base scale
	PegMultiplier     int64 // Fixed-point: peg scale
	SqrtK             int64

	FundingPeriodSec       int64
	MarginRatioInitial     int64 // Margin fraction scale
	MarginRatioMaintenance int64 // Margin fraction scale
	LiquidationFeeRatio    int64

	PnlPool int64 // Initial seed, quote scale
	FeePool int64 // Initial seed, quote scale

	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (m *MarketListed) IdempotencyKey() string {
	return fmt.Sprintf("%s:listed", m.Market)
}

func (m *MarketListed) EventType() EventType {
	return EventTypeMarketListed
}

func (m *MarketListed) MarketID() *string {
	id := m.Market
	return &id
}

func (m *MarketListed) SourceSequence() int64 {
	return m.Sequence
}

// MarketStatusUpdate moves a market through its lifecycle. Illegal
// transitions are rejected by state.
type MarketStatusUpdate struct {
	Market    string
	NewStatus int32 // state.MarketStatus value
	Sequence  int64
	Timestamp int64
}

func (m *MarketStatusUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:status:%d", m.Market, m.Sequence)
}

func (m *MarketStatusUpdate) EventType() EventType {
	return EventTypeMarketStatusUpdate
}

func (m *MarketStatusUpdate) MarketID() *string {
	id := m.Market
	return &id
}

func (m *MarketStatusUpdate) SourceSequence() int64 {
	return m.Sequence
}
