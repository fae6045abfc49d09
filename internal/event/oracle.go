package event

import "fmt"

// OraclePriceUpdate carries one oracle observation for a market. Slot
// is the oracle's own monotonic counter; stale slots are dropped by
// state, so replays are harmless.
type OraclePriceUpdate struct {
	Market     string
	Price      int64 // Fixed-point: price scale
	Twap       int64 // Fixed-point: price scale
	Confidence int64 // Fixed-point: price scale
	Slot       int64 // Monotonic per market
	Valid      bool
	Timestamp  int64 // Epoch microseconds (versioned input)
}

func (o *OraclePriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:oracle:%d", o.Market, o.Slot)
}

func (o *OraclePriceUpdate) EventType() EventType {
	return EventTypeOraclePriceUpdate
}

func (o *OraclePriceUpdate) MarketID() *string {
	m := o.Market
	return &m
}

func (o *OraclePriceUpdate) SourceSequence() int64 {
	return o.Slot
}
