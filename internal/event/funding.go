package event

import "fmt"

// FundingTick requests one funding period for a market. Time is the
// versioned clock value in epoch seconds; the engine rejects ticks that
// arrive before the market's funding period has elapsed, so the key
// only needs market and time.
type FundingTick struct {
	Market   string
	Time     int64 // Epoch seconds (versioned input)
	Sequence int64
}

func (f *FundingTick) IdempotencyKey() string {
	return fmt.Sprintf("%s:funding:%d", f.Market, f.Time)
}

func (f *FundingTick) EventType() EventType {
	return EventTypeFundingTick
}

func (f *FundingTick) MarketID() *string {
	m := f.Market
	return &m
}

func (f *FundingTick) SourceSequence() int64 {
	return f.Sequence
}
