package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketListed
	EventTypeMarketStatusUpdate
	EventTypeCollateralDeposit
	EventTypeCollateralWithdraw
	EventTypePositionFill
	EventTypeOraclePriceUpdate
	EventTypeFundingTick
	EventTypeSettlePnlRequest
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (nullable for global events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// Encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeMarketListed:
		return "MarketListed"
	case EventTypeMarketStatusUpdate:
		return "MarketStatusUpdate"
	case EventTypeCollateralDeposit:
		return "CollateralDeposit"
	case EventTypeCollateralWithdraw:
		return "CollateralWithdraw"
	case EventTypePositionFill:
		return "PositionFill"
	case EventTypeOraclePriceUpdate:
		return "OraclePriceUpdate"
	case EventTypeFundingTick:
		return "FundingTick"
	case EventTypeSettlePnlRequest:
		return "SettlePnlRequest"
	default:
		return "Unknown"
	}
}
