package event

import (
	"github.com/google/uuid"
)

// PositionFill represents a matched fill from the external matching
// layer, already netted into signed base and quote deltas for one user.
// Idempotency key: fill_id (UUID from the matcher).
type PositionFill struct {
	FillID       uuid.UUID // Idempotency key
	UserID       uuid.UUID
	Market       string
	BaseDelta    int64 // Fixed-point: base scale, signed (+ long, - short)
	QuoteDelta   int64 // Fixed-point: quote scale, signed, opposite the base leg
	Fee          int64 // Fixed-point: quote scale, always >= 0
	FillSequence int64 // Source sequence from the matcher
	Timestamp    int64 // Epoch microseconds (versioned input)
}

func (f *PositionFill) IdempotencyKey() string {
	return f.FillID.String()
}

func (f *PositionFill) EventType() EventType {
	return EventTypePositionFill
}

func (f *PositionFill) MarketID() *string {
	m := f.Market
	return &m
}

func (f *PositionFill) SourceSequence() int64 {
	return f.FillSequence
}
