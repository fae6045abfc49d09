package state

import (
	"github.com/google/uuid"
)

// Position is a user's exposure in one market. BaseAssetAmount is at
// base scale, quote fields at collateral scale, the funding rate at
// rate scale.
type Position struct {
	UserID   uuid.UUID
	MarketID string

	// Signed base exposure: > 0 long, < 0 short.
	BaseAssetAmount int64

	// Running quote balance: > 0 the house owes the trader, < 0 the
	// trader owes the house. Funding payments and fills accrue here
	// until settled.
	QuoteAssetAmount int64

	// Quote basis recorded at the last size change, used to separate
	// price PnL from accumulated funding.
	QuoteEntryAmount int64

	// Cumulative funding rate last applied to this position.
	LastCumulativeFundingRate int64

	// Realized PnL already moved to collateral.
	SettledPnl int64

	// Optimistic concurrency control for projections.
	Version int64
}

// IsAvailable reports whether the slot carries no exposure and no
// unsettled balance. Settlement on an available position is an error.
func (p *Position) IsAvailable() bool {
	return p.BaseAssetAmount == 0 && p.QuoteAssetAmount == 0
}

// IsOpen reports whether the position has live base exposure.
func (p *Position) IsOpen() bool {
	return p.BaseAssetAmount != 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat.
func (p *Position) SideSign() int64 {
	switch {
	case p.BaseAssetAmount > 0:
		return 1
	case p.BaseAssetAmount < 0:
		return -1
	default:
		return 0
	}
}

// CanonicalBytes returns a deterministic serialization for hashing.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	buf = append(buf, p.UserID[:]...)
	buf = append(buf, byte(len(p.MarketID)))
	buf = append(buf, []byte(p.MarketID)...)

	buf = appendInt64LE(buf, p.BaseAssetAmount)
	buf = appendInt64LE(buf, p.QuoteAssetAmount)
	buf = appendInt64LE(buf, p.QuoteEntryAmount)
	buf = appendInt64LE(buf, p.LastCumulativeFundingRate)
	buf = appendInt64LE(buf, p.SettledPnl)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
