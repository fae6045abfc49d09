package state

import (
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// PositionManager owns all position state.
type PositionManager struct {
	positions map[PositionKey]*Position
}

type PositionKey struct {
	UserID   uuid.UUID
	MarketID string
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[PositionKey]*Position),
	}
}

// GetPosition returns the existing position or nil.
func (pm *PositionManager) GetPosition(userID uuid.UUID, marketID string) *Position {
	key := PositionKey{UserID: userID, MarketID: marketID}
	return pm.positions[key]
}

// GetOrCreatePosition returns the existing position or creates an
// empty one. A fresh position starts at the market's current
// cumulative rate so no historical funding applies to it.
func (pm *PositionManager) GetOrCreatePosition(userID uuid.UUID, marketID string, cumulativeFundingRate int64) *Position {
	key := PositionKey{UserID: userID, MarketID: marketID}
	pos := pm.positions[key]

	if pos == nil {
		pos = &Position{
			UserID:                    userID,
			MarketID:                  marketID,
			LastCumulativeFundingRate: cumulativeFundingRate,
		}
		pm.positions[key] = pos
	}

	return pos
}

// ApplyFill folds an externally matched fill into the position. The
// deltas come signed from the matching venue. Entry basis tracks the
// cost of the open exposure only: an increase accumulates the quote
// delta, a reduction releases the closed share of the basis into
// realizable PnL, and a flip rebases on the portion of the fill
// backing the new exposure.
func (pm *PositionManager) ApplyFill(pos *Position, baseDelta, quoteDelta int64) error {
	newBase, err := fpmath.CheckedAdd(pos.BaseAssetAmount, baseDelta)
	if err != nil {
		return err
	}
	newQuote, err := fpmath.CheckedAdd(pos.QuoteAssetAmount, quoteDelta)
	if err != nil {
		return err
	}

	var newEntry int64
	switch {
	case pos.BaseAssetAmount == 0 || baseDelta == 0 ||
		(pos.BaseAssetAmount > 0) == (baseDelta > 0):
		newEntry, err = fpmath.CheckedAdd(pos.QuoteEntryAmount, quoteDelta)
	case (newBase >= 0) == (pos.BaseAssetAmount >= 0):
		newEntry, err = fpmath.MulDiv(pos.QuoteEntryAmount, newBase, pos.BaseAssetAmount)
	default:
		newEntry, err = fpmath.MulDiv(quoteDelta, newBase, baseDelta)
	}
	if err != nil {
		return err
	}

	pos.BaseAssetAmount = newBase
	pos.QuoteAssetAmount = newQuote
	pos.QuoteEntryAmount = newEntry
	pos.Version++
	return nil
}

// ComputeUnrealizedPnl marks the position to a reference price:
// base exposure valued at the price plus the running quote balance.
func (pm *PositionManager) ComputeUnrealizedPnl(pos *Position, price fpmath.Price) (int64, error) {
	baseValue, err := fpmath.BaseValueAtPrice(fpmath.Base(pos.BaseAssetAmount), price)
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedAdd(int64(baseValue), pos.QuoteAssetAmount)
}

// ComputePositionNotional is the absolute collateral value of the
// position's base exposure at a price.
func (pm *PositionManager) ComputePositionNotional(pos *Position, price fpmath.Price) (int64, error) {
	v, err := fpmath.NotionalValue(fpmath.Base(pos.BaseAssetAmount), price)
	return int64(v), err
}

// HasOpenPositions reports whether the user carries any live exposure.
func (pm *PositionManager) HasOpenPositions(userID uuid.UUID) bool {
	for key, pos := range pm.positions {
		if key.UserID == userID && pos.IsOpen() {
			return true
		}
	}
	return false
}

// GetUserPositions returns all positions for a user.
func (pm *PositionManager) GetUserPositions(userID uuid.UUID) []*Position {
	result := make([]*Position, 0)
	for key, pos := range pm.positions {
		if key.UserID == userID {
			result = append(result, pos)
		}
	}
	return result
}

// GetAllPositions returns all positions (for iteration and snapshots).
func (pm *PositionManager) GetAllPositions() []*Position {
	result := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		result = append(result, pos)
	}
	return result
}

// SetPosition directly installs a position (used for snapshot restore).
func (pm *PositionManager) SetPosition(pos *Position) {
	key := PositionKey{UserID: pos.UserID, MarketID: pos.MarketID}
	pm.positions[key] = pos
}
