package state

import (
	"fmt"
	"math"

	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// MarginCalculator computes cross-margin metrics over all of a user's
// positions, marked at the latest oracle prices.
type MarginCalculator struct {
	positionMgr *PositionManager
	balanceMgr  *BalanceManager
	marketMgr   *MarketRegistry
	oracleBook  *OracleBook
}

func NewMarginCalculator(
	pm *PositionManager,
	bm *BalanceManager,
	mm *MarketRegistry,
	ob *OracleBook,
) *MarginCalculator {
	return &MarginCalculator{
		positionMgr: pm,
		balanceMgr:  bm,
		marketMgr:   mm,
		oracleBook:  ob,
	}
}

// MarginStatus represents a user's margin health.
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

func (mc *MarginCalculator) markPrice(marketID string) (fpmath.Price, error) {
	snap := mc.oracleBook.Latest(marketID)
	if snap == nil {
		return 0, fmt.Errorf("no oracle price for market %s", marketID)
	}
	return snap.Price, nil
}

// ComputeEffectiveCollateral returns collateral plus total unrealized
// PnL, with optional hypothetical deltas applied: collateralDelta to
// the user's balance and quoteDeltas to per-market position quote
// balances.
func (mc *MarginCalculator) ComputeEffectiveCollateral(
	userID uuid.UUID,
	collateralDelta int64,
	quoteDeltas map[string]int64,
) (int64, error) {
	var effective int64

	if cb := mc.balanceMgr.GetBalance(userID); cb != nil {
		effective = cb.Signed()
	}
	effective, err := fpmath.CheckedAdd(effective, collateralDelta)
	if err != nil {
		return 0, err
	}

	for _, pos := range mc.positionMgr.GetUserPositions(userID) {
		if pos.IsAvailable() {
			continue
		}
		price, err := mc.markPrice(pos.MarketID)
		if err != nil {
			return 0, err
		}
		upnl, err := mc.positionMgr.ComputeUnrealizedPnl(pos, price)
		if err != nil {
			return 0, err
		}
		upnl, err = fpmath.CheckedAdd(upnl, quoteDeltas[pos.MarketID])
		if err != nil {
			return 0, err
		}
		effective, err = fpmath.CheckedAdd(effective, upnl)
		if err != nil {
			return 0, err
		}
	}

	return effective, nil
}

// ComputeTotalNotional sums notional across all user positions.
func (mc *MarginCalculator) ComputeTotalNotional(userID uuid.UUID) (int64, error) {
	var total int64
	for _, pos := range mc.positionMgr.GetUserPositions(userID) {
		if !pos.IsOpen() {
			continue
		}
		price, err := mc.markPrice(pos.MarketID)
		if err != nil {
			return 0, err
		}
		notional, err := mc.positionMgr.ComputePositionNotional(pos, price)
		if err != nil {
			return 0, err
		}
		total, err = fpmath.CheckedAdd(total, notional)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// ComputeTotalMaintenanceMargin sums each open position's notional
// weighted by its market's maintenance ratio.
func (mc *MarginCalculator) ComputeTotalMaintenanceMargin(userID uuid.UUID) (int64, error) {
	var total int64
	for _, pos := range mc.positionMgr.GetUserPositions(userID) {
		if !pos.IsOpen() {
			continue
		}
		market := mc.marketMgr.GetMarket(pos.MarketID)
		if market == nil {
			continue
		}
		price, err := mc.markPrice(pos.MarketID)
		if err != nil {
			return 0, err
		}
		notional, err := mc.positionMgr.ComputePositionNotional(pos, price)
		if err != nil {
			return 0, err
		}
		contribution, err := fpmath.MulDiv(notional, market.MarginRatioMaintenance, MarginFractionScale)
		if err != nil {
			return 0, err
		}
		total, err = fpmath.CheckedAdd(total, contribution)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// WouldBeMarginRatio computes the user's margin fraction as it would
// stand after the hypothetical deltas. Returns MaxInt64 when the user
// carries no notional.
func (mc *MarginCalculator) WouldBeMarginRatio(
	userID uuid.UUID,
	collateralDelta int64,
	quoteDeltas map[string]int64,
) (int64, error) {
	effective, err := mc.ComputeEffectiveCollateral(userID, collateralDelta, quoteDeltas)
	if err != nil {
		return 0, err
	}
	totalNotional, err := mc.ComputeTotalNotional(userID)
	if err != nil {
		return 0, err
	}
	if totalNotional == 0 {
		return math.MaxInt64, nil
	}
	return fpmath.MulDiv(effective, MarginFractionScale, totalNotional)
}

// MaintenanceRatioRequirement is the strictest maintenance ratio
// across the user's open markets.
func (mc *MarginCalculator) MaintenanceRatioRequirement(userID uuid.UUID) int64 {
	var maxMM int64
	for _, pos := range mc.positionMgr.GetUserPositions(userID) {
		if !pos.IsOpen() {
			continue
		}
		market := mc.marketMgr.GetMarket(pos.MarketID)
		if market == nil {
			continue
		}
		if market.MarginRatioMaintenance > maxMM {
			maxMM = market.MarginRatioMaintenance
		}
	}
	return maxMM
}

// InitialRatioRequirement is the strictest initial ratio across the
// user's open markets. Outflows (withdrawals, new exposure) gate on
// this rather than maintenance.
func (mc *MarginCalculator) InitialRatioRequirement(userID uuid.UUID) int64 {
	var maxIM int64
	for _, pos := range mc.positionMgr.GetUserPositions(userID) {
		if !pos.IsOpen() {
			continue
		}
		market := mc.marketMgr.GetMarket(pos.MarketID)
		if market == nil {
			continue
		}
		if market.MarginRatioInitial > maxIM {
			maxIM = market.MarginRatioInitial
		}
	}
	return maxIM
}

// CheckMarginHealth classifies a user's current margin state.
func (mc *MarginCalculator) CheckMarginHealth(userID uuid.UUID) (MarginStatus, error) {
	fraction, err := mc.WouldBeMarginRatio(userID, 0, nil)
	if err != nil {
		return MarginStatusHealthy, err
	}

	var maxMM, maxIM int64
	for _, pos := range mc.positionMgr.GetUserPositions(userID) {
		if !pos.IsOpen() {
			continue
		}
		market := mc.marketMgr.GetMarket(pos.MarketID)
		if market == nil {
			continue
		}
		if market.MarginRatioMaintenance > maxMM {
			maxMM = market.MarginRatioMaintenance
		}
		if market.MarginRatioInitial > maxIM {
			maxIM = market.MarginRatioInitial
		}
	}

	if fraction < maxMM {
		return MarginStatusLiquidatable, nil
	}
	if fraction < maxIM {
		return MarginStatusAtRisk, nil
	}
	return MarginStatusHealthy, nil
}
