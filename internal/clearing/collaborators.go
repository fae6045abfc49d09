package clearing

import (
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// CollateralLedger is the spot-balance collaborator. The core only
// moves raw collateral amounts; interest-index bookkeeping stays
// outside.
type CollateralLedger interface {
	SignedBalance(userID uuid.UUID) int64
	Adjust(userID uuid.UUID, delta int64) error
}

// MarginChecker answers the hypothetical margin question settlement
// gates on: the user's margin fraction as it would stand after the
// given collateral and per-market quote deltas.
type MarginChecker interface {
	WouldBeMarginRatio(userID uuid.UUID, collateralDelta int64, quoteDeltas map[string]int64) (int64, error)
	MaintenanceRatioRequirement(userID uuid.UUID) int64
}

// FeeAccounting owns the protocol's revenue floor. Funding may not
// draw fee revenue below FeePoolFloor, and the effective fee pool is
// whatever sits above it.
type FeeAccounting interface {
	FeePoolFloor(market *state.Market) (int64, error)
}

// RepegShareFeeAccounting reserves half of all collected fees for
// curve re-pegging; only the other half backs funding and PnL-pool
// replenishment.
type RepegShareFeeAccounting struct{}

func (RepegShareFeeAccounting) FeePoolFloor(market *state.Market) (int64, error) {
	return fpmath.CheckedDiv(market.TotalFee, 2)
}

// effectiveFeePool is the fee-pool collateral actually spendable: the
// scalar pool balance, bounded by how far revenue sits above the
// floor. Never negative.
func effectiveFeePool(market *state.Market, fees FeeAccounting) (int64, error) {
	floor, err := fees.FeePoolFloor(market)
	if err != nil {
		return 0, err
	}
	headroom, err := fpmath.CheckedSub(market.TotalFeeMinusDistributions, floor)
	if err != nil {
		return 0, err
	}
	if headroom < 0 {
		headroom = 0
	}
	if headroom > market.FeePool {
		headroom = market.FeePool
	}
	return headroom, nil
}
