package clearing

import (
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
)

// PoolPolicy decides how surplus moves between the PnL pool and the
// fee pool around a settlement. The exact ratio and caps are protocol
// configuration, not core semantics.
type PoolPolicy interface {
	// SkimToFeePool returns how much of a PnL-pool inflow to divert
	// into the fee pool as realized revenue.
	SkimToFeePool(market *state.Market, inflow int64) int64

	// ReplenishFromFeePool returns how much spendable fee-pool
	// collateral to move into the PnL pool to help cover a payout
	// deficit.
	ReplenishFromFeePool(market *state.Market, deficit, feePoolAvailable int64) int64
}

// DefaultPoolPolicy diverts half of each inflow above the PnL-pool
// floor, bounded per settlement and by the market's retained fee
// revenue, and replenishes deficits fully from whatever the fee pool
// can spare.
type DefaultPoolPolicy struct {
	SkimNumerator   int64
	SkimDenominator int64
	MaxSkimPerSettle int64
	PnlPoolFloor    int64
}

func NewDefaultPoolPolicy() *DefaultPoolPolicy {
	return &DefaultPoolPolicy{
		SkimNumerator:    1,
		SkimDenominator:  2,
		MaxSkimPerSettle: 100 * fpmath.QuotePrecision,
		PnlPoolFloor:     0,
	}
}

func (p *DefaultPoolPolicy) SkimToFeePool(market *state.Market, inflow int64) int64 {
	if inflow <= 0 || p.SkimDenominator <= 0 {
		return 0
	}
	surplus := market.PnlPool + inflow - p.PnlPoolFloor
	if surplus <= 0 {
		return 0
	}

	// Skimming mints protocol revenue, so it is bounded by the fee
	// revenue actually retained: distributions and the re-peg reserve
	// already spoken for leave only this much headroom. A market that
	// has collected no fees skims nothing.
	floor, err := fpmath.CheckedDiv(market.TotalFee, 2)
	if err != nil {
		return 0
	}
	headroom := market.TotalFeeMinusDistributions - floor
	if headroom <= 0 {
		return 0
	}

	skim, err := fpmath.MulDiv(inflow, p.SkimNumerator, p.SkimDenominator)
	if err != nil {
		return 0
	}
	if skim > surplus {
		skim = surplus
	}
	if skim > headroom {
		skim = headroom
	}
	if p.MaxSkimPerSettle > 0 && skim > p.MaxSkimPerSettle {
		skim = p.MaxSkimPerSettle
	}
	if skim < 0 {
		skim = 0
	}
	return skim
}

func (p *DefaultPoolPolicy) ReplenishFromFeePool(market *state.Market, deficit, feePoolAvailable int64) int64 {
	if deficit <= 0 || feePoolAvailable <= 0 {
		return 0
	}
	if deficit < feePoolAvailable {
		return deficit
	}
	return feePoolAvailable
}

// NoSkimPolicy keeps every pool where it is; useful for markets whose
// PnL pool is still being seeded.
type NoSkimPolicy struct{}

func (NoSkimPolicy) SkimToFeePool(*state.Market, int64) int64 { return 0 }

func (NoSkimPolicy) ReplenishFromFeePool(*state.Market, int64, int64) int64 { return 0 }
