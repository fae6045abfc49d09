package ledger

import (
	"fmt"

	"PerpClearing/internal/state"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePoolsNonNegative verifies a market's mirrored pools never go
// below zero
func (v *InvariantValidator) ValidatePoolsNonNegative(marketID string) error {
	if err := v.tracker.ValidateNonNegative(NewMarketAccountKey(marketID, SubTypeMarketPnlPool)); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(NewMarketAccountKey(marketID, SubTypeMarketFeePool))
}

// ValidateMarketMirror cross-checks the mirrored pool balances against
// the engine's authoritative market fields. A divergence means a cash
// leg was journaled wrong or skipped.
func (v *InvariantValidator) ValidateMarketMirror(market *state.Market) error {
	pnl := v.tracker.GetMarketPnlPool(market.MarketID)
	if pnl != market.PnlPool {
		return fmt.Errorf("market %s pnl pool mirror diverged: ledger=%d engine=%d",
			market.MarketID, pnl, market.PnlPool)
	}
	fee := v.tracker.GetMarketFeePool(market.MarketID)
	if fee != market.FeePool {
		return fmt.Errorf("market %s fee pool mirror diverged: ledger=%d engine=%d",
			market.MarketID, fee, market.FeePool)
	}
	return nil
}

// ValidateGlobalBalance verifies the system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}
