package clearing

import (
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// SettlementEngine converts unrealized PnL into realized collateral
// moves between a trader and the market's shared pools.
type SettlementEngine struct {
	collateral CollateralLedger
	margin     MarginChecker
	fees       FeeAccounting
	policy     PoolPolicy
	funding    *FundingEngine
}

func NewSettlementEngine(
	collateral CollateralLedger,
	margin MarginChecker,
	fees FeeAccounting,
	policy PoolPolicy,
	funding *FundingEngine,
) *SettlementEngine {
	return &SettlementEngine{
		collateral: collateral,
		margin:     margin,
		fees:       fees,
		policy:     policy,
		funding:    funding,
	}
}

// SettlementResult records the atomic three-way mutation of one
// settlement.
type SettlementResult struct {
	UserID    uuid.UUID
	MarketID  string
	Timestamp int64

	// Signed amount realized: > 0 paid to the trader, < 0 collected.
	SettledAmount int64

	// Funding applied as the precursor step, already inside the
	// position's quote balance.
	FundingPayment int64

	// Pool movements around this settlement.
	PnlPoolDelta int64
	FeePoolDelta int64

	// Post-settlement state for projections.
	QuoteBalanceAfter int64
	SettledPnlAfter   int64
	PnlPoolAfter      int64
	FeePoolAfter      int64
}

// SettlePnl realizes a position's unrealized PnL against the market's
// PnL pool, marked at the oracle price.
//
// The operation is a single indivisible step: every check runs before
// the first write, and on any error the market, position and
// collateral balance are exactly as they were.
func (se *SettlementEngine) SettlePnl(
	market *state.Market,
	pos *state.Position,
	oracle *state.OracleSnapshot,
	now int64,
) (*SettlementResult, error) {
	if market.Status == state.MarketStatusDelisted {
		return nil, ErrMarketStatus
	}
	if oracle == nil || !oracle.Valid {
		return nil, ErrInvalidOracleSnapshot
	}

	// Funding is a precursor: the settleable balance is the quote
	// balance with pending funding folded in. Computed here without
	// writing so a later failure leaves the position untouched.
	fundingPayment, newCumulativeRate, err := se.funding.PendingFundingPayment(market, pos)
	if err != nil {
		return nil, err
	}
	adjustedQuote, err := fpmath.CheckedAdd(pos.QuoteAssetAmount, fundingPayment)
	if err != nil {
		return nil, err
	}

	if pos.BaseAssetAmount == 0 && adjustedQuote == 0 {
		return nil, ErrUserHasNoPositionInMarket
	}

	baseValue, err := fpmath.BaseValueAtPrice(fpmath.Base(pos.BaseAssetAmount), oracle.Price)
	if err != nil {
		return nil, err
	}
	unsettledPnl, err := fpmath.CheckedAdd(int64(baseValue), adjustedQuote)
	if err != nil {
		return nil, err
	}

	settled := unsettledPnl
	var replenish, skim int64

	if unsettledPnl > 0 {
		// Price appreciation on open exposure cannot be realized
		// without reducing the position: positive settlement is capped
		// at the gain over the position's entry basis.
		maxPositive, err := fpmath.CheckedSub(adjustedQuote, pos.QuoteEntryAmount)
		if err != nil {
			return nil, err
		}
		if maxPositive < 0 {
			maxPositive = 0
		}
		if settled > maxPositive {
			settled = maxPositive
		}

		// A trader cannot realize more profit than the pool holds.
		// The fee pool may top the PnL pool up first, within its
		// spendable headroom.
		if settled > market.PnlPool {
			deficit, err := fpmath.CheckedSub(settled, market.PnlPool)
			if err != nil {
				return nil, err
			}
			available, err := effectiveFeePool(market, se.fees)
			if err != nil {
				return nil, err
			}
			replenish = se.policy.ReplenishFromFeePool(market, deficit, available)
		}
		poolCapacity, err := fpmath.CheckedAdd(market.PnlPool, replenish)
		if err != nil {
			return nil, err
		}
		if settled > poolCapacity {
			settled = poolCapacity
		}

		if settled > 0 {
			// Margin gate: the realized profit leaves the position's
			// quote balance, so risk must still clear maintenance
			// afterwards.
			ratio, err := se.margin.WouldBeMarginRatio(
				pos.UserID,
				settled,
				map[string]int64{market.MarketID: -settled},
			)
			if err != nil {
				return nil, err
			}
			if ratio < se.margin.MaintenanceRatioRequirement(pos.UserID) {
				return nil, ErrInsufficientCollateralForSettlingPnl
			}
		}
	} else if unsettledPnl < 0 {
		// Paying down a liability is always eligible. The pool inflow
		// may skim a bounded share into the fee pool as revenue.
		inflow, err := fpmath.Abs(unsettledPnl)
		if err != nil {
			return nil, err
		}
		skim = se.policy.SkimToFeePool(market, inflow)
	}

	// Stage all post-state; the commit below cannot fail.
	newQuote, err := fpmath.CheckedSub(adjustedQuote, settled)
	if err != nil {
		return nil, err
	}
	newSettledPnl, err := fpmath.CheckedAdd(pos.SettledPnl, settled)
	if err != nil {
		return nil, err
	}

	pnlPoolDelta, err := fpmath.CheckedSub(replenish, settled)
	if err != nil {
		return nil, err
	}
	pnlPoolDelta, err = fpmath.CheckedSub(pnlPoolDelta, skim)
	if err != nil {
		return nil, err
	}
	feePoolDelta, err := fpmath.CheckedSub(skim, replenish)
	if err != nil {
		return nil, err
	}
	newPnlPool, err := fpmath.CheckedAdd(market.PnlPool, pnlPoolDelta)
	if err != nil {
		return nil, err
	}
	newFeePool, err := fpmath.CheckedAdd(market.FeePool, feePoolDelta)
	if err != nil {
		return nil, err
	}
	if newPnlPool < 0 || newFeePool < 0 {
		return nil, &fpmath.MathError{Op: "sub", Reason: "pool underflow"}
	}

	var newQuoteLong, newQuoteShort int64
	if pos.BaseAssetAmount >= 0 {
		newQuoteLong, err = fpmath.CheckedSub(market.QuoteAssetAmountLong, settled)
		newQuoteShort = market.QuoteAssetAmountShort
	} else {
		newQuoteShort, err = fpmath.CheckedSub(market.QuoteAssetAmountShort, settled)
		newQuoteLong = market.QuoteAssetAmountLong
	}
	if err != nil {
		return nil, err
	}

	// Commit. The collateral move runs first so its checked add is
	// still a pre-write failure for everything else.
	if err := se.collateral.Adjust(pos.UserID, settled); err != nil {
		return nil, err
	}
	pos.QuoteAssetAmount = newQuote
	pos.LastCumulativeFundingRate = newCumulativeRate
	pos.SettledPnl = newSettledPnl
	pos.Version++

	market.PnlPool = newPnlPool
	market.FeePool = newFeePool
	market.QuoteAssetAmountLong = newQuoteLong
	market.QuoteAssetAmountShort = newQuoteShort

	return &SettlementResult{
		UserID:            pos.UserID,
		MarketID:          market.MarketID,
		Timestamp:         now,
		SettledAmount:     settled,
		FundingPayment:    fundingPayment,
		PnlPoolDelta:      pnlPoolDelta,
		FeePoolDelta:      feePoolDelta,
		QuoteBalanceAfter: newQuote,
		SettledPnlAfter:   newSettledPnl,
		PnlPoolAfter:      newPnlPool,
		FeePoolAfter:      newFeePool,
	}, nil
}
