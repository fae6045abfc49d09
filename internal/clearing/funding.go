package clearing

import (
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
)

// FundingEngine computes, caps and applies the periodic funding
// transfer for one market. All methods assume exclusive access to the
// market for the duration of the call and write nothing on any error
// path.
type FundingEngine struct {
	fees FeeAccounting
}

func NewFundingEngine(fees FeeAccounting) *FundingEngine {
	return &FundingEngine{fees: fees}
}

// FundingUpdate records the outcome of one funding period.
type FundingUpdate struct {
	MarketID   string
	Timestamp  int64
	MidTwap    int64
	OracleTwap int64

	// Per-period rates after capping, rate scale.
	RateLong  int64
	RateShort int64

	// Cumulative rates after this update.
	CumulativeRateLong  int64
	CumulativeRateShort int64

	// House PnL from the funding imbalance: what it would have been
	// uncapped, and what was actually booked.
	UncappedPnl int64
	CappedPnl   int64
}

// UpdateFundingRate runs one funding period for the market: derive the
// rate from the mid/oracle TWAP divergence, cap it against the fee
// pool, then accrue the per-side cumulative rates.
//
// Every check happens before the first write; a returned error means
// the market is untouched and the cycle can retry later.
func (fe *FundingEngine) UpdateFundingRate(
	market *state.Market,
	oracle *state.OracleSnapshot,
	now int64,
) (*FundingUpdate, error) {
	if market.Status != state.MarketStatusInitialized {
		return nil, ErrMarketStatus
	}
	if oracle == nil || !oracle.Valid {
		return nil, ErrInvalidOracleSnapshot
	}
	if market.LastFundingRateTs != 0 && now-market.LastFundingRateTs < market.FundingPeriodSec {
		return nil, ErrFundingPeriodNotElapsed
	}

	midTwap := fpmath.Price(market.LastMidPriceTwap)
	if midTwap == 0 {
		mid, err := market.MidPrice()
		if err != nil {
			return nil, err
		}
		midTwap = mid
	}

	rate, err := fpmath.ComputeFundingRate(midTwap, oracle.Twap, market.FundingPeriodSec)
	if err != nil {
		return nil, err
	}

	rateLong, rateShort, uncappedPnl, cappedPnl, err := fe.capFundingRate(market, rate)
	if err != nil {
		return nil, err
	}

	// Validation is done; stage every new value before writing any.
	newCumLong, err := fpmath.CheckedAdd(market.CumulativeFundingRateLong, rateLong)
	if err != nil {
		return nil, err
	}
	newCumShort, err := fpmath.CheckedAdd(market.CumulativeFundingRateShort, rateShort)
	if err != nil {
		return nil, err
	}
	newTfmd, err := fpmath.CheckedAdd(market.TotalFeeMinusDistributions, cappedPnl)
	if err != nil {
		return nil, err
	}
	newFeePool, err := fpmath.CheckedAdd(market.FeePool, cappedPnl)
	if err != nil {
		return nil, err
	}
	cappedMag, err := fpmath.Abs(cappedPnl)
	if err != nil {
		return nil, err
	}
	var newNetRevenue int64
	if cappedPnl >= 0 {
		newNetRevenue, err = fpmath.CheckedAdd(market.NetRevenueSinceLastFunding, cappedPnl)
	} else {
		newNetRevenue, err = fpmath.CheckedSub(market.NetRevenueSinceLastFunding, cappedMag)
	}
	if err != nil {
		return nil, err
	}
	if newFeePool < 0 {
		// The cap bounds payouts to a third of the spendable pool, so
		// this cannot happen on consistent state.
		return nil, ErrInvalidFundingProfitability
	}

	market.CumulativeFundingRateLong = newCumLong
	market.CumulativeFundingRateShort = newCumShort
	market.TotalFeeMinusDistributions = newTfmd
	market.FeePool = newFeePool
	market.NetRevenueSinceLastFunding = newNetRevenue
	market.LastFundingRate = int64(rate)
	market.LastFundingRateTs = now
	market.LastOraclePriceTwap = int64(oracle.Twap)

	return &FundingUpdate{
		MarketID:            market.MarketID,
		Timestamp:           now,
		MidTwap:             int64(midTwap),
		OracleTwap:          int64(oracle.Twap),
		RateLong:            rateLong,
		RateShort:           rateShort,
		CumulativeRateLong:  newCumLong,
		CumulativeRateShort: newCumShort,
		UncappedPnl:         uncappedPnl,
		CappedPnl:           cappedPnl,
	}, nil
}

// capFundingRate decides what the house can afford. With a virtual
// reserve curve, longs and shorts can be imbalanced and the house
// pays or receives the difference out of collected fees.
//
// When the house receives, both sides keep the full rate. When it
// would pay more than a third of the spendable fee pool, the side the
// house owes gets a reduced rate instead; the side paying funding
// keeps the original rate and its payments are unchanged.
func (fe *FundingEngine) capFundingRate(
	market *state.Market,
	rate fpmath.Rate,
) (rateLong, rateShort, uncappedPnl, cappedPnl int64, err error) {
	netExposure, err := market.NetBaseExposure()
	if err != nil {
		return 0, 0, 0, 0, err
	}

	housePayment, err := fpmath.FundingPaymentQuote(rate, fpmath.Base(netExposure))
	if err != nil {
		return 0, 0, 0, 0, err
	}
	uncappedPnl = -int64(housePayment)

	// House receives: book the whole transfer as revenue.
	if uncappedPnl >= 0 {
		return int64(rate), int64(rate), uncappedPnl, uncappedPnl, nil
	}

	cappedRate, cappedPnl, err := fe.cappedRateForPayout(market, uncappedPnl, rate)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	floor, err := fe.fees.FeePoolFloor(market)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	newTfmd, err := fpmath.CheckedAdd(market.TotalFeeMinusDistributions, cappedPnl)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if cappedPnl != 0 && newTfmd < floor {
		return 0, 0, 0, 0, ErrInvalidFundingProfitability
	}

	rateLong = int64(rate)
	rateShort = int64(rate)
	if rate < 0 {
		rateLong = int64(cappedRate)
	} else {
		rateShort = int64(cappedRate)
	}
	return rateLong, rateShort, uncappedPnl, cappedPnl, nil
}

// cappedRateForPayout limits the house's funding payout to a third of
// the spendable fee pool per period and, when even that is not enough,
// derives the reduced rate for the side the house owes from what the
// other side plus the fee allowance can cover.
func (fe *FundingEngine) cappedRateForPayout(
	market *state.Market,
	uncappedPnl int64,
	rate fpmath.Rate,
) (fpmath.Rate, int64, error) {
	feePool, err := effectiveFeePool(market, fe.fees)
	if err != nil {
		return 0, 0, err
	}
	pnlLimit, err := fpmath.CheckedDiv(feePool, 3)
	if err != nil {
		return 0, 0, err
	}
	pnlLimit = -pnlLimit

	cappedPnl := uncappedPnl
	if cappedPnl < pnlLimit {
		cappedPnl = pnlLimit
	}

	if uncappedPnl >= pnlLimit {
		return rate, cappedPnl, nil
	}

	// Payments already flowing in from the paying side raise what the
	// owed side can receive on top of the fee allowance.
	payingSide := market.BaseAssetAmountShort
	owedSide := market.BaseAssetAmountLong
	if rate > 0 {
		payingSide = market.BaseAssetAmountLong
		owedSide = market.BaseAssetAmountShort
	}

	fromPayers, err := fpmath.FundingPaymentQuote(rate, fpmath.Base(payingSide))
	if err != nil {
		return 0, 0, err
	}
	fromPayersMag, err := fpmath.Abs(int64(fromPayers))
	if err != nil {
		return 0, 0, err
	}
	adjustedLimit, err := fpmath.CheckedSub(pnlLimit, fromPayersMag)
	if err != nil {
		return 0, 0, err
	}

	cappedRate, err := fpmath.FundingRateFromPnlLimit(fpmath.Quote(adjustedLimit), fpmath.Base(owedSide))
	if err != nil {
		return 0, 0, err
	}
	return cappedRate, cappedPnl, nil
}

// ApplyFundingToPosition settles the cumulative-rate delta into the
// position's running quote balance. Flat positions still advance their
// marker so stale rates never apply retroactively.
func (fe *FundingEngine) ApplyFundingToPosition(market *state.Market, pos *state.Position) (int64, error) {
	cumulative := market.CumulativeFundingRateShort
	if pos.BaseAssetAmount > 0 {
		cumulative = market.CumulativeFundingRateLong
	}

	delta, err := fpmath.CheckedSub(cumulative, pos.LastCumulativeFundingRate)
	if err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, nil
	}

	payment, err := fpmath.FundingPaymentQuote(fpmath.Rate(delta), fpmath.Base(pos.BaseAssetAmount))
	if err != nil {
		return 0, err
	}
	newQuote, err := fpmath.CheckedAdd(pos.QuoteAssetAmount, int64(payment))
	if err != nil {
		return 0, err
	}

	pos.QuoteAssetAmount = newQuote
	pos.LastCumulativeFundingRate = cumulative
	pos.Version++
	return int64(payment), nil
}

// PendingFundingPayment computes what ApplyFundingToPosition would
// settle, without writing.
func (fe *FundingEngine) PendingFundingPayment(market *state.Market, pos *state.Position) (payment int64, cumulative int64, err error) {
	cumulative = market.CumulativeFundingRateShort
	if pos.BaseAssetAmount > 0 {
		cumulative = market.CumulativeFundingRateLong
	}

	delta, err := fpmath.CheckedSub(cumulative, pos.LastCumulativeFundingRate)
	if err != nil {
		return 0, 0, err
	}
	if delta == 0 {
		return 0, cumulative, nil
	}
	p, err := fpmath.FundingPaymentQuote(fpmath.Rate(delta), fpmath.Base(pos.BaseAssetAmount))
	if err != nil {
		return 0, 0, err
	}
	return int64(p), cumulative, nil
}
