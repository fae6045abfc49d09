package state

import (
	"fmt"

	fpmath "PerpClearing/internal/math"
)

// MarketStatus is the lifecycle state of a tradable instrument.
type MarketStatus int32

const (
	MarketStatusInitialized MarketStatus = iota
	MarketStatusReduceOnly
	MarketStatusSettlement
	MarketStatusDelisted
)

func (ms MarketStatus) String() string {
	switch ms {
	case MarketStatusInitialized:
		return "Initialized"
	case MarketStatusReduceOnly:
		return "ReduceOnly"
	case MarketStatusSettlement:
		return "Settlement"
	case MarketStatusDelisted:
		return "Delisted"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates lifecycle transitions. A market only moves
// forward through its lifecycle, except ReduceOnly which may reopen.
func (ms MarketStatus) CanTransitionTo(next MarketStatus) bool {
	validTransitions := map[MarketStatus][]MarketStatus{
		MarketStatusInitialized: {
			MarketStatusReduceOnly,
			MarketStatusSettlement,
		},
		MarketStatusReduceOnly: {
			MarketStatusInitialized,
			MarketStatusSettlement,
		},
		MarketStatusSettlement: {
			MarketStatusDelisted,
		},
		MarketStatusDelisted: {},
	}

	allowed, ok := validTransitions[ms]
	if !ok {
		return false
	}
	for _, next2 := range allowed {
		if next == next2 {
			return true
		}
	}
	return false
}

// ReserveState is the virtual reserve curve backing a market's mark
// price. The reserves are never swapped against here; they only derive
// prices.
type ReserveState struct {
	BaseAssetReserve     int64 // base scale
	QuoteAssetReserve    int64 // base scale
	BidBaseAssetReserve  int64
	BidQuoteAssetReserve int64
	AskBaseAssetReserve  int64
	AskQuoteAssetReserve int64
	PegMultiplier        int64 // peg scale
	SqrtK                int64 // curve invariant constant
}

// Market is the per-instrument aggregate mutated by settlement and
// funding. All quote-denominated fields are at collateral scale, all
// funding rates at rate scale.
type Market struct {
	MarketID string
	Status   MarketStatus

	Reserves ReserveState

	// Cumulative funding, diffed against each position's last-seen
	// value to compute owed funding.
	CumulativeFundingRateLong  int64
	CumulativeFundingRateShort int64
	LastFundingRate            int64
	LastFundingRateTs          int64
	FundingPeriodSec           int64

	// Net base exposure held by the house plus the share still parked
	// with unsettled liquidity providers.
	BaseAssetAmountWithHouse       int64
	BaseAssetAmountWithUnsettledLP int64

	// Per-side open exposure and running quote debits/credits.
	BaseAssetAmountLong   int64 // >= 0
	BaseAssetAmountShort  int64 // <= 0
	QuoteAssetAmountLong  int64
	QuoteAssetAmountShort int64

	// Protocol revenue accounting.
	TotalFee                   int64
	TotalFeeMinusDistributions int64
	NetRevenueSinceLastFunding int64

	// Margin requirements, fraction scale 1e6.
	MarginRatioInitial     int64
	MarginRatioMaintenance int64
	LiquidationFeeRatio    int64

	OpenInterest int64

	// Shared pools, always >= 0.
	PnlPool int64
	FeePool int64

	// Price TWAPs at price scale.
	LastMidPriceTwap    int64
	LastOraclePriceTwap int64
	LastPriceTwapTs     int64
}

// MarginFractionScale is the fixed-point scale for margin fractions
// (1_000_000 = 100%).
const MarginFractionScale int64 = 1_000_000

// NetBaseExposure is the base exposure the house is on the hook for
// when funding settles.
func (m *Market) NetBaseExposure() (int64, error) {
	return fpmath.CheckedAdd(m.BaseAssetAmountWithHouse, m.BaseAssetAmountWithUnsettledLP)
}

// MarkPrice derives the instantaneous mark price from the reserve
// curve.
func (m *Market) MarkPrice() (fpmath.Price, error) {
	return fpmath.ReservePrice(
		m.Reserves.QuoteAssetReserve,
		m.Reserves.BaseAssetReserve,
		m.Reserves.PegMultiplier,
	)
}

// MidPrice averages the bid and ask reserve prices. Falls back to the
// plain reserve price when the market carries no bid/ask split.
func (m *Market) MidPrice() (fpmath.Price, error) {
	if m.Reserves.BidBaseAssetReserve == 0 || m.Reserves.AskBaseAssetReserve == 0 {
		return m.MarkPrice()
	}
	bid, err := fpmath.ReservePrice(
		m.Reserves.BidQuoteAssetReserve,
		m.Reserves.BidBaseAssetReserve,
		m.Reserves.PegMultiplier,
	)
	if err != nil {
		return 0, err
	}
	ask, err := fpmath.ReservePrice(
		m.Reserves.AskQuoteAssetReserve,
		m.Reserves.AskBaseAssetReserve,
		m.Reserves.PegMultiplier,
	)
	if err != nil {
		return 0, err
	}
	sum, err := fpmath.CheckedAdd(int64(bid), int64(ask))
	if err != nil {
		return 0, err
	}
	return fpmath.Price(sum / 2), nil
}

// UpdatePriceTwaps folds the current mid price and the latest oracle
// TWAP into the market's running TWAPs, weighted by time elapsed since
// the last sample against the funding period.
func (m *Market) UpdatePriceTwaps(oracleTwap fpmath.Price, now int64) error {
	mid, err := m.MidPrice()
	if err != nil {
		return err
	}

	if m.LastPriceTwapTs == 0 {
		m.LastMidPriceTwap = int64(mid)
		m.LastOraclePriceTwap = int64(oracleTwap)
		m.LastPriceTwapTs = now
		return nil
	}

	elapsed := now - m.LastPriceTwapTs
	if elapsed < 1 {
		elapsed = 1
	}
	if elapsed > m.FundingPeriodSec {
		elapsed = m.FundingPeriodSec
	}

	newMid, err := weightedTwap(m.LastMidPriceTwap, int64(mid), elapsed, m.FundingPeriodSec)
	if err != nil {
		return err
	}
	newOracle, err := weightedTwap(m.LastOraclePriceTwap, int64(oracleTwap), elapsed, m.FundingPeriodSec)
	if err != nil {
		return err
	}

	m.LastMidPriceTwap = newMid
	m.LastOraclePriceTwap = newOracle
	m.LastPriceTwapTs = now
	return nil
}

func weightedTwap(prev, cur, elapsed, period int64) (int64, error) {
	prevWeighted, err := fpmath.CheckedMul(prev, period-elapsed)
	if err != nil {
		return 0, err
	}
	curWeighted, err := fpmath.CheckedMul(cur, elapsed)
	if err != nil {
		return 0, err
	}
	sum, err := fpmath.CheckedAdd(prevWeighted, curWeighted)
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedDiv(sum, period)
}

// CanonicalBytes returns a deterministic serialization for hashing.
func (m *Market) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = append(buf, byte(len(m.MarketID)))
	buf = append(buf, []byte(m.MarketID)...)
	buf = append(buf, byte(m.Status))

	buf = appendInt64LE(buf, m.Reserves.BaseAssetReserve)
	buf = appendInt64LE(buf, m.Reserves.QuoteAssetReserve)
	buf = appendInt64LE(buf, m.Reserves.BidBaseAssetReserve)
	buf = appendInt64LE(buf, m.Reserves.BidQuoteAssetReserve)
	buf = appendInt64LE(buf, m.Reserves.AskBaseAssetReserve)
	buf = appendInt64LE(buf, m.Reserves.AskQuoteAssetReserve)
	buf = appendInt64LE(buf, m.Reserves.PegMultiplier)
	buf = appendInt64LE(buf, m.Reserves.SqrtK)

	buf = appendInt64LE(buf, m.CumulativeFundingRateLong)
	buf = appendInt64LE(buf, m.CumulativeFundingRateShort)
	buf = appendInt64LE(buf, m.LastFundingRate)
	buf = appendInt64LE(buf, m.LastFundingRateTs)
	buf = appendInt64LE(buf, m.FundingPeriodSec)

	buf = appendInt64LE(buf, m.BaseAssetAmountWithHouse)
	buf = appendInt64LE(buf, m.BaseAssetAmountWithUnsettledLP)
	buf = appendInt64LE(buf, m.BaseAssetAmountLong)
	buf = appendInt64LE(buf, m.BaseAssetAmountShort)
	buf = appendInt64LE(buf, m.QuoteAssetAmountLong)
	buf = appendInt64LE(buf, m.QuoteAssetAmountShort)

	buf = appendInt64LE(buf, m.TotalFee)
	buf = appendInt64LE(buf, m.TotalFeeMinusDistributions)
	buf = appendInt64LE(buf, m.NetRevenueSinceLastFunding)

	buf = appendInt64LE(buf, m.MarginRatioInitial)
	buf = appendInt64LE(buf, m.MarginRatioMaintenance)
	buf = appendInt64LE(buf, m.LiquidationFeeRatio)
	buf = appendInt64LE(buf, m.OpenInterest)

	buf = appendInt64LE(buf, m.PnlPool)
	buf = appendInt64LE(buf, m.FeePool)

	buf = appendInt64LE(buf, m.LastMidPriceTwap)
	buf = appendInt64LE(buf, m.LastOraclePriceTwap)
	buf = appendInt64LE(buf, m.LastPriceTwapTs)

	return buf
}

// ValidateMarketParams checks listing parameters.
func ValidateMarketParams(m *Market) error {
	if m.MarketID == "" {
		return fmt.Errorf("market_id must not be empty")
	}
	if m.Reserves.BaseAssetReserve <= 0 || m.Reserves.QuoteAssetReserve <= 0 {
		return fmt.Errorf("reserves must be > 0, got base=%d quote=%d",
			m.Reserves.BaseAssetReserve, m.Reserves.QuoteAssetReserve)
	}
	if m.Reserves.PegMultiplier <= 0 {
		return fmt.Errorf("peg_multiplier must be > 0, got %d", m.Reserves.PegMultiplier)
	}
	if m.FundingPeriodSec <= 0 {
		return fmt.Errorf("funding_period_sec must be > 0, got %d", m.FundingPeriodSec)
	}
	if m.MarginRatioMaintenance <= 0 {
		return fmt.Errorf("margin_ratio_maintenance must be > 0, got %d", m.MarginRatioMaintenance)
	}
	if m.MarginRatioInitial <= m.MarginRatioMaintenance {
		return fmt.Errorf("margin_ratio_initial (%d) must be > margin_ratio_maintenance (%d)",
			m.MarginRatioInitial, m.MarginRatioMaintenance)
	}
	if m.MarginRatioInitial >= MarginFractionScale {
		return fmt.Errorf("margin_ratio_initial must be < %d, got %d",
			MarginFractionScale, m.MarginRatioInitial)
	}
	if m.PnlPool < 0 || m.FeePool < 0 {
		return fmt.Errorf("pools must be >= 0, got pnl=%d fee=%d", m.PnlPool, m.FeePool)
	}
	return nil
}
