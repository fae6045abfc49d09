package clearing_test

import (
	"errors"
	"testing"

	"PerpClearing/internal/clearing"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// fixture wires the real state managers behind the collaborator
// interfaces, the way the engine runs them in production.
type fixture struct {
	markets    *state.MarketRegistry
	positions  *state.PositionManager
	balances   *state.BalanceManager
	oracles    *state.OracleBook
	margin     *state.MarginCalculator
	funding    *clearing.FundingEngine
	settlement *clearing.SettlementEngine
}

func newFixture(t *testing.T, policy clearing.PoolPolicy) *fixture {
	t.Helper()

	markets := state.NewMarketRegistry()
	positions := state.NewPositionManager()
	balances := state.NewBalanceManager()
	oracles := state.NewOracleBook()
	margin := state.NewMarginCalculator(positions, balances, markets, oracles)

	fees := clearing.RepegShareFeeAccounting{}
	funding := clearing.NewFundingEngine(fees)
	settlement := clearing.NewSettlementEngine(balances, margin, fees, policy, funding)

	return &fixture{
		markets:    markets,
		positions:  positions,
		balances:   balances,
		oracles:    oracles,
		margin:     margin,
		funding:    funding,
		settlement: settlement,
	}
}

// listMarket installs a market with balanced reserves at price 100 and
// a 50-unit PnL pool, mirroring the reference fixtures.
func (f *fixture) listMarket(t *testing.T, marketID string) *state.Market {
	t.Helper()

	m := &state.Market{
		MarketID: marketID,
		Status:   state.MarketStatusInitialized,
		Reserves: state.ReserveState{
			BaseAssetReserve:  100 * fpmath.BasePrecision,
			QuoteAssetReserve: 100 * fpmath.BasePrecision,
			PegMultiplier:     100 * fpmath.PegPrecision,
			SqrtK:             100 * fpmath.BasePrecision,
		},
		FundingPeriodSec:         3600,
		BaseAssetAmountWithHouse: fpmath.BasePrecision,
		BaseAssetAmountLong:      fpmath.BasePrecision,
		QuoteAssetAmountLong:     -150 * fpmath.QuotePrecision,
		MarginRatioInitial:       100_000,
		MarginRatioMaintenance:   50_000,
		PnlPool:                  50 * fpmath.QuotePrecision,
	}
	if err := f.markets.ListMarket(m); err != nil {
		t.Fatalf("ListMarket failed: %v", err)
	}
	return m
}

func (f *fixture) publishOracle(marketID string, price fpmath.Price) *state.OracleSnapshot {
	snap := &state.OracleSnapshot{
		MarketID: marketID,
		Price:    price,
		Twap:     price,
		Slot:     1,
		Valid:    true,
	}
	f.oracles.Update(snap)
	return snap
}

// ============================================================================
// Test: SettlePnl error taxonomy
// ============================================================================

func TestSettlePnl_NoPosition(t *testing.T) {
	f := newFixture(t, clearing.NoSkimPolicy{})
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	userID := uuid.New()
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)

	_, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if !errors.Is(err, clearing.ErrUserHasNoPositionInMarket) {
		t.Errorf("got %v, want ErrUserHasNoPositionInMarket", err)
	}
}

func TestSettlePnl_InvalidOracle(t *testing.T) {
	f := newFixture(t, clearing.NoSkimPolicy{})
	m := f.listMarket(t, "SOL-PERP")

	userID := uuid.New()
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.QuoteAssetAmount = -50 * fpmath.QuotePrecision

	invalid := &state.OracleSnapshot{MarketID: "SOL-PERP", Valid: false}
	_, err := f.settlement.SettlePnl(m, pos, invalid, 1000)
	if !errors.Is(err, clearing.ErrInvalidOracleSnapshot) {
		t.Errorf("got %v, want ErrInvalidOracleSnapshot", err)
	}

	_, err = f.settlement.SettlePnl(m, pos, nil, 1000)
	if !errors.Is(err, clearing.ErrInvalidOracleSnapshot) {
		t.Errorf("nil snapshot: got %v, want ErrInvalidOracleSnapshot", err)
	}
}

func TestSettlePnl_DelistedMarket(t *testing.T) {
	f := newFixture(t, clearing.NoSkimPolicy{})
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	m.Status = state.MarketStatusDelisted

	userID := uuid.New()
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.QuoteAssetAmount = -50 * fpmath.QuotePrecision

	_, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if !errors.Is(err, clearing.ErrMarketStatus) {
		t.Errorf("got %v, want ErrMarketStatus", err)
	}
}

// ============================================================================
// Test: SettlePnl scenarios
// ============================================================================

func TestSettlePnl_NegativePnlPoolAbsorbs(t *testing.T) {
	f := newFixture(t, clearing.NoSkimPolicy{})
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	userID := uuid.New()
	if err := f.balances.Adjust(userID, 100*fpmath.QuotePrecision); err != nil {
		t.Fatalf("funding balance: %v", err)
	}
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.QuoteAssetAmount = -50 * fpmath.QuotePrecision

	res, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if err != nil {
		t.Fatalf("SettlePnl failed: %v", err)
	}

	if res.SettledAmount != -50*fpmath.QuotePrecision {
		t.Errorf("settled: got %d, want %d", res.SettledAmount, -50*fpmath.QuotePrecision)
	}
	if pos.QuoteAssetAmount != 0 {
		t.Errorf("quote balance: got %d, want 0", pos.QuoteAssetAmount)
	}
	if pos.SettledPnl != -50*fpmath.QuotePrecision {
		t.Errorf("settled_pnl: got %d, want %d", pos.SettledPnl, -50*fpmath.QuotePrecision)
	}
	if m.PnlPool != 100*fpmath.QuotePrecision {
		t.Errorf("pnl pool: got %d, want %d", m.PnlPool, 100*fpmath.QuotePrecision)
	}
	if got := f.balances.SignedBalance(userID); got != 50*fpmath.QuotePrecision {
		t.Errorf("collateral: got %d, want %d", got, 50*fpmath.QuotePrecision)
	}
	if m.QuoteAssetAmountLong != -100*fpmath.QuotePrecision {
		t.Errorf("quote_asset_amount_long: got %d, want %d",
			m.QuoteAssetAmountLong, -100*fpmath.QuotePrecision)
	}
}

func TestSettlePnl_PositivePnlCappedAtPool(t *testing.T) {
	f := newFixture(t, clearing.NoSkimPolicy{})
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	userID := uuid.New()
	if err := f.balances.Adjust(userID, 100*fpmath.QuotePrecision); err != nil {
		t.Fatalf("funding balance: %v", err)
	}
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.QuoteAssetAmount = 100 * fpmath.QuotePrecision

	res, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if err != nil {
		t.Fatalf("SettlePnl failed: %v", err)
	}

	if res.SettledAmount != 50*fpmath.QuotePrecision {
		t.Errorf("settled: got %d, want pool capacity %d", res.SettledAmount, 50*fpmath.QuotePrecision)
	}
	if pos.QuoteAssetAmount != 50*fpmath.QuotePrecision {
		t.Errorf("unsettled remainder: got %d, want %d", pos.QuoteAssetAmount, 50*fpmath.QuotePrecision)
	}
	if m.PnlPool != 0 {
		t.Errorf("pnl pool: got %d, want 0", m.PnlPool)
	}
	if got := f.balances.SignedBalance(userID); got != 150*fpmath.QuotePrecision {
		t.Errorf("collateral: got %d, want %d", got, 150*fpmath.QuotePrecision)
	}
}

func TestSettlePnl_LongProfitCappedAtEntryBasis(t *testing.T) {
	// Long one unit bought at 100, marked at 150: unrealized PnL is
	// 100 but only the 50 gained over the entry basis can be realized
	// without reducing the position.
	f := newFixture(t, clearing.NoSkimPolicy{})
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 150*fpmath.Price(fpmath.PricePrecision))

	userID := uuid.New()
	if err := f.balances.Adjust(userID, 100*fpmath.QuotePrecision); err != nil {
		t.Fatalf("funding balance: %v", err)
	}
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.BaseAssetAmount = fpmath.BasePrecision
	pos.QuoteAssetAmount = -50 * fpmath.QuotePrecision
	pos.QuoteEntryAmount = -100 * fpmath.QuotePrecision

	res, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if err != nil {
		t.Fatalf("SettlePnl failed: %v", err)
	}

	if res.SettledAmount != 50*fpmath.QuotePrecision {
		t.Errorf("settled: got %d, want %d", res.SettledAmount, 50*fpmath.QuotePrecision)
	}
	if pos.QuoteAssetAmount != -100*fpmath.QuotePrecision {
		t.Errorf("quote balance: got %d, want %d", pos.QuoteAssetAmount, -100*fpmath.QuotePrecision)
	}
	if pos.SettledPnl != 50*fpmath.QuotePrecision {
		t.Errorf("settled_pnl: got %d, want %d", pos.SettledPnl, 50*fpmath.QuotePrecision)
	}
	if m.PnlPool != 0 {
		t.Errorf("pnl pool: got %d, want 0", m.PnlPool)
	}
	if got := f.balances.SignedBalance(userID); got != 150*fpmath.QuotePrecision {
		t.Errorf("collateral: got %d, want %d", got, 150*fpmath.QuotePrecision)
	}
}

func TestSettlePnl_ShortProfitCappedAtEntryBasis(t *testing.T) {
	// Short one unit sold at 100, marked at 50: the realized amount is
	// the 50 gained over entry, not the full marked PnL.
	f := newFixture(t, clearing.NoSkimPolicy{})
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 50*fpmath.Price(fpmath.PricePrecision))

	m.QuoteAssetAmountShort = 150 * fpmath.QuotePrecision

	userID := uuid.New()
	if err := f.balances.Adjust(userID, 100*fpmath.QuotePrecision); err != nil {
		t.Fatalf("funding balance: %v", err)
	}
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.BaseAssetAmount = -fpmath.BasePrecision
	pos.QuoteAssetAmount = 100 * fpmath.QuotePrecision
	pos.QuoteEntryAmount = 50 * fpmath.QuotePrecision

	res, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if err != nil {
		t.Fatalf("SettlePnl failed: %v", err)
	}

	if res.SettledAmount != 50*fpmath.QuotePrecision {
		t.Errorf("settled: got %d, want %d", res.SettledAmount, 50*fpmath.QuotePrecision)
	}
	if pos.QuoteAssetAmount != 50*fpmath.QuotePrecision {
		t.Errorf("quote balance: got %d, want %d", pos.QuoteAssetAmount, 50*fpmath.QuotePrecision)
	}
	if m.PnlPool != 0 {
		t.Errorf("pnl pool: got %d, want 0", m.PnlPool)
	}
	if m.QuoteAssetAmountShort != 100*fpmath.QuotePrecision {
		t.Errorf("quote_asset_amount_short: got %d, want %d",
			m.QuoteAssetAmountShort, 100*fpmath.QuotePrecision)
	}
	if got := f.balances.SignedBalance(userID); got != 150*fpmath.QuotePrecision {
		t.Errorf("collateral: got %d, want %d", got, 150*fpmath.QuotePrecision)
	}
}

func TestSettlePnl_MarginGate(t *testing.T) {
	f := newFixture(t, clearing.NoSkimPolicy{})
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	// Long one unit at notional 100, borrowed collateral: effective
	// collateral after settling sits below the 5% maintenance bar.
	userID := uuid.New()
	if err := f.balances.Adjust(userID, -8*fpmath.QuotePrecision); err != nil {
		t.Fatalf("funding balance: %v", err)
	}
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.BaseAssetAmount = fpmath.BasePrecision
	pos.QuoteAssetAmount = -90 * fpmath.QuotePrecision

	quoteBefore := pos.QuoteAssetAmount
	poolBefore := m.PnlPool
	collateralBefore := f.balances.SignedBalance(userID)

	_, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if !errors.Is(err, clearing.ErrInsufficientCollateralForSettlingPnl) {
		t.Fatalf("got %v, want ErrInsufficientCollateralForSettlingPnl", err)
	}

	// Hard invariant: nothing moved.
	if pos.QuoteAssetAmount != quoteBefore {
		t.Errorf("quote balance mutated on failure: %d -> %d", quoteBefore, pos.QuoteAssetAmount)
	}
	if m.PnlPool != poolBefore {
		t.Errorf("pnl pool mutated on failure: %d -> %d", poolBefore, m.PnlPool)
	}
	if got := f.balances.SignedBalance(userID); got != collateralBefore {
		t.Errorf("collateral mutated on failure: %d -> %d", collateralBefore, got)
	}
}

func TestSettlePnl_NegativeSettleAlwaysEligible(t *testing.T) {
	// The same borrowed-collateral user may still pay down a loss.
	f := newFixture(t, clearing.NoSkimPolicy{})
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	userID := uuid.New()
	if err := f.balances.Adjust(userID, -8*fpmath.QuotePrecision); err != nil {
		t.Fatalf("funding balance: %v", err)
	}
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.BaseAssetAmount = fpmath.BasePrecision
	pos.QuoteAssetAmount = -110 * fpmath.QuotePrecision // 10 under water

	res, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if err != nil {
		t.Fatalf("SettlePnl failed: %v", err)
	}
	if res.SettledAmount != -10*fpmath.QuotePrecision {
		t.Errorf("settled: got %d, want %d", res.SettledAmount, -10*fpmath.QuotePrecision)
	}
	if m.PnlPool != 60*fpmath.QuotePrecision {
		t.Errorf("pnl pool: got %d, want %d", m.PnlPool, 60*fpmath.QuotePrecision)
	}
}

// ============================================================================
// Test: Conservation and pool bounds
// ============================================================================

func TestSettlePnl_Conservation(t *testing.T) {
	f := newFixture(t, clearing.NewDefaultPoolPolicy())
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	quotes := []int64{
		-50 * fpmath.QuotePrecision,
		30 * fpmath.QuotePrecision,
		-7 * fpmath.QuotePrecision,
		1_234_567,
		-999_999,
	}

	for i, quote := range quotes {
		userID := uuid.New()
		if err := f.balances.Adjust(userID, 1000*fpmath.QuotePrecision); err != nil {
			t.Fatalf("funding balance: %v", err)
		}
		pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
		pos.QuoteAssetAmount = quote

		collateralBefore := f.balances.SignedBalance(userID)
		quoteBefore := pos.QuoteAssetAmount
		pnlPoolBefore := m.PnlPool
		feePoolBefore := m.FeePool

		res, err := f.settlement.SettlePnl(m, pos, snap, int64(2000+i))
		if err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}

		dCollateral := f.balances.SignedBalance(userID) - collateralBefore
		dQuote := pos.QuoteAssetAmount - quoteBefore
		dPnlPool := m.PnlPool - pnlPoolBefore
		dFeePool := m.FeePool - feePoolBefore

		// Cash legs conserve: whatever the trader gains the pools lose
		// and vice versa. The quote leg is not cash; it shrinks by the
		// settled amount (plus any funding folded in first).
		if sum := dCollateral + dPnlPool + dFeePool; sum != 0 {
			t.Errorf("settle %d (amount %d): conservation broken, sum = %d",
				i, res.SettledAmount, sum)
		}
		if want := res.FundingPayment - res.SettledAmount; dQuote != want {
			t.Errorf("settle %d: quote delta: got %d, want %d", i, dQuote, want)
		}
		if m.PnlPool < 0 || m.FeePool < 0 {
			t.Errorf("settle %d: negative pool: pnl=%d fee=%d", i, m.PnlPool, m.FeePool)
		}
	}
}

func TestSettlePnl_SurplusSkimToFeePool(t *testing.T) {
	f := newFixture(t, clearing.NewDefaultPoolPolicy())
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	// Retained fee revenue leaves 25 units of skim headroom above the
	// re-peg reserve.
	m.TotalFee = 50 * fpmath.QuotePrecision
	m.TotalFeeMinusDistributions = 50 * fpmath.QuotePrecision

	userID := uuid.New()
	if err := f.balances.Adjust(userID, 100*fpmath.QuotePrecision); err != nil {
		t.Fatalf("funding balance: %v", err)
	}
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.QuoteAssetAmount = -50 * fpmath.QuotePrecision

	res, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if err != nil {
		t.Fatalf("SettlePnl failed: %v", err)
	}

	// Half of the 50 inflow is realized as protocol revenue.
	if m.FeePool != 25*fpmath.QuotePrecision {
		t.Errorf("fee pool: got %d, want %d", m.FeePool, 25*fpmath.QuotePrecision)
	}
	if m.PnlPool != 75*fpmath.QuotePrecision {
		t.Errorf("pnl pool: got %d, want %d", m.PnlPool, 75*fpmath.QuotePrecision)
	}
	if res.FeePoolDelta != 25*fpmath.QuotePrecision {
		t.Errorf("fee pool delta: got %d, want %d", res.FeePoolDelta, 25*fpmath.QuotePrecision)
	}
}

func TestSettlePnl_NoFeeRevenueNoSkim(t *testing.T) {
	// A market that has collected no fees has no revenue to realize:
	// under the default policy the full inflow stays in the PnL pool.
	f := newFixture(t, clearing.NewDefaultPoolPolicy())
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	userID := uuid.New()
	if err := f.balances.Adjust(userID, 100*fpmath.QuotePrecision); err != nil {
		t.Fatalf("funding balance: %v", err)
	}
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.QuoteAssetAmount = -50 * fpmath.QuotePrecision

	res, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if err != nil {
		t.Fatalf("SettlePnl failed: %v", err)
	}

	if res.SettledAmount != -50*fpmath.QuotePrecision {
		t.Errorf("settled: got %d, want %d", res.SettledAmount, -50*fpmath.QuotePrecision)
	}
	if m.PnlPool != 100*fpmath.QuotePrecision {
		t.Errorf("pnl pool: got %d, want %d", m.PnlPool, 100*fpmath.QuotePrecision)
	}
	if m.FeePool != 0 {
		t.Errorf("fee pool: got %d, want 0", m.FeePool)
	}
}

func TestSettlePnl_SkimBoundedByFeeRevenue(t *testing.T) {
	// With one unit of retained fee revenue, a 100-unit inflow skims
	// exactly that one unit.
	f := newFixture(t, clearing.NewDefaultPoolPolicy())
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	m.TotalFeeMinusDistributions = fpmath.QuotePrecision

	userID := uuid.New()
	if err := f.balances.Adjust(userID, 200*fpmath.QuotePrecision); err != nil {
		t.Fatalf("funding balance: %v", err)
	}
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.QuoteAssetAmount = -100 * fpmath.QuotePrecision

	res, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if err != nil {
		t.Fatalf("SettlePnl failed: %v", err)
	}

	if res.SettledAmount != -100*fpmath.QuotePrecision {
		t.Errorf("settled: got %d, want %d", res.SettledAmount, -100*fpmath.QuotePrecision)
	}
	if m.PnlPool != 149*fpmath.QuotePrecision {
		t.Errorf("pnl pool: got %d, want %d", m.PnlPool, 149*fpmath.QuotePrecision)
	}
	if m.FeePool != fpmath.QuotePrecision {
		t.Errorf("fee pool: got %d, want %d", m.FeePool, fpmath.QuotePrecision)
	}
	if got := f.balances.SignedBalance(userID); got != 100*fpmath.QuotePrecision {
		t.Errorf("collateral: got %d, want %d", got, 100*fpmath.QuotePrecision)
	}
}

func TestSettlePnl_FeePoolReplenishesPnlPool(t *testing.T) {
	f := newFixture(t, clearing.NewDefaultPoolPolicy())
	m := f.listMarket(t, "SOL-PERP")
	snap := f.publishOracle("SOL-PERP", 100*fpmath.Price(fpmath.PricePrecision))

	// Fee pool holds spendable surplus; PnL pool alone cannot cover.
	m.FeePool = 40 * fpmath.QuotePrecision
	m.TotalFeeMinusDistributions = 40 * fpmath.QuotePrecision

	userID := uuid.New()
	pos := f.positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.QuoteAssetAmount = 80 * fpmath.QuotePrecision

	res, err := f.settlement.SettlePnl(m, pos, snap, 1000)
	if err != nil {
		t.Fatalf("SettlePnl failed: %v", err)
	}

	// 50 pool + 30 drawn from the fee pool covers the full 80.
	if res.SettledAmount != 80*fpmath.QuotePrecision {
		t.Errorf("settled: got %d, want %d", res.SettledAmount, 80*fpmath.QuotePrecision)
	}
	if m.PnlPool != 0 {
		t.Errorf("pnl pool: got %d, want 0", m.PnlPool)
	}
	if m.FeePool != 10*fpmath.QuotePrecision {
		t.Errorf("fee pool: got %d, want %d", m.FeePool, 10*fpmath.QuotePrecision)
	}
	if pos.QuoteAssetAmount != 0 {
		t.Errorf("quote balance: got %d, want 0", pos.QuoteAssetAmount)
	}
}
