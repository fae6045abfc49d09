package state_test

import (
	"math"
	"testing"

	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

func marginFixture(t *testing.T) (*state.MarginCalculator, *state.PositionManager, *state.BalanceManager, *state.OracleBook) {
	t.Helper()

	markets := state.NewMarketRegistry()
	positions := state.NewPositionManager()
	balances := state.NewBalanceManager()
	oracles := state.NewOracleBook()

	if err := markets.ListMarket(validMarket("SOL-PERP")); err != nil {
		t.Fatalf("ListMarket failed: %v", err)
	}
	oracles.Update(&state.OracleSnapshot{
		MarketID: "SOL-PERP",
		Price:    100 * fpmath.Price(fpmath.PricePrecision),
		Twap:     100 * fpmath.Price(fpmath.PricePrecision),
		Slot:     1,
		Valid:    true,
	})

	return state.NewMarginCalculator(positions, balances, markets, oracles), positions, balances, oracles
}

func TestMarginCalculator_NoPositionsMaxRatio(t *testing.T) {
	mc, _, balances, _ := marginFixture(t)
	userID := uuid.New()
	if err := balances.Adjust(userID, 10*fpmath.QuotePrecision); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}

	ratio, err := mc.WouldBeMarginRatio(userID, 0, nil)
	if err != nil {
		t.Fatalf("WouldBeMarginRatio failed: %v", err)
	}
	if ratio != math.MaxInt64 {
		t.Errorf("got %d, want MaxInt64", ratio)
	}
}

func TestMarginCalculator_RatioWithOpenPosition(t *testing.T) {
	mc, positions, balances, _ := marginFixture(t)
	userID := uuid.New()

	if err := balances.Adjust(userID, 10*fpmath.QuotePrecision); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	pos := positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.BaseAssetAmount = fpmath.BasePrecision       // notional 100
	pos.QuoteAssetAmount = -100 * fpmath.QuotePrecision // flat entry

	ratio, err := mc.WouldBeMarginRatio(userID, 0, nil)
	if err != nil {
		t.Fatalf("WouldBeMarginRatio failed: %v", err)
	}
	// effective = 10 collateral + 0 upnl over notional 100 = 10%.
	if ratio != 100_000 {
		t.Errorf("got %d, want 100000", ratio)
	}
}

func TestMarginCalculator_HypotheticalDeltas(t *testing.T) {
	mc, positions, balances, _ := marginFixture(t)
	userID := uuid.New()

	if err := balances.Adjust(userID, 10*fpmath.QuotePrecision); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	pos := positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.BaseAssetAmount = fpmath.BasePrecision
	pos.QuoteAssetAmount = -100 * fpmath.QuotePrecision

	// Moving 5 from position quote to collateral is margin neutral.
	ratio, err := mc.WouldBeMarginRatio(userID, 5*fpmath.QuotePrecision,
		map[string]int64{"SOL-PERP": -5 * fpmath.QuotePrecision})
	if err != nil {
		t.Fatalf("WouldBeMarginRatio failed: %v", err)
	}
	if ratio != 100_000 {
		t.Errorf("got %d, want 100000", ratio)
	}

	// Draining collateral alone is not.
	ratio, err = mc.WouldBeMarginRatio(userID, -5*fpmath.QuotePrecision, nil)
	if err != nil {
		t.Fatalf("WouldBeMarginRatio failed: %v", err)
	}
	if ratio != 50_000 {
		t.Errorf("got %d, want 50000", ratio)
	}
}

func TestMarginCalculator_HealthClassification(t *testing.T) {
	mc, positions, balances, _ := marginFixture(t)
	userID := uuid.New()

	pos := positions.GetOrCreatePosition(userID, "SOL-PERP", 0)
	pos.BaseAssetAmount = fpmath.BasePrecision
	pos.QuoteAssetAmount = -100 * fpmath.QuotePrecision

	// 10 collateral on notional 100: exactly at initial margin.
	if err := balances.Adjust(userID, 10*fpmath.QuotePrecision); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	status, err := mc.CheckMarginHealth(userID)
	if err != nil {
		t.Fatalf("CheckMarginHealth failed: %v", err)
	}
	if status != state.MarginStatusHealthy {
		t.Errorf("got %s, want Healthy", status)
	}

	// Drop to 7%: between maintenance and initial.
	if err := balances.Adjust(userID, -3*fpmath.QuotePrecision); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	status, _ = mc.CheckMarginHealth(userID)
	if status != state.MarginStatusAtRisk {
		t.Errorf("got %s, want AtRisk", status)
	}

	// Drop to 4%: below maintenance.
	if err := balances.Adjust(userID, -3*fpmath.QuotePrecision); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	status, _ = mc.CheckMarginHealth(userID)
	if status != state.MarginStatusLiquidatable {
		t.Errorf("got %s, want Liquidatable", status)
	}
}

// ============================================================================
// Test: Balances
// ============================================================================

func TestBalanceManager_TypeFlipsOnSignChange(t *testing.T) {
	bm := state.NewBalanceManager()
	userID := uuid.New()

	if err := bm.Adjust(userID, 100); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	cb := bm.GetBalance(userID)
	if cb.Type != state.BalanceTypeDeposit || cb.Amount != 100 {
		t.Errorf("got %s/%d, want Deposit/100", cb.Type, cb.Amount)
	}

	if err := bm.Adjust(userID, -150); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}
	if cb.Type != state.BalanceTypeBorrow || cb.Amount != 50 {
		t.Errorf("got %s/%d, want Borrow/50", cb.Type, cb.Amount)
	}
	if bm.SignedBalance(userID) != -50 {
		t.Errorf("signed: got %d, want -50", bm.SignedBalance(userID))
	}
}

func TestOracleBook_DropsStaleSlots(t *testing.T) {
	ob := state.NewOracleBook()
	ob.Update(&state.OracleSnapshot{MarketID: "SOL-PERP", Price: 1, Slot: 5, Valid: true})
	ob.Update(&state.OracleSnapshot{MarketID: "SOL-PERP", Price: 2, Slot: 4, Valid: true})

	if got := ob.Latest("SOL-PERP"); got.Price != 1 {
		t.Errorf("stale slot overwrote newer snapshot: price %d", got.Price)
	}

	ob.Update(&state.OracleSnapshot{MarketID: "SOL-PERP", Price: 3, Slot: 6, Valid: true})
	if got := ob.Latest("SOL-PERP"); got.Price != 3 {
		t.Errorf("newer slot not applied: price %d", got.Price)
	}
}
