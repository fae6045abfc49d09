package clearing_test

import (
	"errors"
	"testing"

	"PerpClearing/internal/clearing"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

func fundingMarket() *state.Market {
	return &state.Market{
		MarketID: "SOL-PERP",
		Status:   state.MarketStatusInitialized,
		Reserves: state.ReserveState{
			BaseAssetReserve:  100 * fpmath.BasePrecision,
			QuoteAssetReserve: 100 * fpmath.BasePrecision,
			PegMultiplier:     100 * fpmath.PegPrecision,
			SqrtK:             100 * fpmath.BasePrecision,
		},
		FundingPeriodSec:       3600,
		MarginRatioInitial:     100_000,
		MarginRatioMaintenance: 50_000,
	}
}

func validOracle(twap fpmath.Price) *state.OracleSnapshot {
	return &state.OracleSnapshot{
		MarketID: "SOL-PERP",
		Price:    twap,
		Twap:     twap,
		Slot:     1,
		Valid:    true,
	}
}

// ============================================================================
// Test: UpdateFundingRate guards
// ============================================================================

func TestUpdateFundingRate_InvalidOracle(t *testing.T) {
	fe := clearing.NewFundingEngine(clearing.RepegShareFeeAccounting{})
	m := fundingMarket()

	_, err := fe.UpdateFundingRate(m, &state.OracleSnapshot{Valid: false}, 3600)
	if !errors.Is(err, clearing.ErrInvalidOracleSnapshot) {
		t.Errorf("got %v, want ErrInvalidOracleSnapshot", err)
	}
}

func TestUpdateFundingRate_MarketStatus(t *testing.T) {
	fe := clearing.NewFundingEngine(clearing.RepegShareFeeAccounting{})
	m := fundingMarket()
	m.Status = state.MarketStatusReduceOnly

	_, err := fe.UpdateFundingRate(m, validOracle(100*fpmath.Price(fpmath.PricePrecision)), 3600)
	if !errors.Is(err, clearing.ErrMarketStatus) {
		t.Errorf("got %v, want ErrMarketStatus", err)
	}
}

func TestUpdateFundingRate_PeriodNotElapsed(t *testing.T) {
	fe := clearing.NewFundingEngine(clearing.RepegShareFeeAccounting{})
	m := fundingMarket()
	oracle := validOracle(100 * fpmath.Price(fpmath.PricePrecision))

	if _, err := fe.UpdateFundingRate(m, oracle, 3600); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	_, err := fe.UpdateFundingRate(m, oracle, 3600+1800)
	if !errors.Is(err, clearing.ErrFundingPeriodNotElapsed) {
		t.Errorf("got %v, want ErrFundingPeriodNotElapsed", err)
	}

	if _, err := fe.UpdateFundingRate(m, oracle, 2*3600); err != nil {
		t.Errorf("update after full period failed: %v", err)
	}
}

// ============================================================================
// Test: UpdateFundingRate accrual
// ============================================================================

func TestUpdateFundingRate_BalancedMarketSameRateBothSides(t *testing.T) {
	fe := clearing.NewFundingEngine(clearing.RepegShareFeeAccounting{})
	m := fundingMarket()
	m.LastMidPriceTwap = 101 * fpmath.PricePrecision

	upd, err := fe.UpdateFundingRate(m, validOracle(100*fpmath.Price(fpmath.PricePrecision)), 3600)
	if err != nil {
		t.Fatalf("UpdateFundingRate failed: %v", err)
	}

	wantRate := fpmath.PricePrecision * fpmath.FundingRateBuffer / 24
	if upd.RateLong != wantRate || upd.RateShort != wantRate {
		t.Errorf("rates: got long=%d short=%d, want both %d", upd.RateLong, upd.RateShort, wantRate)
	}
	if m.CumulativeFundingRateLong != wantRate {
		t.Errorf("cumulative long: got %d, want %d", m.CumulativeFundingRateLong, wantRate)
	}
	if upd.CappedPnl != 0 {
		t.Errorf("flat house exposure should book no pnl, got %d", upd.CappedPnl)
	}
}

func TestUpdateFundingRate_HouseReceivesBooksRevenue(t *testing.T) {
	fe := clearing.NewFundingEngine(clearing.RepegShareFeeAccounting{})
	m := fundingMarket()
	m.LastMidPriceTwap = 101 * fpmath.PricePrecision
	// Net users long: with a positive rate they pay, the house receives.
	m.BaseAssetAmountWithHouse = 9 * fpmath.BasePrecision
	m.BaseAssetAmountLong = 9 * fpmath.BasePrecision

	upd, err := fe.UpdateFundingRate(m, validOracle(100*fpmath.Price(fpmath.PricePrecision)), 3600)
	if err != nil {
		t.Fatalf("UpdateFundingRate failed: %v", err)
	}

	if upd.CappedPnl <= 0 {
		t.Fatalf("house should receive, got pnl %d", upd.CappedPnl)
	}
	if upd.CappedPnl != upd.UncappedPnl {
		t.Errorf("receiving house should book uncapped pnl: got %d, want %d",
			upd.CappedPnl, upd.UncappedPnl)
	}
	if m.TotalFeeMinusDistributions != upd.CappedPnl {
		t.Errorf("tfmd: got %d, want %d", m.TotalFeeMinusDistributions, upd.CappedPnl)
	}
	if m.FeePool != upd.CappedPnl {
		t.Errorf("fee pool: got %d, want %d", m.FeePool, upd.CappedPnl)
	}
	if upd.RateLong != upd.RateShort {
		t.Errorf("receiving house keeps rates symmetric: long=%d short=%d",
			upd.RateLong, upd.RateShort)
	}
}

func TestUpdateFundingRate_CappedAsymmetricRate(t *testing.T) {
	fe := clearing.NewFundingEngine(clearing.RepegShareFeeAccounting{})
	m := fundingMarket()
	m.LastMidPriceTwap = 101 * fpmath.PricePrecision

	// Net users short: with a positive rate the house owes the shorts
	// more than the longs pay in.
	m.BaseAssetAmountLong = fpmath.BasePrecision
	m.BaseAssetAmountShort = -10 * fpmath.BasePrecision
	m.BaseAssetAmountWithHouse = -9 * fpmath.BasePrecision

	// Spendable fee pool 0.6: the cap (a third) binds well below the
	// ~0.375 the house would owe.
	m.FeePool = 600_000
	m.TotalFeeMinusDistributions = 600_000

	upd, err := fe.UpdateFundingRate(m, validOracle(100*fpmath.Price(fpmath.PricePrecision)), 3600)
	if err != nil {
		t.Fatalf("UpdateFundingRate failed: %v", err)
	}

	wantRate := fpmath.PricePrecision * fpmath.FundingRateBuffer / 24
	if upd.RateLong != wantRate {
		t.Errorf("paying side must keep the original rate: got %d, want %d",
			upd.RateLong, wantRate)
	}
	if upd.RateShort <= 0 || upd.RateShort >= wantRate {
		t.Errorf("owed side rate should be reduced but positive: got %d (original %d)",
			upd.RateShort, wantRate)
	}

	// The house books exactly the capped third.
	if upd.CappedPnl != -200_000 {
		t.Errorf("capped pnl: got %d, want -200000", upd.CappedPnl)
	}
	if m.FeePool != 400_000 {
		t.Errorf("fee pool: got %d, want 400000", m.FeePool)
	}

	// The longs' payment at the original rate is untouched, and the
	// shorts cannot receive more than longs + fee allowance.
	longPayment, err := fpmath.FundingPaymentQuote(
		fpmath.Rate(upd.RateLong), fpmath.Base(m.BaseAssetAmountLong))
	if err != nil {
		t.Fatalf("long payment: %v", err)
	}
	shortReceipt, err := fpmath.FundingPaymentQuote(
		fpmath.Rate(upd.RateShort), fpmath.Base(m.BaseAssetAmountShort))
	if err != nil {
		t.Fatalf("short receipt: %v", err)
	}
	if longPayment >= 0 {
		t.Fatalf("longs should pay, got %d", longPayment)
	}
	maxReceivable := -int64(longPayment) + 200_000
	if int64(shortReceipt) > maxReceivable {
		t.Errorf("shorts receive %d, more than payers+fees %d", shortReceipt, maxReceivable)
	}
}

func TestUpdateFundingRate_ProfitabilityAbort(t *testing.T) {
	// A fee-accounting collaborator that raises the floor between the
	// capacity computation and the final check forces the hard abort.
	fe := clearing.NewFundingEngine(&steppingFloor{floors: []int64{0, 10 * fpmath.QuotePrecision}})
	m := fundingMarket()
	m.LastMidPriceTwap = 101 * fpmath.PricePrecision
	m.BaseAssetAmountShort = -10 * fpmath.BasePrecision
	m.BaseAssetAmountWithHouse = -10 * fpmath.BasePrecision
	m.FeePool = 600_000
	m.TotalFeeMinusDistributions = 600_000

	tfmdBefore := m.TotalFeeMinusDistributions
	cumLongBefore := m.CumulativeFundingRateLong

	_, err := fe.UpdateFundingRate(m, validOracle(100*fpmath.Price(fpmath.PricePrecision)), 3600)
	if !errors.Is(err, clearing.ErrInvalidFundingProfitability) {
		t.Fatalf("got %v, want ErrInvalidFundingProfitability", err)
	}

	// Hard abort: the cycle left the market untouched.
	if m.TotalFeeMinusDistributions != tfmdBefore {
		t.Errorf("tfmd mutated on abort: %d -> %d", tfmdBefore, m.TotalFeeMinusDistributions)
	}
	if m.CumulativeFundingRateLong != cumLongBefore {
		t.Errorf("cumulative rate mutated on abort")
	}
	if m.LastFundingRateTs != 0 {
		t.Errorf("funding timestamp mutated on abort")
	}
}

type steppingFloor struct {
	floors []int64
	calls  int
}

func (s *steppingFloor) FeePoolFloor(*state.Market) (int64, error) {
	floor := s.floors[len(s.floors)-1]
	if s.calls < len(s.floors) {
		floor = s.floors[s.calls]
	}
	s.calls++
	return floor, nil
}

// ============================================================================
// Test: ApplyFundingToPosition
// ============================================================================

func TestApplyFundingToPosition_LongPays(t *testing.T) {
	fe := clearing.NewFundingEngine(clearing.RepegShareFeeAccounting{})
	m := fundingMarket()
	m.CumulativeFundingRateLong = fpmath.PricePrecision * fpmath.FundingRateBuffer

	pos := &state.Position{
		UserID:          uuid.New(),
		MarketID:        "SOL-PERP",
		BaseAssetAmount: fpmath.BasePrecision,
	}

	payment, err := fe.ApplyFundingToPosition(m, pos)
	if err != nil {
		t.Fatalf("ApplyFundingToPosition failed: %v", err)
	}
	if payment != -fpmath.QuotePrecision {
		t.Errorf("payment: got %d, want %d", payment, -fpmath.QuotePrecision)
	}
	if pos.QuoteAssetAmount != -fpmath.QuotePrecision {
		t.Errorf("quote balance: got %d, want %d", pos.QuoteAssetAmount, -fpmath.QuotePrecision)
	}
	if pos.LastCumulativeFundingRate != m.CumulativeFundingRateLong {
		t.Errorf("marker not advanced: got %d, want %d",
			pos.LastCumulativeFundingRate, m.CumulativeFundingRateLong)
	}
}

func TestApplyFundingToPosition_NoDeltaNoOp(t *testing.T) {
	fe := clearing.NewFundingEngine(clearing.RepegShareFeeAccounting{})
	m := fundingMarket()

	pos := &state.Position{
		UserID:          uuid.New(),
		MarketID:        "SOL-PERP",
		BaseAssetAmount: fpmath.BasePrecision,
	}

	payment, err := fe.ApplyFundingToPosition(m, pos)
	if err != nil {
		t.Fatalf("ApplyFundingToPosition failed: %v", err)
	}
	if payment != 0 {
		t.Errorf("payment: got %d, want 0", payment)
	}
	if pos.Version != 0 {
		t.Errorf("no-op should not bump version, got %d", pos.Version)
	}
}

func TestApplyFundingToPosition_FlatAdvancesMarker(t *testing.T) {
	fe := clearing.NewFundingEngine(clearing.RepegShareFeeAccounting{})
	m := fundingMarket()
	m.CumulativeFundingRateLong = 12345
	m.CumulativeFundingRateShort = 6789

	pos := &state.Position{UserID: uuid.New(), MarketID: "SOL-PERP"}

	payment, err := fe.ApplyFundingToPosition(m, pos)
	if err != nil {
		t.Fatalf("ApplyFundingToPosition failed: %v", err)
	}
	if payment != 0 {
		t.Errorf("flat position pays nothing, got %d", payment)
	}
	// Zero exposure tracks the short-side cumulative rate.
	if pos.LastCumulativeFundingRate != 6789 {
		t.Errorf("marker: got %d, want short cumulative 6789", pos.LastCumulativeFundingRate)
	}
}

func TestApplyFundingToPosition_ShortUsesShortCumulative(t *testing.T) {
	fe := clearing.NewFundingEngine(clearing.RepegShareFeeAccounting{})
	m := fundingMarket()
	m.CumulativeFundingRateLong = fpmath.PricePrecision * fpmath.FundingRateBuffer
	m.CumulativeFundingRateShort = fpmath.PricePrecision * fpmath.FundingRateBuffer / 2

	pos := &state.Position{
		UserID:          uuid.New(),
		MarketID:        "SOL-PERP",
		BaseAssetAmount: -fpmath.BasePrecision,
	}

	payment, err := fe.ApplyFundingToPosition(m, pos)
	if err != nil {
		t.Fatalf("ApplyFundingToPosition failed: %v", err)
	}
	// Shorts receive against the short-side cumulative rate.
	if payment != fpmath.QuotePrecision/2 {
		t.Errorf("payment: got %d, want %d", payment, fpmath.QuotePrecision/2)
	}
	if pos.LastCumulativeFundingRate != m.CumulativeFundingRateShort {
		t.Errorf("marker should track the short cumulative rate")
	}
}
