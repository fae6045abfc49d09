package math_test

import (
	"errors"
	stdmath "math"
	"testing"

	fpmath "PerpClearing/internal/math"
)

// ============================================================================
// Test: Checked arithmetic
// ============================================================================

func TestCheckedAdd_Overflow(t *testing.T) {
	_, err := fpmath.CheckedAdd(stdmath.MaxInt64, 1)
	if err == nil {
		t.Fatal("expected overflow error")
	}
	var me *fpmath.MathError
	if !errors.As(err, &me) {
		t.Errorf("got %T, want *MathError", err)
	}
}

func TestCheckedAdd_NegativeOverflow(t *testing.T) {
	_, err := fpmath.CheckedAdd(stdmath.MinInt64, -1)
	if err == nil {
		t.Error("expected overflow error")
	}
}

func TestCheckedSub_Overflow(t *testing.T) {
	_, err := fpmath.CheckedSub(stdmath.MinInt64, 1)
	if err == nil {
		t.Error("expected overflow error")
	}
}

func TestCheckedMul_Overflow(t *testing.T) {
	_, err := fpmath.CheckedMul(stdmath.MaxInt64, 2)
	if err == nil {
		t.Error("expected overflow error")
	}
}

func TestCheckedMul_MinByMinusOne(t *testing.T) {
	_, err := fpmath.CheckedMul(stdmath.MinInt64, -1)
	if err == nil {
		t.Error("MinInt64 * -1 should overflow")
	}
}

func TestCheckedDiv_ByZero(t *testing.T) {
	_, err := fpmath.CheckedDiv(1, 0)
	if err == nil {
		t.Fatal("expected division by zero error")
	}
	var me *fpmath.MathError
	if !errors.As(err, &me) {
		t.Fatalf("got %T, want *MathError", err)
	}
	if me.Reason != "division by zero" {
		t.Errorf("reason: got %q, want %q", me.Reason, "division by zero")
	}
}

func TestCheckedDiv_TruncatesTowardZero(t *testing.T) {
	got, err := fpmath.CheckedDiv(-7, 2)
	if err != nil {
		t.Fatalf("CheckedDiv failed: %v", err)
	}
	if got != -3 {
		t.Errorf("got %d, want -3", got)
	}
}

// ============================================================================
// Test: Wide multiply-then-divide
// ============================================================================

func TestMulDiv_NoIntermediateOverflow(t *testing.T) {
	// a*b overflows int64 but the quotient fits.
	got, err := fpmath.MulDiv(stdmath.MaxInt64, 100, 1000)
	if err != nil {
		t.Fatalf("MulDiv failed: %v", err)
	}
	want := int64(stdmath.MaxInt64 / 10)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestMulDiv_ResultOverflow(t *testing.T) {
	_, err := fpmath.MulDiv(stdmath.MaxInt64, 2, 1)
	if err == nil {
		t.Error("expected narrowing overflow error")
	}
}

func TestMulDiv_DivideByZero(t *testing.T) {
	_, err := fpmath.MulDiv(1, 1, 0)
	if err == nil {
		t.Error("expected division by zero error")
	}
}

// ============================================================================
// Test: Precision conversions
// ============================================================================

func TestBaseValueAtPrice_OneUnitAtHundred(t *testing.T) {
	base := fpmath.Base(fpmath.BasePrecision)       // 1 unit long
	price := fpmath.Price(100 * fpmath.PricePrecision)

	got, err := fpmath.BaseValueAtPrice(base, price)
	if err != nil {
		t.Fatalf("BaseValueAtPrice failed: %v", err)
	}
	want := fpmath.Quote(100 * fpmath.QuotePrecision)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestBaseValueAtPrice_ShortIsNegative(t *testing.T) {
	base := fpmath.Base(-fpmath.BasePrecision)
	price := fpmath.Price(100 * fpmath.PricePrecision)

	got, err := fpmath.BaseValueAtPrice(base, price)
	if err != nil {
		t.Fatalf("BaseValueAtPrice failed: %v", err)
	}
	if got != fpmath.Quote(-100*fpmath.QuotePrecision) {
		t.Errorf("got %d, want %d", got, -100*fpmath.QuotePrecision)
	}
}

func TestReservePrice_BalancedReserves(t *testing.T) {
	quoteReserve := 100 * fpmath.BasePrecision
	baseReserve := 100 * fpmath.BasePrecision
	peg := 100 * fpmath.PegPrecision

	got, err := fpmath.ReservePrice(quoteReserve, baseReserve, peg)
	if err != nil {
		t.Fatalf("ReservePrice failed: %v", err)
	}
	want := fpmath.Price(100 * fpmath.PricePrecision)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestReservePrice_ZeroBaseReserve(t *testing.T) {
	_, err := fpmath.ReservePrice(1, 0, 1)
	if err == nil {
		t.Error("expected division by zero error")
	}
}
