package math

import (
	"fmt"
	"math"
	"math/big"
	"sync"
)

// MathError reports a failed checked arithmetic step. Every arithmetic
// failure aborts the enclosing operation before any state write.
type MathError struct {
	Op     string // add, sub, mul, div, narrow, conv
	Reason string // overflow, division by zero, ...
}

func (e *MathError) Error() string {
	return fmt.Sprintf("math: %s: %s", e.Op, e.Reason)
}

func errOverflow(op string) error {
	return &MathError{Op: op, Reason: "overflow"}
}

func errDivZero() error {
	return &MathError{Op: "div", Reason: "division by zero"}
}

// CheckedAdd returns a+b or a MathError on int64 overflow.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, errOverflow("add")
	}
	return sum, nil
}

// CheckedSub returns a-b or a MathError on int64 overflow.
func CheckedSub(a, b int64) (int64, error) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, errOverflow("sub")
	}
	return diff, nil
}

// CheckedMul returns a*b or a MathError on int64 overflow.
func CheckedMul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	prod := a * b
	if prod/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, errOverflow("mul")
	}
	return prod, nil
}

// CheckedDiv returns a/b (truncated toward zero) or a MathError on
// division by zero or MinInt64/-1 overflow.
func CheckedDiv(a, b int64) (int64, error) {
	if b == 0 {
		return 0, errDivZero()
	}
	if a == math.MinInt64 && b == -1 {
		return 0, errOverflow("div")
	}
	return a / b, nil
}

// wideInt is a pooled big.Int for intermediate wide (>=192-bit) products.
var wideIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return wideIntPool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0)
	wideIntPool.Put(v)
}

// MulWide returns a*b as a big.Int. Callers must release the result
// with putWide or pass ownership to a narrowing helper.
func MulWide(a, b int64) *big.Int {
	result := getWide()
	bb := getWide().SetInt64(b)
	result.SetInt64(a)
	result.Mul(result, bb)
	putWide(bb)
	return result
}

// Narrow converts a wide intermediate back to int64, failing with a
// MathError when the value does not fit. Releases x to the pool.
func Narrow(x *big.Int) (int64, error) {
	if !x.IsInt64() {
		putWide(x)
		return 0, errOverflow("narrow")
	}
	v := x.Int64()
	putWide(x)
	return v, nil
}

// MulDiv computes a*b/den with a wide intermediate product so the
// multiply cannot overflow before the divide. Truncates toward zero.
func MulDiv(a, b, den int64) (int64, error) {
	if den == 0 {
		return 0, errDivZero()
	}
	prod := MulWide(a, b)
	d := getWide().SetInt64(den)
	prod.Quo(prod, d)
	putWide(d)
	return Narrow(prod)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sign returns -1, 0 or +1.
func Sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Abs fails on MinInt64 rather than wrapping.
func Abs(v int64) (int64, error) {
	if v == math.MinInt64 {
		return 0, errOverflow("abs")
	}
	if v < 0 {
		return -v, nil
	}
	return v, nil
}
