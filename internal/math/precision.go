package math

import "math/big"

// Fixed-point scales. Each quantity kind carries its own scale; the
// newtypes below keep a price from being added to a quote amount
// without an explicit, checked conversion.
const (
	// PricePrecision scales mark/oracle prices (10 decimals).
	PricePrecision int64 = 10_000_000_000

	// BasePrecision scales base-asset exposure (13 decimals).
	BasePrecision int64 = 10_000_000_000_000

	// QuotePrecision scales collateral amounts (6 decimals, USDC-style).
	QuotePrecision int64 = 1_000_000

	// PegPrecision scales a market's peg multiplier.
	PegPrecision int64 = 1_000

	// FundingRateBuffer is the extra scale carried by funding rates on
	// top of PricePrecision, so sub-tick rates survive the per-period
	// division.
	FundingRateBuffer int64 = 10_000

	// BaseToQuoteRatio converts base-scale quote values to collateral
	// scale: BasePrecision / QuotePrecision.
	BaseToQuoteRatio int64 = 10_000_000

	// PriceToPegRatio converts peg-scaled reserve ratios to price
	// scale: PricePrecision / PegPrecision.
	PriceToPegRatio int64 = 10_000_000

	OneHour int64 = 3_600
	OneDay  int64 = 24 * OneHour
)

// quoteToBaseFundingPrecision rescales a quote-denominated funding
// limit into rate scale against a base exposure:
// PricePrecision * FundingRateBuffer * BasePrecision / QuotePrecision.
// The value (1e21) exceeds int64, so it lives as a big.Int.
var quoteToBaseFundingPrecision = new(big.Int).Exp(
	big.NewInt(10), big.NewInt(21), nil,
)

// Price is a fixed-point price at PricePrecision scale.
type Price int64

// Base is a signed base-asset exposure at BasePrecision scale.
type Base int64

// Quote is a signed collateral amount at QuotePrecision scale.
type Quote int64

// Rate is a funding rate at PricePrecision*FundingRateBuffer scale.
type Rate int64

// BaseValueAtPrice marks a base exposure to a price, yielding a signed
// collateral amount. Truncates toward zero on the final narrowing.
func BaseValueAtPrice(base Base, price Price) (Quote, error) {
	baseMag, err := Abs(int64(base))
	if err != nil {
		return 0, err
	}
	prod := MulWide(baseMag, int64(price))
	den := getWide().SetInt64(PricePrecision)
	prod.Quo(prod, den)
	den.SetInt64(BaseToQuoteRatio)
	prod.Quo(prod, den)
	putWide(den)
	mag, err := Narrow(prod)
	if err != nil {
		return 0, err
	}
	return Quote(mag * Sign(int64(base))), nil
}

// ReservePrice derives the fixed-point price implied by a reserve pair
// and peg multiplier: quote * peg * PriceToPegRatio / base.
func ReservePrice(quoteReserve, baseReserve, pegMultiplier int64) (Price, error) {
	if baseReserve == 0 {
		return 0, errDivZero()
	}
	prod := MulWide(quoteReserve, pegMultiplier)
	scale := getWide().SetInt64(PriceToPegRatio)
	prod.Mul(prod, scale)
	scale.SetInt64(baseReserve)
	prod.Quo(prod, scale)
	putWide(scale)
	v, err := Narrow(prod)
	if err != nil {
		return 0, err
	}
	return Price(v), nil
}
