package math

// ComputeFundingRate derives the per-period funding rate from the
// divergence between the market's mid-price TWAP and the oracle TWAP.
//
// The spread is clamped to oracleTwap/33 (roughly 3%) before use so a
// glitched oracle or thin-liquidity mispricing cannot drive an extreme
// transfer. The period adjustment normalizes any funding interval to an
// hourly-equivalent rate over a 24h horizon.
func ComputeFundingRate(midTwap, oracleTwap Price, fundingPeriodSec int64) (Rate, error) {
	if fundingPeriodSec <= 0 {
		return 0, &MathError{Op: "div", Reason: "non-positive funding period"}
	}
	if oracleTwap == 0 {
		return 0, errDivZero()
	}

	period := fundingPeriodSec
	if period < OneHour {
		period = OneHour
	}
	periodAdjustment := OneDay / period

	spread, err := CheckedSub(int64(midTwap), int64(oracleTwap))
	if err != nil {
		return 0, err
	}
	band, err := CheckedDiv(int64(oracleTwap), 33)
	if err != nil {
		return 0, err
	}
	if band < 0 {
		band = -band
	}
	clamped := Clamp(spread, -band, band)

	rate, err := MulDiv(clamped, FundingRateBuffer, periodAdjustment)
	if err != nil {
		return 0, err
	}
	return Rate(rate), nil
}

// FundingPaymentBaseScale computes the payment owed for a cumulative
// rate delta against a base exposure, in base-scale quote units. The
// multiply runs at full width before either division so no precision
// is lost.
//
// Sign convention: a positive result means the position receives. With
// delta > 0 (longs paid shorts) a long exposure yields a negative
// payment and a short exposure a positive one.
func FundingPaymentBaseScale(delta Rate, base Base) (int64, error) {
	if delta == 0 || base == 0 {
		return 0, nil
	}
	deltaMag, err := Abs(int64(delta))
	if err != nil {
		return 0, err
	}
	baseMag, err := Abs(int64(base))
	if err != nil {
		return 0, err
	}

	prod := MulWide(deltaMag, baseMag)
	den := getWide().SetInt64(PricePrecision)
	prod.Quo(prod, den)
	den.SetInt64(FundingRateBuffer)
	prod.Quo(prod, den)
	putWide(den)
	mag, err := Narrow(prod)
	if err != nil {
		return 0, err
	}

	paymentSign := int64(1)
	if base > 0 {
		paymentSign = -1
	}
	return mag * paymentSign * Sign(int64(delta)), nil
}

// FundingPaymentQuote is FundingPaymentBaseScale narrowed to collateral
// units.
func FundingPaymentQuote(delta Rate, base Base) (Quote, error) {
	baseScale, err := FundingPaymentBaseScale(delta, base)
	if err != nil {
		return 0, err
	}
	mag, err := Abs(baseScale)
	if err != nil {
		return 0, err
	}
	return Quote((mag / BaseToQuoteRatio) * Sign(baseScale)), nil
}

// FundingRateFromPnlLimit inverts the payment formula: given the quote
// amount a side can afford to pay (or must receive), derive the rate
// that produces exactly that payment over the side's base exposure.
// Returns 0 for a flat side.
//
// A negative limit is biased by +1 toward zero so truncation cannot
// round the reduced rate past what the limit affords.
func FundingRateFromPnlLimit(pnlLimit Quote, sideExposure Base) (Rate, error) {
	if sideExposure == 0 {
		return 0, nil
	}
	biased := int64(pnlLimit)
	if biased < 0 {
		biased++
	}

	prod := getWide().SetInt64(biased)
	prod.Mul(prod, quoteToBaseFundingPrecision)
	den := getWide().SetInt64(int64(sideExposure))
	prod.Quo(prod, den)
	putWide(den)
	v, err := Narrow(prod)
	if err != nil {
		return 0, err
	}
	return Rate(v), nil
}

// NotionalValue is the absolute collateral value of a base exposure at
// a price.
func NotionalValue(base Base, price Price) (Quote, error) {
	v, err := BaseValueAtPrice(base, price)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return -v, nil
	}
	return v, nil
}
