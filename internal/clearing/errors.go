package clearing

import "errors"

// Error taxonomy surfaced to the dispatch layer. Arithmetic failures
// additionally propagate as *fpmath.MathError.
var (
	// ErrUserHasNoPositionInMarket: settlement requested for a slot
	// with zero exposure and zero quote balance.
	ErrUserHasNoPositionInMarket = errors.New("user has no position in market")

	// ErrInsufficientCollateralForSettlingPnl: realizing the profit
	// would drop the user below maintenance margin.
	ErrInsufficientCollateralForSettlingPnl = errors.New("insufficient collateral for settling pnl")

	// ErrInvalidFundingProfitability: the capped funding payment would
	// push fee revenue below the protocol floor; the funding cycle is
	// aborted and safe to retry with fresh inputs.
	ErrInvalidFundingProfitability = errors.New("invalid funding profitability")

	// ErrInvalidOracleSnapshot: missing or invalidated reference price.
	ErrInvalidOracleSnapshot = errors.New("invalid oracle snapshot")

	// ErrMarketStatus: the market's lifecycle state forbids the
	// operation.
	ErrMarketStatus = errors.New("operation not allowed in current market status")

	// ErrFundingPeriodNotElapsed: funding tick arrived before the
	// market's funding period passed.
	ErrFundingPeriodNotElapsed = errors.New("funding period not elapsed")

	// ErrMarketNotFound: the referenced market was never listed.
	ErrMarketNotFound = errors.New("market not found")

	// ErrInsufficientMarginForFill: the fill would leave the user below
	// initial margin.
	ErrInsufficientMarginForFill = errors.New("insufficient margin for fill")

	// ErrInsufficientCollateralForWithdrawal: the withdrawal exceeds the
	// user's free collateral or would breach initial margin.
	ErrInsufficientCollateralForWithdrawal = errors.New("insufficient collateral for withdrawal")

	// ErrReduceOnlyViolation: a fill tried to grow exposure in a
	// reduce-only market.
	ErrReduceOnlyViolation = errors.New("fill increases exposure in reduce-only market")
)
