package query

import "github.com/google/uuid"

// BalanceResponse is a user's collateral balance for API queries.
// Negative collateral means the user is borrowing against unsettled
// position balances.
type BalanceResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Collateral   int64     `json:"collateral"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// PoolResponse is a market's shared pool balances.
type PoolResponse struct {
	MarketID     string `json:"market_id"`
	PnlPool      int64  `json:"pnl_pool"`
	FeePool      int64  `json:"fee_pool"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// SettlementResponse is one realized-PnL settlement record.
type SettlementResponse struct {
	Sequence       int64     `json:"sequence"`
	UserID         uuid.UUID `json:"user_id"`
	MarketID       string    `json:"market_id"`
	SettledAmount  int64     `json:"settled_amount"`
	FundingPayment int64     `json:"funding_payment"`
	PnlPoolDelta   int64     `json:"pnl_pool_delta"`
	FeePoolDelta   int64     `json:"fee_pool_delta"`
	PnlPoolAfter   int64     `json:"pnl_pool_after"`
	FeePoolAfter   int64     `json:"fee_pool_after"`
	Timestamp      int64     `json:"timestamp"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// FundingRateResponse is one funding period for a market.
type FundingRateResponse struct {
	MarketID            string `json:"market_id"`
	FundingTime         int64  `json:"funding_time"`
	MidTwap             int64  `json:"mid_twap"`
	OracleTwap          int64  `json:"oracle_twap"`
	RateLong            int64  `json:"rate_long"`
	RateShort           int64  `json:"rate_short"`
	CumulativeRateLong  int64  `json:"cumulative_rate_long"`
	CumulativeRateShort int64  `json:"cumulative_rate_short"`
	UncappedPnl         int64  `json:"uncapped_pnl"`
	CappedPnl           int64  `json:"capped_pnl"`
	Sequence            int64  `json:"sequence"`
}

// JournalHistoryEntry is a journal line for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	GlobalImbalance int64   `json:"global_imbalance"`
}
