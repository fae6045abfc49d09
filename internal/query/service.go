package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpClearing/internal/cache"
	"PerpClearing/internal/observability"

	"github.com/google/uuid"
)

// QueryService is the read side: it serves API queries from the
// projection tables, with a Redis read-through in front of the hot
// lookups. Every response carries as_of_sequence so callers can reason
// about freshness against the event stream.
type QueryService struct {
	db      *sql.DB
	cache   *cache.Cache // nil disables the read-through
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, c *cache.Cache, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, cache: c, metrics: metrics}
}

// GetBalance returns a user's collateral balance.
func (qs *QueryService) GetBalance(ctx context.Context, userID uuid.UUID) (*BalanceResponse, error) {
	defer qs.observe("balance", time.Now())

	key := cache.BalanceKey(userID.String())
	var cached BalanceResponse
	if qs.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, qs.fail("balance", fmt.Errorf("watermark: %w", err))
	}

	path := fmt.Sprintf("user:%s:collateral", userID)
	collateral, err := qs.getProjectedBalance(ctx, path)
	if err != nil {
		return nil, qs.fail("balance", err)
	}

	resp := &BalanceResponse{
		UserID:       userID,
		Collateral:   collateral,
		AsOfSequence: asOfSeq,
	}
	qs.cache.Set(ctx, key, resp, cache.ReadTTL())
	return resp, nil
}

// GetPools returns a market's PnL and fee pool balances.
func (qs *QueryService) GetPools(ctx context.Context, marketID string) (*PoolResponse, error) {
	defer qs.observe("pools", time.Now())

	key := cache.PoolsKey(marketID)
	var cached PoolResponse
	if qs.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, qs.fail("pools", err)
	}

	pnlPool, err := qs.getProjectedBalance(ctx, fmt.Sprintf("market:%s:pnl_pool", marketID))
	if err != nil {
		return nil, qs.fail("pools", err)
	}
	feePool, err := qs.getProjectedBalance(ctx, fmt.Sprintf("market:%s:fee_pool", marketID))
	if err != nil {
		return nil, qs.fail("pools", err)
	}

	resp := &PoolResponse{
		MarketID:     marketID,
		PnlPool:      pnlPool,
		FeePool:      feePool,
		AsOfSequence: asOfSeq,
	}
	qs.cache.Set(ctx, key, resp, cache.ReadTTL())
	return resp, nil
}

// GetSettlements returns settlement history for a user, newest first,
// with cursor pagination on sequence.
func (qs *QueryService) GetSettlements(
	ctx context.Context,
	userID uuid.UUID,
	marketID *string,
	limit int,
	afterSequence *int64,
) ([]SettlementResponse, error) {
	defer qs.observe("settlements", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, qs.fail("settlements", err)
	}

	q := `
		SELECT sequence, market_id, settled_amount, funding_payment,
		       pnl_pool_delta, fee_pool_delta, pnl_pool_after, fee_pool_after, timestamp
		FROM projections.settlements
		WHERE user_id = $1
	`
	args := []interface{}{userID.String()}
	argIdx := 2

	if marketID != nil {
		q += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}
	if afterSequence != nil {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}
	q += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, qs.fail("settlements", err)
	}
	defer rows.Close()

	var results []SettlementResponse
	for rows.Next() {
		var s SettlementResponse
		s.UserID = userID
		s.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&s.Sequence, &s.MarketID, &s.SettledAmount, &s.FundingPayment,
			&s.PnlPoolDelta, &s.FeePoolDelta, &s.PnlPoolAfter, &s.FeePoolAfter, &s.Timestamp,
		); err != nil {
			return nil, qs.fail("settlements", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// GetFundingRates returns funding rate history for a market, newest
// first, with cursor pagination on funding time.
func (qs *QueryService) GetFundingRates(
	ctx context.Context,
	marketID string,
	limit int,
	beforeTime *int64,
) ([]FundingRateResponse, error) {
	defer qs.observe("funding_rates", time.Now())

	q := `
		SELECT funding_time, mid_twap, oracle_twap, rate_long, rate_short,
		       cumulative_rate_long, cumulative_rate_short, uncapped_pnl, capped_pnl, sequence
		FROM projections.funding_rates
		WHERE market_id = $1
	`
	args := []interface{}{marketID}
	argIdx := 2

	if beforeTime != nil {
		q += fmt.Sprintf(" AND funding_time < $%d", argIdx)
		args = append(args, *beforeTime)
		argIdx++
	}
	q += fmt.Sprintf(" ORDER BY funding_time DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, qs.fail("funding_rates", err)
	}
	defer rows.Close()

	var results []FundingRateResponse
	for rows.Next() {
		var f FundingRateResponse
		f.MarketID = marketID
		if err := rows.Scan(
			&f.FundingTime, &f.MidTwap, &f.OracleTwap, &f.RateLong, &f.RateShort,
			&f.CumulativeRateLong, &f.CumulativeRateShort, &f.UncappedPnl, &f.CappedPnl, &f.Sequence,
		); err != nil {
			return nil, qs.fail("funding_rates", err)
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// GetLatestFunding returns the most recent funding update for a market,
// served from cache when the projection worker has written through.
func (qs *QueryService) GetLatestFunding(ctx context.Context, marketID string) (*FundingRateResponse, error) {
	var cached FundingRateResponse
	if qs.cache.Get(ctx, cache.FundingKey(marketID), &cached) {
		cached.MarketID = marketID
		return &cached, nil
	}

	rates, err := qs.GetFundingRates(ctx, marketID, 1, nil)
	if err != nil {
		return nil, err
	}
	if len(rates) == 0 {
		return nil, nil
	}
	return &rates[0], nil
}

// GetJournalHistory returns journal lines touching a user's accounts,
// newest first, with cursor pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	defer qs.observe("journal", time.Now())

	accountPrefix := fmt.Sprintf("user:%s:%%", userID)
	q := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}
	q += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, qs.fail("journal", err)
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, qs.fail("journal", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity checks the hash chain in the event log and the
// zero-sum property of the mirrored balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("integrity", time.Now())

	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, qs.fail("integrity", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, qs.fail("integrity", err)
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, qs.fail("integrity", err)
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM projections.balances
	`).Scan(&report.GlobalImbalance)
	if err != nil {
		return nil, qs.fail("integrity", err)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.GlobalImbalance == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics != nil {
		qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (qs *QueryService) fail(endpoint string, err error) error {
	if qs.metrics != nil {
		qs.metrics.QueryErrors.WithLabelValues(endpoint, "db").Inc()
	}
	return err
}
