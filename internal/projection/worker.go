package projection

import (
	"context"
	"database/sql"
	"fmt"

	"PerpClearing/internal/cache"
	"PerpClearing/internal/observability"

	"github.com/rs/zerolog"
)

// ProjectionOutput is the projection-side view of one processed event.
// The main loop bridges the core's output into this shape so this
// package stays independent of the core's types.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	MarketID  *string
	Timestamp int64

	Journals   []JournalEntry
	Settlement *SettlementRecord
	Funding    *FundingRecord
}

// JournalEntry is a simplified journal line for balance projections.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
}

// SettlementRecord is one realized-PnL settlement for the history table.
type SettlementRecord struct {
	UserID         string
	MarketID       string
	SettledAmount  int64
	FundingPayment int64
	PnlPoolDelta   int64
	FeePoolDelta   int64
	PnlPoolAfter   int64
	FeePoolAfter   int64
	Timestamp      int64
}

// FundingRecord is one funding period for the rate history table.
type FundingRecord struct {
	MarketID            string
	MidTwap             int64
	OracleTwap          int64
	RateLong            int64
	RateShort           int64
	CumulativeRateLong  int64
	CumulativeRateShort int64
	UncappedPnl         int64
	CappedPnl           int64
	Timestamp           int64
}

// ProjectionWorker maintains the read-model tables from processed
// events. The core's projection channel drops under backpressure, so
// the tables are eventually consistent and rebuildable from the event
// log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	cache     *cache.Cache // nil disables write-through
	lastSeq   int64
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, c *cache.Cache) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		cache:     c,
		log:       observability.NewLogger("projection"),
	}
}

// Run processes the input channel until it closes or the context is
// cancelled. Failures are logged and skipped: a gap here never blocks
// the core, and RebuildProjections recovers the tables.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				pw.log.Warn().
					Int64("sequence", output.Sequence).
					Err(err).
					Msg("projection update failed")
			}
			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Journals {
		if err := pw.applyJournal(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if s := output.Settlement; s != nil {
		if err := pw.insertSettlement(ctx, tx, s, output.Sequence); err != nil {
			return fmt.Errorf("settlement projection: %w", err)
		}
	}

	if f := output.Funding; f != nil {
		if err := pw.insertFunding(ctx, tx, f, output.Sequence); err != nil {
			return fmt.Errorf("funding projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	pw.invalidateCache(ctx, output)
	return nil
}

// applyJournal folds one journal line into the balance table. The
// tracker's convention is debit increases, credit decreases.
func (pw *ProjectionWorker) applyJournal(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3
	`, j.DebitAccount, j.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, -$2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $2, last_sequence = $3
	`, j.CreditAccount, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

func (pw *ProjectionWorker) insertSettlement(ctx context.Context, tx *sql.Tx, s *SettlementRecord, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlements
			(sequence, user_id, market_id, settled_amount, funding_payment,
			 pnl_pool_delta, fee_pool_delta, pnl_pool_after, fee_pool_after, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, s.UserID, s.MarketID, s.SettledAmount, s.FundingPayment,
		s.PnlPoolDelta, s.FeePoolDelta, s.PnlPoolAfter, s.FeePoolAfter, s.Timestamp)
	return err
}

func (pw *ProjectionWorker) insertFunding(ctx context.Context, tx *sql.Tx, f *FundingRecord, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_rates
			(market_id, funding_time, mid_twap, oracle_twap, rate_long, rate_short,
			 cumulative_rate_long, cumulative_rate_short, uncapped_pnl, capped_pnl, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (market_id, funding_time) DO NOTHING
	`, f.MarketID, f.Timestamp, f.MidTwap, f.OracleTwap, f.RateLong, f.RateShort,
		f.CumulativeRateLong, f.CumulativeRateShort, f.UncappedPnl, f.CappedPnl, seq)
	return err
}

func (pw *ProjectionWorker) invalidateCache(ctx context.Context, output ProjectionOutput) {
	if pw.cache == nil {
		return
	}

	if s := output.Settlement; s != nil {
		pw.cache.InvalidateAfterSettlement(ctx, s.UserID, s.MarketID)
	}
	if f := output.Funding; f != nil {
		pw.cache.SetLatestFunding(ctx, f.MarketID, f)
	}

	// Collateral moves show up as journal lines against user accounts.
	for _, j := range output.Journals {
		for _, path := range []string{j.DebitAccount, j.CreditAccount} {
			if user, ok := userFromAccountPath(path); ok {
				pw.cache.InvalidateBalance(ctx, user)
			}
		}
	}
}

// userFromAccountPath extracts the user ID from "user:{uuid}:collateral"
// paths.
func userFromAccountPath(path string) (string, bool) {
	const prefix = "user:"
	if len(path) < len(prefix)+36 || path[:len(prefix)] != prefix {
		return "", false
	}
	return path[len(prefix) : len(prefix)+36], true
}

// RebuildProjections reconstructs the balance table from the journal
// and clears derived history so the worker can refill it on replay.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	log := observability.NewLogger("projection")

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.settlements`,
		`TRUNCATE projections.funding_rates`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits increase, credits decrease.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT debit_account, SUM(amount), MAX(sequence)
		FROM event_log.journal
		GROUP BY debit_account
		ON CONFLICT (account_path) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT credit_account, -SUM(amount), MAX(sequence)
		FROM event_log.journal
		GROUP BY credit_account
		ON CONFLICT (account_path) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Info().Msg("projection rebuild complete")
	return nil
}
