package ledger

import (
	"fmt"

	"PerpClearing/internal/clearing"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from clearing
// outcomes. The ledger mirrors the cash legs of the engine: user
// collateral, the per-market shared pools and the external boundary.
// Position quote balances are engine state, not cash, and are not
// journaled.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 3),
	}
}

func (jg *JournalGenerator) appendJournal(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit creates journals for a confirmed collateral deposit.
// Moves funds: external:deposits → user:collateral
func (jg *JournalGenerator) GenerateDeposit(
	userID uuid.UUID,
	depositID uuid.UUID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit %s has non-positive amount: %d", depositID, amount)
	}

	batch := jg.newBatch(depositID.String(), timestamp)
	jg.appendJournal(batch,
		NewUserAccountKey(userID, SubTypeCollateral),
		NewExternalAccountKey(SubTypeExternalDeposits),
		amount, JournalTypeDeposit)
	jg.sequence++

	return batch, nil
}

// GenerateWithdrawal creates journals for a collateral withdrawal.
// Pre-check: the user's collateral must cover the full amount; unlike
// settlements, a withdrawal can never drive collateral negative.
func (jg *JournalGenerator) GenerateWithdrawal(
	userID uuid.UUID,
	withdrawalID uuid.UUID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal %s has non-positive amount: %d", withdrawalID, amount)
	}
	if err := jg.balanceTracker.ValidateSufficientCollateral(userID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batch := jg.newBatch(withdrawalID.String(), timestamp)
	jg.appendJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals),
		NewUserAccountKey(userID, SubTypeCollateral),
		amount, JournalTypeWithdrawal)
	jg.sequence++

	return batch, nil
}

// GeneratePoolSeed records the initial pool balances when a market is
// listed, so the mirrored pools reconcile against the engine's fields
// from the first settlement onward.
func (jg *JournalGenerator) GeneratePoolSeed(
	marketID string,
	pnlPool int64,
	feePool int64,
	timestamp int64,
) (*Batch, error) {
	if pnlPool < 0 || feePool < 0 {
		return nil, fmt.Errorf("market %s seeded with negative pool: pnl=%d fee=%d", marketID, pnlPool, feePool)
	}
	if pnlPool == 0 && feePool == 0 {
		return nil, nil
	}

	batch := jg.newBatch(fmt.Sprintf("seed:%s", marketID), timestamp)
	if pnlPool > 0 {
		jg.appendJournal(batch,
			NewMarketAccountKey(marketID, SubTypeMarketPnlPool),
			NewExternalAccountKey(SubTypeExternalDeposits),
			pnlPool, JournalTypePoolSeed)
	}
	if feePool > 0 {
		jg.appendJournal(batch,
			NewMarketAccountKey(marketID, SubTypeMarketFeePool),
			NewExternalAccountKey(SubTypeExternalDeposits),
			feePool, JournalTypePoolSeed)
	}
	jg.sequence++

	return batch, nil
}

// GenerateSettlement mirrors one PnL settlement into the ledger. The
// legs are derived from the result's pool deltas: at most one of
// replenish (fee pool topping up the PnL pool before a payout) and skim
// (fee pool taking a share of a loss inflow) is present per settlement.
func (jg *JournalGenerator) GenerateSettlement(res *clearing.SettlementResult) (*Batch, error) {
	eventRef := fmt.Sprintf("settle:%s:%s:%d", res.MarketID, res.UserID, res.Timestamp)
	batch := jg.newBatch(eventRef, res.Timestamp)

	pnlPool := NewMarketAccountKey(res.MarketID, SubTypeMarketPnlPool)
	feePool := NewMarketAccountKey(res.MarketID, SubTypeMarketFeePool)
	collateral := NewUserAccountKey(res.UserID, SubTypeCollateral)

	if res.FeePoolDelta < 0 {
		jg.appendJournal(batch, pnlPool, feePool, -res.FeePoolDelta, JournalTypePoolReplenish)
	}
	switch {
	case res.SettledAmount > 0:
		jg.appendJournal(batch, collateral, pnlPool, res.SettledAmount, JournalTypePnlSettle)
	case res.SettledAmount < 0:
		jg.appendJournal(batch, pnlPool, collateral, -res.SettledAmount, JournalTypePnlSettle)
	}
	if res.FeePoolDelta > 0 {
		jg.appendJournal(batch, feePool, pnlPool, res.FeePoolDelta, JournalTypePoolSkim)
	}

	if len(batch.Journals) == 0 {
		// A zero settlement moves no cash; nothing to journal.
		return nil, nil
	}
	jg.sequence++

	return batch, nil
}

// GenerateFill mirrors the cash leg of a matched fill: the trading fee
// moving from the trader into the market's fee pool. Base and quote
// deltas are position state with no cash movement, so a fee-free fill
// journals nothing.
func (jg *JournalGenerator) GenerateFill(
	userID uuid.UUID,
	fillID uuid.UUID,
	marketID string,
	fee int64,
	timestamp int64,
) (*Batch, error) {
	if fee < 0 {
		return nil, fmt.Errorf("fill %s has negative fee: %d", fillID, fee)
	}
	if fee == 0 {
		return nil, nil
	}

	batch := jg.newBatch(fillID.String(), timestamp)
	jg.appendJournal(batch,
		NewMarketAccountKey(marketID, SubTypeMarketFeePool),
		NewUserAccountKey(userID, SubTypeCollateral),
		fee, JournalTypeTradeFee)
	jg.sequence++

	return batch, nil
}

// GenerateFundingUpdate mirrors the house side of one funding period.
// The trader side accrues lazily inside position quote balances, so the
// ledger books only the fee pool's gain or loss against the external
// funding boundary.
func (jg *JournalGenerator) GenerateFundingUpdate(upd *clearing.FundingUpdate) (*Batch, error) {
	if upd.CappedPnl == 0 {
		return nil, nil
	}

	eventRef := fmt.Sprintf("funding:%s:%d", upd.MarketID, upd.Timestamp)
	batch := jg.newBatch(eventRef, upd.Timestamp)

	feePool := NewMarketAccountKey(upd.MarketID, SubTypeMarketFeePool)
	funding := NewExternalAccountKey(SubTypeExternalFunding)

	if upd.CappedPnl > 0 {
		jg.appendJournal(batch, feePool, funding, upd.CappedPnl, JournalTypeFundingRevenue)
	} else {
		jg.appendJournal(batch, funding, feePool, -upd.CappedPnl, JournalTypeFundingPayout)
	}
	jg.sequence++

	return batch, nil
}

// Sequence returns the next sequence number the generator will assign
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence resets the generator's sequence (snapshot restore)
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}
