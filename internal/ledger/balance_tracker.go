package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetUserCollateral returns a user's signed collateral balance.
// Negative means the user is borrowing against unsettled positions.
func (bt *BalanceTracker) GetUserCollateral(userID uuid.UUID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral))
}

// GetMarketPnlPool returns the mirrored PnL pool balance for a market
func (bt *BalanceTracker) GetMarketPnlPool(marketID string) int64 {
	return bt.GetBalance(NewMarketAccountKey(marketID, SubTypeMarketPnlPool))
}

// GetMarketFeePool returns the mirrored fee pool balance for a market
func (bt *BalanceTracker) GetMarketFeePool(marketID string) int64 {
	return bt.GetBalance(NewMarketAccountKey(marketID, SubTypeMarketFeePool))
}

// ValidateSufficientCollateral checks if a user can fund an outflow
func (bt *BalanceTracker) ValidateSufficientCollateral(userID uuid.UUID, required int64) error {
	collateral := bt.GetUserCollateral(userID)
	if collateral < required {
		return fmt.Errorf("insufficient collateral: have=%d, need=%d", collateral, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for a
// zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// SetBalance directly installs a balance (snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
