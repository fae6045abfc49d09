package state

import (
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// BalanceType tags how a collateral balance is interpreted through the
// external interest index.
type BalanceType int32

const (
	BalanceTypeDeposit BalanceType = iota
	BalanceTypeBorrow
)

func (bt BalanceType) String() string {
	switch bt {
	case BalanceTypeDeposit:
		return "Deposit"
	case BalanceTypeBorrow:
		return "Borrow"
	default:
		return "Unknown"
	}
}

// CollateralBalance is a user's spot collateral. Interest accrual
// happens outside this core; only raw amounts move here.
type CollateralBalance struct {
	UserID  uuid.UUID
	Type    BalanceType
	Amount  int64 // quote scale, magnitude
	Version int64
}

// Signed returns the balance with Borrow as a negative amount.
func (cb *CollateralBalance) Signed() int64 {
	if cb.Type == BalanceTypeBorrow {
		return -cb.Amount
	}
	return cb.Amount
}

// CanonicalBytes returns a deterministic serialization for hashing.
func (cb *CollateralBalance) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)
	buf = append(buf, cb.UserID[:]...)
	buf = append(buf, byte(cb.Type))
	buf = appendInt64LE(buf, cb.Amount)
	return buf
}

// BalanceManager owns all collateral balances.
type BalanceManager struct {
	balances map[uuid.UUID]*CollateralBalance
}

func NewBalanceManager() *BalanceManager {
	return &BalanceManager{
		balances: make(map[uuid.UUID]*CollateralBalance),
	}
}

// GetBalance returns the existing balance or nil.
func (bm *BalanceManager) GetBalance(userID uuid.UUID) *CollateralBalance {
	return bm.balances[userID]
}

// GetOrCreateBalance returns the existing balance or a fresh zero
// deposit.
func (bm *BalanceManager) GetOrCreateBalance(userID uuid.UUID) *CollateralBalance {
	cb := bm.balances[userID]
	if cb == nil {
		cb = &CollateralBalance{
			UserID: userID,
			Type:   BalanceTypeDeposit,
		}
		bm.balances[userID] = cb
	}
	return cb
}

// Adjust adds the signed delta to a balance, flipping the balance type
// when the sign crosses zero.
func (bm *BalanceManager) Adjust(userID uuid.UUID, delta int64) error {
	cb := bm.GetOrCreateBalance(userID)

	signed, err := fpmath.CheckedAdd(cb.Signed(), delta)
	if err != nil {
		return err
	}

	if signed >= 0 {
		cb.Type = BalanceTypeDeposit
		cb.Amount = signed
	} else {
		cb.Type = BalanceTypeBorrow
		cb.Amount = -signed
	}
	cb.Version++
	return nil
}

// SignedBalance returns the signed collateral amount, zero for unknown
// users.
func (bm *BalanceManager) SignedBalance(userID uuid.UUID) int64 {
	if cb := bm.balances[userID]; cb != nil {
		return cb.Signed()
	}
	return 0
}

// SetBalance directly installs a balance (used for snapshot restore).
func (bm *BalanceManager) SetBalance(cb *CollateralBalance) {
	bm.balances[cb.UserID] = cb
}

// GetAllBalances returns every balance (for iteration and snapshots).
func (bm *BalanceManager) GetAllBalances() []*CollateralBalance {
	result := make([]*CollateralBalance, 0, len(bm.balances))
	for _, cb := range bm.balances {
		result = append(result, cb)
	}
	return result
}
