package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota

	// Market sub-types
	SubTypeMarketPnlPool
	SubTypeMarketFeePool

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalFunding
)

// AccountKey is the in-memory key for balance tracking. Every amount in
// the system is the single quote collateral asset, so the key carries
// no asset dimension.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, market ID bytes for markets
	SubType  AccountSubType
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
	}
}

// NewMarketAccountKey creates a key for a market's shared pool accounts
func NewMarketAccountKey(marketID string, subType AccountSubType) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(marketID))
	return AccountKey{
		Scope:    AccountScopeMarket,
		EntityID: entityID,
		SubType:  subType,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s", uid.String(), k.subTypeName())
	case AccountScopeMarket:
		return fmt.Sprintf("market:%s:%s", marketIDString(k.EntityID), k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func marketIDString(entityID [16]byte) string {
	n := 0
	for n < len(entityID) && entityID[n] != 0 {
		n++
	}
	return string(entityID[:n])
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeMarketPnlPool:
		return "pnl_pool"
	case SubTypeMarketFeePool:
		return "fee_pool"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalFunding:
		return "funding"
	default:
		return "unknown"
	}
}
