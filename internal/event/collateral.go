package event

import "github.com/google/uuid"

// CollateralDeposit credits confirmed collateral to a user.
// Idempotency key: deposit_id assigned upstream.
type CollateralDeposit struct {
	DepositID uuid.UUID
	UserID    uuid.UUID
	Amount    int64 // Fixed-point: quote scale
	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (d *CollateralDeposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *CollateralDeposit) EventType() EventType {
	return EventTypeCollateralDeposit
}

func (d *CollateralDeposit) MarketID() *string {
	return nil // Global event
}

func (d *CollateralDeposit) SourceSequence() int64 {
	return d.Sequence
}

// CollateralWithdraw debits collateral out of the system. The engine
// rejects withdrawals that would break the user's initial margin.
type CollateralWithdraw struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Amount       int64 // Fixed-point: quote scale
	Sequence     int64
	Timestamp    int64
}

func (w *CollateralWithdraw) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *CollateralWithdraw) EventType() EventType {
	return EventTypeCollateralWithdraw
}

func (w *CollateralWithdraw) MarketID() *string {
	return nil
}

func (w *CollateralWithdraw) SourceSequence() int64 {
	return w.Sequence
}
