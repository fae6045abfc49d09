package event

import "github.com/google/uuid"

// SettlePnlRequest asks the engine to realize one user's unsettled PnL
// in one market at the current oracle price.
type SettlePnlRequest struct {
	RequestID uuid.UUID // Idempotency key
	UserID    uuid.UUID
	Market    string
	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (s *SettlePnlRequest) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *SettlePnlRequest) EventType() EventType {
	return EventTypeSettlePnlRequest
}

func (s *SettlePnlRequest) MarketID() *string {
	m := s.Market
	return &m
}

func (s *SettlePnlRequest) SourceSequence() int64 {
	return s.Sequence
}
