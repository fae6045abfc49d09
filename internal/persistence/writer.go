package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PerpClearing/internal/ledger"
)

// EventLogWriter writes processed events and their journal entries to
// Postgres. Writes happen in batches inside a single transaction so a
// crash never leaves an event without its journals.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a serialized event ready for the event log.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string // nil for global events (deposits, withdrawals)
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow is a serialized double-entry journal line.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch inserts events with ON CONFLICT DO NOTHING so replays
// after a crash are harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO event_log.events
			(sequence, event_type, idempotency_key, market_id, payload,
			 state_hash, prev_hash, timestamp, source_sequence)
		VALUES `)

	args := make([]interface{}, 0, len(events)*9)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID, e.Payload,
			e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence)
	}
	sb.WriteString(" ON CONFLICT (sequence) DO NOTHING")

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// WriteJournalBatch inserts journal lines. Conflicts on journal_id are
// ignored for the same reason as events.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO event_log.journal
			(journal_id, batch_id, event_ref, sequence, debit_account,
			 credit_account, amount, journal_type, timestamp)
		VALUES `)

	args := make([]interface{}, 0, len(journals)*9)
	for i, j := range journals {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount,
			j.CreditAccount, j.Amount, j.JournalType, j.Timestamp)
	}
	sb.WriteString(" ON CONFLICT (journal_id) DO NOTHING")

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert journals: %w", err)
	}
	return nil
}

// JournalRowsFromBatch flattens a ledger batch into serializable rows.
func JournalRowsFromBatch(batch *ledger.Batch, sequence int64) []JournalRow {
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}

	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       batch.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}
