package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// SnapshotManager persists point-in-time copies of the core's state so
// a restart can skip replaying the whole event log. On warm restart the
// latest verified snapshot loads, then events after its sequence replay.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// ledgerEntryJSON flattens an AccountKey-keyed balance for JSON, which
// cannot encode struct map keys.
type ledgerEntryJSON struct {
	Scope    uint8  `json:"scope"`
	EntityID string `json:"entity_id"` // hex
	SubType  uint8  `json:"sub_type"`
	Balance  int64  `json:"balance"`
}

type snapshotJSON struct {
	Sequence        int64                             `json:"sequence"`
	StateHash       []byte                            `json:"state_hash"`
	LedgerBalances  []ledgerEntryJSON                 `json:"ledger_balances"`
	Collateral      []*state.CollateralBalance        `json:"collateral"`
	Positions       []*state.Position                 `json:"positions"`
	Markets         []*state.Market                   `json:"markets"`
	Oracles         map[string]*state.OracleSnapshot  `json:"oracles"`
	SequenceState   map[string]int64                  `json:"sequence_state"`
	IdempotencyKeys []string                          `json:"idempotency_keys"`
	CreatedAt       time.Time                         `json:"created_at"`
}

func encodeSnapshot(snap *core.SnapshotState) ([]byte, error) {
	j := snapshotJSON{
		Sequence:        snap.Sequence,
		StateHash:       snap.StateHash[:],
		Collateral:      snap.Collateral,
		Positions:       snap.Positions,
		Markets:         snap.Markets,
		Oracles:         snap.Oracles,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	j.LedgerBalances = make([]ledgerEntryJSON, 0, len(snap.LedgerBalances))
	for key, balance := range snap.LedgerBalances {
		j.LedgerBalances = append(j.LedgerBalances, ledgerEntryJSON{
			Scope:    uint8(key.Scope),
			EntityID: hex.EncodeToString(key.EntityID[:]),
			SubType:  uint8(key.SubType),
			Balance:  balance,
		})
	}
	return json.Marshal(j)
}

func decodeSnapshot(data []byte) (*core.SnapshotState, error) {
	var j snapshotJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	snap := &core.SnapshotState{
		Sequence:        j.Sequence,
		LedgerBalances:  make(map[ledger.AccountKey]int64, len(j.LedgerBalances)),
		Collateral:      j.Collateral,
		Positions:       j.Positions,
		Markets:         j.Markets,
		Oracles:         j.Oracles,
		SequenceState:   j.SequenceState,
		IdempotencyKeys: j.IdempotencyKeys,
	}
	copy(snap.StateHash[:], j.StateHash)

	for _, entry := range j.LedgerBalances {
		raw, err := hex.DecodeString(entry.EntityID)
		if err != nil || len(raw) != 16 {
			return nil, fmt.Errorf("snapshot ledger entry: bad entity id %q", entry.EntityID)
		}
		key := ledger.AccountKey{
			Scope:   ledger.AccountScope(entry.Scope),
			SubType: ledger.AccountSubType(entry.SubType),
		}
		copy(key.EntityID[:], raw)
		snap.LedgerBalances[key] = entry.Balance
	}

	return snap, nil
}

// SaveSnapshot persists a snapshot. Upserting on sequence makes a
// re-run at the same sequence harmless.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, 1, $5, FALSE, NOW())
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $5
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], len(data))
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the newest verified snapshot, or nil on a
// cold start with no snapshots.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	return decodeSnapshot(data)
}

// MarkVerified flags a snapshot as usable for restarts after its state
// hash has been checked against the event log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom pages events out of the log for replay, ordered by
// sequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or 0
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
