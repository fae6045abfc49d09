package persistence

import (
	"testing"

	"PerpClearing/internal/core"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// ============================================================
// Snapshot codec
// ============================================================

func TestSnapshotEncodeDecodeRoundTrip(t *testing.T) {
	userID := uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")

	snap := &core.SnapshotState{
		Sequence: 42,
		LedgerBalances: map[ledger.AccountKey]int64{
			ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral):          10_000_000,
			ledger.NewMarketAccountKey("SOL-PERP", ledger.SubTypeMarketPnlPool): 50_000_000,
			ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits):        -60_000_000,
		},
		Collateral: []*state.CollateralBalance{
			{UserID: userID, Type: state.BalanceTypeDeposit, Amount: 10_000_000, Version: 3},
		},
		Positions: []*state.Position{
			{
				UserID:                    userID,
				MarketID:                  "SOL-PERP",
				BaseAssetAmount:           fpmath.BasePrecision,
				QuoteAssetAmount:          -100 * fpmath.QuotePrecision,
				QuoteEntryAmount:          -100 * fpmath.QuotePrecision,
				LastCumulativeFundingRate: 12345,
				Version:                   2,
			},
		},
		Markets: []*state.Market{
			{
				MarketID:         "SOL-PERP",
				Status:           state.MarketStatusInitialized,
				FundingPeriodSec: 3600,
				PnlPool:          50_000_000,
				FeePool:          1_000_000_000,
			},
		},
		Oracles: map[string]*state.OracleSnapshot{
			"SOL-PERP": {MarketID: "SOL-PERP", Price: fpmath.Price(100 * fpmath.PricePrecision), Slot: 7, Valid: true},
		},
		SequenceState:   map[string]int64{"market:SOL-PERP": 5, "global": 2},
		IdempotencyKeys: []string{"CollateralDeposit:abc", "PositionFill:def"},
	}
	snap.StateHash[0] = 0xaa
	snap.StateHash[31] = 0xbb

	data, err := encodeSnapshot(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := decodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Sequence != snap.Sequence {
		t.Errorf("sequence: got %d, want %d", got.Sequence, snap.Sequence)
	}
	if got.StateHash != snap.StateHash {
		t.Errorf("state hash: got %x, want %x", got.StateHash, snap.StateHash)
	}
	if len(got.LedgerBalances) != len(snap.LedgerBalances) {
		t.Fatalf("ledger balances: got %d entries, want %d", len(got.LedgerBalances), len(snap.LedgerBalances))
	}
	for key, want := range snap.LedgerBalances {
		if got.LedgerBalances[key] != want {
			t.Errorf("balance %s: got %d, want %d", key.AccountPath(), got.LedgerBalances[key], want)
		}
	}
	if len(got.Positions) != 1 || got.Positions[0].QuoteAssetAmount != -100*fpmath.QuotePrecision {
		t.Errorf("position did not survive round trip: %+v", got.Positions)
	}
	if len(got.Markets) != 1 || got.Markets[0].FeePool != 1_000_000_000 {
		t.Errorf("market did not survive round trip: %+v", got.Markets)
	}
	if got.Oracles["SOL-PERP"] == nil || got.Oracles["SOL-PERP"].Slot != 7 {
		t.Errorf("oracle did not survive round trip: %+v", got.Oracles)
	}
	if got.SequenceState["market:SOL-PERP"] != 5 {
		t.Errorf("sequence state lost: %+v", got.SequenceState)
	}
	if len(got.IdempotencyKeys) != 2 {
		t.Errorf("idempotency keys lost: %+v", got.IdempotencyKeys)
	}
}

func TestSnapshotDecodeRejectsBadEntityID(t *testing.T) {
	data := []byte(`{"sequence":1,"ledger_balances":[{"scope":0,"entity_id":"zz","sub_type":0,"balance":1}]}`)
	if _, err := decodeSnapshot(data); err == nil {
		t.Fatal("expected error for malformed entity id")
	}
}

// ============================================================
// Journal row conversion
// ============================================================

func TestJournalRowsFromBatch(t *testing.T) {
	userID := uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")

	batch := &ledger.Batch{
		BatchID:  uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		EventRef: "dep-1",
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.MustParse("770e8400-e29b-41d4-a716-446655440002"),
				EventRef:      "dep-1",
				DebitAccount:  ledger.NewUserAccountKey(userID, ledger.SubTypeCollateral),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
				Amount:        1_000_000,
				JournalType:   ledger.JournalTypeDeposit,
				Timestamp:     1_700_000_000_000_000,
			},
		},
	}

	rows := JournalRowsFromBatch(batch, 9)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	row := rows[0]
	if row.Sequence != 9 {
		t.Errorf("sequence: got %d, want 9", row.Sequence)
	}
	if row.DebitAccount != "user:660e8400-e29b-41d4-a716-446655440001:collateral" {
		t.Errorf("debit account: got %s", row.DebitAccount)
	}
	if row.CreditAccount != "external:deposits" {
		t.Errorf("credit account: got %s", row.CreditAccount)
	}
	if row.JournalType != "deposit" {
		t.Errorf("journal type: got %s, want deposit", row.JournalType)
	}

	if got := JournalRowsFromBatch(nil, 9); got != nil {
		t.Errorf("nil batch should yield nil rows, got %v", got)
	}
}
