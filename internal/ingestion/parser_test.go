package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"PerpClearing/internal/event"
	"PerpClearing/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParsePositionFill(t *testing.T) {
	payload := map[string]interface{}{
		"fill_id":       "550e8400-e29b-41d4-a716-446655440000",
		"user_id":       "660e8400-e29b-41d4-a716-446655440001",
		"market":        "SOL-PERP",
		"base_delta":    int64(10_000_000_000_000),
		"quote_delta":   int64(-100_000_000),
		"fee":           int64(100_000),
		"fill_sequence": int64(42),
		"timestamp_us":  int64(1_700_000_000_000_000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "PositionFill")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pf, ok := evt.(*event.PositionFill)
	if !ok {
		t.Fatalf("expected *event.PositionFill, got %T", evt)
	}

	if pf.Market != "SOL-PERP" {
		t.Errorf("market: got %s, want SOL-PERP", pf.Market)
	}
	if pf.BaseDelta != 10_000_000_000_000 {
		t.Errorf("base_delta: got %d, want 10_000_000_000_000", pf.BaseDelta)
	}
	if pf.QuoteDelta != -100_000_000 {
		t.Errorf("quote_delta: got %d, want -100_000_000", pf.QuoteDelta)
	}
	if pf.Fee != 100_000 {
		t.Errorf("fee: got %d, want 100_000", pf.Fee)
	}
	if pf.FillSequence != 42 {
		t.Errorf("fill_sequence: got %d, want 42", pf.FillSequence)
	}
	if pf.EventType() != event.EventTypePositionFill {
		t.Errorf("event type: got %v, want PositionFill", pf.EventType())
	}
}

func TestParseMarketListed(t *testing.T) {
	payload := map[string]interface{}{
		"market":                   "SOL-PERP",
		"base_asset_reserve":       int64(1_000_000_000_000_000),
		"quote_asset_reserve":      int64(1_000_000_000_000_000),
		"peg_multiplier":           int64(100_000),
		"sqrt_k":                   int64(1_000_000_000_000_000),
		"funding_period_sec":       int64(3600),
		"margin_ratio_initial":     int64(100_000),
		"margin_ratio_maintenance": int64(50_000),
		"pnl_pool":                 int64(50_000_000),
		"fee_pool":                 int64(1_000_000_000),
		"sequence":                 int64(0),
		"timestamp_us":             int64(1_700_000_000_000_000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "MarketListed")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ml, ok := evt.(*event.MarketListed)
	if !ok {
		t.Fatalf("expected *event.MarketListed, got %T", evt)
	}

	if ml.Market != "SOL-PERP" {
		t.Errorf("market: got %s, want SOL-PERP", ml.Market)
	}
	if ml.FundingPeriodSec != 3600 {
		t.Errorf("funding_period_sec: got %d, want 3600", ml.FundingPeriodSec)
	}
	if ml.MarginRatioInitial != 100_000 {
		t.Errorf("margin_ratio_initial: got %d, want 100_000", ml.MarginRatioInitial)
	}
	if ml.PnlPool != 50_000_000 {
		t.Errorf("pnl_pool: got %d, want 50_000_000", ml.PnlPool)
	}
}

func TestParseCollateralDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"amount":       int64(1_000_000),
		"sequence":     int64(1),
		"timestamp_us": int64(1_700_000_000_000_000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "CollateralDeposit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cd, ok := evt.(*event.CollateralDeposit)
	if !ok {
		t.Fatalf("expected *event.CollateralDeposit, got %T", evt)
	}

	if cd.Amount != 1_000_000 {
		t.Errorf("amount: got %d, want 1_000_000", cd.Amount)
	}
	if cd.MarketID() != nil {
		t.Error("deposit should be a global event")
	}
}

func TestParseOraclePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"market":       "ETH-PERP",
		"price":        int64(30_000_000_000_000),
		"twap":         int64(29_990_000_000_000),
		"confidence":   int64(10_000_000_000),
		"slot":         int64(100),
		"valid":        true,
		"timestamp_us": int64(1_700_000_000_000_000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "OraclePriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	op, ok := evt.(*event.OraclePriceUpdate)
	if !ok {
		t.Fatalf("expected *event.OraclePriceUpdate, got %T", evt)
	}

	if op.Market != "ETH-PERP" {
		t.Errorf("market: got %s, want ETH-PERP", op.Market)
	}
	if op.Slot != 100 {
		t.Errorf("slot: got %d, want 100", op.Slot)
	}
	if op.SourceSequence() != 100 {
		t.Errorf("source sequence: got %d, want slot 100", op.SourceSequence())
	}
	if !op.Valid {
		t.Error("valid flag lost in parsing")
	}
}

func TestParseFundingTick(t *testing.T) {
	payload := map[string]interface{}{
		"market":   "SOL-PERP",
		"time_sec": int64(1_700_000_000),
		"sequence": int64(7),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "FundingTick")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ft, ok := evt.(*event.FundingTick)
	if !ok {
		t.Fatalf("expected *event.FundingTick, got %T", evt)
	}

	if ft.Time != 1_700_000_000 {
		t.Errorf("time: got %d, want 1_700_000_000", ft.Time)
	}
	if ft.IdempotencyKey() != "SOL-PERP:funding:1700000000" {
		t.Errorf("idempotency key: got %s", ft.IdempotencyKey())
	}
}

func TestParseSettlePnlRequest(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"market":       "SOL-PERP",
		"sequence":     int64(9),
		"timestamp_us": int64(1_700_000_000_000_000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "SettlePnlRequest")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sr, ok := evt.(*event.SettlePnlRequest)
	if !ok {
		t.Fatalf("expected *event.SettlePnlRequest, got %T", evt)
	}

	if sr.Market != "SOL-PERP" {
		t.Errorf("market: got %s, want SOL-PERP", sr.Market)
	}
	if sr.Sequence != 9 {
		t.Errorf("sequence: got %d, want 9", sr.Sequence)
	}
}

func TestMarshalEvent_RoundTrip(t *testing.T) {
	payload := map[string]interface{}{
		"fill_id":       "550e8400-e29b-41d4-a716-446655440000",
		"user_id":       "660e8400-e29b-41d4-a716-446655440001",
		"market":        "SOL-PERP",
		"base_delta":    int64(10_000_000_000_000),
		"quote_delta":   int64(-100_000_000),
		"fee":           int64(100_000),
		"fill_sequence": int64(42),
		"timestamp_us":  int64(1_700_000_000_000_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PositionFill")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	data, err := ingestion.MarshalEvent(evt)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	again, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: data}, "PositionFill")
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}

	pf := evt.(*event.PositionFill)
	pf2 := again.(*event.PositionFill)
	if *pf != *pf2 {
		t.Errorf("round trip changed the event: got %+v, want %+v", pf2, pf)
	}
}

func TestMarshalEvent_FundingTick(t *testing.T) {
	tick := &event.FundingTick{Market: "SOL-PERP", Time: 1_700_000_000, Sequence: 7}

	data, err := ingestion.MarshalEvent(tick)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: data}, "FundingTick")
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}

	got := evt.(*event.FundingTick)
	if *got != *tick {
		t.Errorf("round trip changed the event: got %+v, want %+v", got, tick)
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawEvent(raw, "PositionFill")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"fill_id":       "not-a-uuid",
		"user_id":       "also-not-a-uuid",
		"market":        "SOL-PERP",
		"base_delta":    int64(1),
		"quote_delta":   int64(-1),
		"fee":           int64(0),
		"fill_sequence": int64(0),
		"timestamp_us":  int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "PositionFill")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseMissingMarket_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{"time_sec": 100, "sequence": 1}`)}
	_, err := ingestion.ParseRawEvent(raw, "FundingTick")
	if err == nil {
		t.Fatal("expected error for missing market")
	}
}
