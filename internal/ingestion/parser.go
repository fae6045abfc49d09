package ingestion

import (
	"encoding/json"
	"fmt"

	"PerpClearing/internal/event"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string)
// into a typed event.Event. The ingestion shell validates, parses, and
// converts raw events before sending to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "MarketListed":
		return parseMarketListed(raw.Data)
	case "MarketStatusUpdate":
		return parseMarketStatusUpdate(raw.Data)
	case "CollateralDeposit":
		return parseCollateralDeposit(raw.Data)
	case "CollateralWithdraw":
		return parseCollateralWithdraw(raw.Data)
	case "PositionFill":
		return parsePositionFill(raw.Data)
	case "OraclePriceUpdate":
		return parseOraclePriceUpdate(raw.Data)
	case "FundingTick":
		return parseFundingTick(raw.Data)
	case "SettlePnlRequest":
		return parseSettlePnlRequest(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// MarshalEvent serializes a typed event back into the JSON wire format,
// so payloads stored in the event log parse again with ParseRawEvent on
// replay.
func MarshalEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case *event.MarketListed:
		return json.Marshal(marketListedJSON{
			Market:                 e.Market,
			BaseAssetReserve:       e.BaseAssetReserve,
			QuoteAssetReserve:      e.QuoteAssetReserve,
			PegMultiplier:          e.PegMultiplier,
			SqrtK:                  e.SqrtK,
			FundingPeriodSec:       e.FundingPeriodSec,
			MarginRatioInitial:     e.MarginRatioInitial,
			MarginRatioMaintenance: e.MarginRatioMaintenance,
			LiquidationFeeRatio:    e.LiquidationFeeRatio,
			PnlPool:                e.PnlPool,
			FeePool:                e.FeePool,
			Sequence:               e.Sequence,
			TimestampUs:            e.Timestamp,
		})
	case *event.MarketStatusUpdate:
		return json.Marshal(marketStatusJSON{
			Market:      e.Market,
			NewStatus:   e.NewStatus,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp,
		})
	case *event.CollateralDeposit:
		return json.Marshal(depositJSON{
			DepositID:   e.DepositID.String(),
			UserID:      e.UserID.String(),
			Amount:      e.Amount,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp,
		})
	case *event.CollateralWithdraw:
		return json.Marshal(withdrawalJSON{
			WithdrawalID: e.WithdrawalID.String(),
			UserID:       e.UserID.String(),
			Amount:       e.Amount,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp,
		})
	case *event.PositionFill:
		return json.Marshal(positionFillJSON{
			FillID:       e.FillID.String(),
			UserID:       e.UserID.String(),
			Market:       e.Market,
			BaseDelta:    e.BaseDelta,
			QuoteDelta:   e.QuoteDelta,
			Fee:          e.Fee,
			FillSequence: e.FillSequence,
			TimestampUs:  e.Timestamp,
		})
	case *event.OraclePriceUpdate:
		return json.Marshal(oraclePriceJSON{
			Market:      e.Market,
			Price:       e.Price,
			Twap:        e.Twap,
			Confidence:  e.Confidence,
			Slot:        e.Slot,
			Valid:       e.Valid,
			TimestampUs: e.Timestamp,
		})
	case *event.FundingTick:
		return json.Marshal(fundingTickJSON{
			Market:   e.Market,
			TimeSec:  e.Time,
			Sequence: e.Sequence,
		})
	case *event.SettlePnlRequest:
		return json.Marshal(settleRequestJSON{
			RequestID:   e.RequestID.String(),
			UserID:      e.UserID.String(),
			Market:      e.Market,
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp,
		})
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type marketListedJSON struct {
	Market                 string `json:"market"`
	BaseAssetReserve       int64  `json:"base_asset_reserve"`
	QuoteAssetReserve      int64  `json:"quote_asset_reserve"`
	PegMultiplier          int64  `json:"peg_multiplier"`
	SqrtK                  int64  `json:"sqrt_k"`
	FundingPeriodSec       int64  `json:"funding_period_sec"`
	MarginRatioInitial     int64  `json:"margin_ratio_initial"`
	MarginRatioMaintenance int64  `json:"margin_ratio_maintenance"`
	LiquidationFeeRatio    int64  `json:"liquidation_fee_ratio"`
	PnlPool                int64  `json:"pnl_pool"`
	FeePool                int64  `json:"fee_pool"`
	Sequence               int64  `json:"sequence"`
	TimestampUs            int64  `json:"timestamp_us"`
}

func parseMarketListed(data []byte) (*event.MarketListed, error) {
	var j marketListedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketListed: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse MarketListed: empty market")
	}

	return &event.MarketListed{
		Market:                 j.Market,
		BaseAssetReserve:       j.BaseAssetReserve,
		QuoteAssetReserve:      j.QuoteAssetReserve,
		PegMultiplier:          j.PegMultiplier,
		SqrtK:                  j.SqrtK,
		FundingPeriodSec:       j.FundingPeriodSec,
		MarginRatioInitial:     j.MarginRatioInitial,
		MarginRatioMaintenance: j.MarginRatioMaintenance,
		LiquidationFeeRatio:    j.LiquidationFeeRatio,
		PnlPool:                j.PnlPool,
		FeePool:                j.FeePool,
		Sequence:               j.Sequence,
		Timestamp:              j.TimestampUs,
	}, nil
}

type marketStatusJSON struct {
	Market      string `json:"market"`
	NewStatus   int32  `json:"new_status"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseMarketStatusUpdate(data []byte) (*event.MarketStatusUpdate, error) {
	var j marketStatusJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketStatusUpdate: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse MarketStatusUpdate: empty market")
	}
	return &event.MarketStatusUpdate{
		Market:    j.Market,
		NewStatus: j.NewStatus,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCollateralDeposit(data []byte) (*event.CollateralDeposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralDeposit: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.CollateralDeposit{
		DepositID: depositID,
		UserID:    userID,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Amount       int64  `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseCollateralWithdraw(data []byte) (*event.CollateralWithdraw, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralWithdraw: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.CollateralWithdraw{
		WithdrawalID: wdID,
		UserID:       userID,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    j.TimestampUs,
	}, nil
}

type positionFillJSON struct {
	FillID       string `json:"fill_id"`
	UserID       string `json:"user_id"`
	Market       string `json:"market"`
	BaseDelta    int64  `json:"base_delta"`
	QuoteDelta   int64  `json:"quote_delta"`
	Fee          int64  `json:"fee"`
	FillSequence int64  `json:"fill_sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parsePositionFill(data []byte) (*event.PositionFill, error) {
	var j positionFillJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionFill: %w", err)
	}
	fillID, err := uuid.Parse(j.FillID)
	if err != nil {
		return nil, fmt.Errorf("parse fill_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse PositionFill: empty market")
	}

	return &event.PositionFill{
		FillID:       fillID,
		UserID:       userID,
		Market:       j.Market,
		BaseDelta:    j.BaseDelta,
		QuoteDelta:   j.QuoteDelta,
		Fee:          j.Fee,
		FillSequence: j.FillSequence,
		Timestamp:    j.TimestampUs,
	}, nil
}

type oraclePriceJSON struct {
	Market      string `json:"market"`
	Price       int64  `json:"price"`
	Twap        int64  `json:"twap"`
	Confidence  int64  `json:"confidence"`
	Slot        int64  `json:"slot"`
	Valid       bool   `json:"valid"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOraclePriceUpdate(data []byte) (*event.OraclePriceUpdate, error) {
	var j oraclePriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OraclePriceUpdate: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse OraclePriceUpdate: empty market")
	}
	return &event.OraclePriceUpdate{
		Market:     j.Market,
		Price:      j.Price,
		Twap:       j.Twap,
		Confidence: j.Confidence,
		Slot:       j.Slot,
		Valid:      j.Valid,
		Timestamp:  j.TimestampUs,
	}, nil
}

type fundingTickJSON struct {
	Market   string `json:"market"`
	TimeSec  int64  `json:"time_sec"`
	Sequence int64  `json:"sequence"`
}

func parseFundingTick(data []byte) (*event.FundingTick, error) {
	var j fundingTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingTick: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse FundingTick: empty market")
	}
	return &event.FundingTick{
		Market:   j.Market,
		Time:     j.TimeSec,
		Sequence: j.Sequence,
	}, nil
}

type settleRequestJSON struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"user_id"`
	Market      string `json:"market"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSettlePnlRequest(data []byte) (*event.SettlePnlRequest, error) {
	var j settleRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettlePnlRequest: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse SettlePnlRequest: empty market")
	}
	return &event.SettlePnlRequest{
		RequestID: requestID,
		UserID:    userID,
		Market:    j.Market,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}
