package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// DeterministicCore is the single-threaded event processor. All
// clearing state lives behind it; every mutation enters as an event and
// leaves as an envelope plus a balanced journal batch.
type DeterministicCore struct {
	sequence int64
	hasher   *StateHasher

	markets    *state.MarketRegistry
	positions  *state.PositionManager
	balances   *state.BalanceManager
	oracles    *state.OracleBook
	marginCalc *state.MarginCalculator

	funding    *clearing.FundingEngine
	settlement *clearing.SettlementEngine

	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one processed event with everything downstream
// consumers need: the envelope for the log, the typed event for payload
// serialization, the journal batch for the ledger tables, and the
// domain results for projections.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Batch      *ledger.Batch
	Settlement *clearing.SettlementResult
	Funding    *clearing.FundingUpdate
	StateDelta []byte
}

// dispatchResult carries a handler's outputs back to the pipeline.
type dispatchResult struct {
	Batch      *ledger.Batch
	Settlement *clearing.SettlementResult
	Funding    *clearing.FundingUpdate
}

func NewDeterministicCore(
	startSequence int64,
	policy clearing.PoolPolicy,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	markets := state.NewMarketRegistry()
	positions := state.NewPositionManager()
	balances := state.NewBalanceManager()
	oracles := state.NewOracleBook()
	marginCalc := state.NewMarginCalculator(positions, balances, markets, oracles)

	fees := clearing.RepegShareFeeAccounting{}
	fundingEngine := clearing.NewFundingEngine(fees)
	settlementEngine := clearing.NewSettlementEngine(balances, marginCalc, fees, policy, fundingEngine)

	balanceTracker := ledger.NewBalanceTracker()

	// Initialize with capacity of 1M entries (configurable)
	idempotencyChecker := NewIdempotencyChecker(1_000_000, dbChecker)

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		markets:           markets,
		positions:         positions,
		balances:          balances,
		oracles:           oracles,
		marginCalc:        marginCalc,
		funding:           fundingEngine,
		settlement:        settlementEngine,
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(startSequence, balanceTracker),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Oracle updates tolerate slot gaps;
	// everything else is strictly ordered per partition.
	if oracleEvt, ok := evt.(*event.OraclePriceUpdate); ok {
		if err := c.sequenceValidator.ValidateOracleSequence(oracleEvt.Market, oracleEvt.Slot); err != nil {
			return err
		}
	} else {
		partition := c.getPartition(evt)
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch
	res, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "rejected").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: Mirror the cash legs into the ledger. An unbalanced batch
	// is a code bug, not an input error.
	if res.Batch != nil {
		if err := c.validator.ValidateBatchBalance(res.Batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(res.Batch); err != nil {
			return fmt.Errorf("apply batch failed: %w", err)
		}
		if c.metrics != nil {
			for _, j := range res.Batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	// Step 5: Hash the post-event state
	stateDigest := c.computeStateDigest(evt, res.Batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Event:      evt,
		Batch:      res.Batch,
		Settlement: res.Settlement,
		Funding:    res.Funding,
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 6: Post-checks. A violated invariant here means state and
	// ledger already diverged, so crash rather than persist it.
	if err := c.postCheckInvariants(evt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Emit. Persistence is a blocking send (backpressure —
	// no event may be lost); projections drop on full and rebuild from
	// the event log later.
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}

	// Step 8: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if marketID := evt.MarketID(); marketID != nil {
		return fmt.Sprintf("market:%s", *marketID)
	}
	return "global"
}

// getEventTimestamp extracts the versioned timestamp from an event.
// The core never calls time.Now() for state; all timestamps are inputs.
func (c *DeterministicCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.MarketListed:
		return time.UnixMicro(e.Timestamp)
	case *event.MarketStatusUpdate:
		return time.UnixMicro(e.Timestamp)
	case *event.CollateralDeposit:
		return time.UnixMicro(e.Timestamp)
	case *event.CollateralWithdraw:
		return time.UnixMicro(e.Timestamp)
	case *event.PositionFill:
		return time.UnixMicro(e.Timestamp)
	case *event.OraclePriceUpdate:
		return time.UnixMicro(e.Timestamp)
	case *event.FundingTick:
		return time.Unix(e.Time, 0)
	case *event.SettlePnlRequest:
		return time.UnixMicro(e.Timestamp)
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T — deterministic core cannot use wall-clock time", evt))
	}
}

// computeStateDigest builds canonical bytes over everything the event
// touched: affected ledger accounts, the market aggregate, and the
// user's position and collateral.
func (c *DeterministicCore) computeStateDigest(evt event.Event, batch *ledger.Batch) []byte {
	digest := make([]byte, 0, 512)

	// Affected ledger accounts, sorted by path.
	if batch != nil {
		affected := make(map[ledger.AccountKey]bool)
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
		accounts := make([]ledger.AccountKey, 0, len(affected))
		for key := range affected {
			accounts = append(accounts, key)
		}
		sort.Slice(accounts, func(i, j int) bool {
			return accounts[i].AccountPath() < accounts[j].AccountPath()
		})
		for _, key := range accounts {
			path := key.AccountPath()
			digest = append(digest, byte(len(path)))
			digest = append(digest, []byte(path)...)
			digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
		}
	}

	// Market aggregate for market-scoped events.
	if marketID := evt.MarketID(); marketID != nil {
		if market := c.markets.GetMarket(*marketID); market != nil {
			digest = append(digest, market.CanonicalBytes()...)
		}
		if snap := c.oracles.Latest(*marketID); snap != nil {
			digest = append(digest, snap.CanonicalBytes()...)
		}
	}

	// Position and collateral for user-scoped events.
	if userID, ok := eventUser(evt); ok {
		if marketID := evt.MarketID(); marketID != nil {
			if pos := c.positions.GetPosition(userID, *marketID); pos != nil {
				digest = append(digest, pos.CanonicalBytes()...)
			}
		}
		if cb := c.balances.GetBalance(userID); cb != nil {
			digest = append(digest, cb.CanonicalBytes()...)
		}
	}

	return digest
}

// eventUser extracts the acting user for user-scoped events.
func eventUser(evt event.Event) (uuid.UUID, bool) {
	switch e := evt.(type) {
	case *event.CollateralDeposit:
		return e.UserID, true
	case *event.CollateralWithdraw:
		return e.UserID, true
	case *event.PositionFill:
		return e.UserID, true
	case *event.SettlePnlRequest:
		return e.UserID, true
	}
	return uuid.UUID{}, false
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after an event is applied
func (c *DeterministicCore) postCheckInvariants(evt event.Event) error {
	// Pool-touching events must leave the ledger mirror matched against
	// the engine's authoritative market fields.
	switch evt.(type) {
	case *event.MarketListed, *event.PositionFill, *event.FundingTick, *event.SettlePnlRequest:
		if marketID := evt.MarketID(); marketID != nil {
			if market := c.markets.GetMarket(*marketID); market != nil {
				if err := c.validator.ValidateMarketMirror(market); err != nil {
					return err
				}
				if err := c.validator.ValidatePoolsNonNegative(*marketID); err != nil {
					return err
				}
			}
		}
	}

	// Periodic global zero-sum check.
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("global balance check at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (*dispatchResult, error) {
	switch e := evt.(type) {
	case *event.MarketListed:
		return c.handleMarketListed(e)
	case *event.MarketStatusUpdate:
		return c.handleMarketStatusUpdate(e)
	case *event.CollateralDeposit:
		return c.handleCollateralDeposit(e)
	case *event.CollateralWithdraw:
		return c.handleCollateralWithdraw(e)
	case *event.PositionFill:
		return c.handlePositionFill(e)
	case *event.OraclePriceUpdate:
		return c.handleOraclePriceUpdate(e)
	case *event.FundingTick:
		return c.handleFundingTick(e)
	case *event.SettlePnlRequest:
		return c.handleSettlePnlRequest(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

func (c *DeterministicCore) handleMarketListed(e *event.MarketListed) (*dispatchResult, error) {
	market := &state.Market{
		MarketID: e.Market,
		Status:   state.MarketStatusInitialized,
		Reserves: state.ReserveState{
			BaseAssetReserve:  e.BaseAssetReserve,
			QuoteAssetReserve: e.QuoteAssetReserve,
			PegMultiplier:     e.PegMultiplier,
			SqrtK:             e.SqrtK,
		},
		FundingPeriodSec:       e.FundingPeriodSec,
		MarginRatioInitial:     e.MarginRatioInitial,
		MarginRatioMaintenance: e.MarginRatioMaintenance,
		LiquidationFeeRatio:    e.LiquidationFeeRatio,
		PnlPool:                e.PnlPool,
		FeePool:                e.FeePool,
	}

	if err := c.markets.ListMarket(market); err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GeneratePoolSeed(e.Market, e.PnlPool, e.FeePool, e.Timestamp)
	if err != nil {
		return nil, err
	}
	return &dispatchResult{Batch: batch}, nil
}

func (c *DeterministicCore) handleMarketStatusUpdate(e *event.MarketStatusUpdate) (*dispatchResult, error) {
	if err := c.markets.SetStatus(e.Market, state.MarketStatus(e.NewStatus)); err != nil {
		return nil, err
	}
	return &dispatchResult{}, nil
}

func (c *DeterministicCore) handleCollateralDeposit(e *event.CollateralDeposit) (*dispatchResult, error) {
	if e.Amount <= 0 {
		return nil, fmt.Errorf("deposit %s has non-positive amount: %d", e.DepositID, e.Amount)
	}

	batch, err := c.journalGen.GenerateDeposit(e.UserID, e.DepositID, e.Amount, e.Timestamp)
	if err != nil {
		return nil, err
	}
	if err := c.balances.Adjust(e.UserID, e.Amount); err != nil {
		return nil, err
	}
	return &dispatchResult{Batch: batch}, nil
}

func (c *DeterministicCore) handleCollateralWithdraw(e *event.CollateralWithdraw) (*dispatchResult, error) {
	if e.Amount <= 0 {
		return nil, fmt.Errorf("withdrawal %s has non-positive amount: %d", e.WithdrawalID, e.Amount)
	}
	if c.balances.SignedBalance(e.UserID) < e.Amount {
		return nil, clearing.ErrInsufficientCollateralForWithdrawal
	}

	// The withdrawal must leave the user above initial margin, not just
	// maintenance: outflows never get to push an account to the edge.
	if c.positions.HasOpenPositions(e.UserID) {
		ratio, err := c.marginCalc.WouldBeMarginRatio(e.UserID, -e.Amount, nil)
		if err != nil {
			return nil, err
		}
		if ratio < c.marginCalc.InitialRatioRequirement(e.UserID) {
			return nil, clearing.ErrInsufficientCollateralForWithdrawal
		}
	}

	batch, err := c.journalGen.GenerateWithdrawal(e.UserID, e.WithdrawalID, e.Amount, e.Timestamp)
	if err != nil {
		return nil, err
	}
	if err := c.balances.Adjust(e.UserID, -e.Amount); err != nil {
		return nil, err
	}
	return &dispatchResult{Batch: batch}, nil
}

// handlePositionFill folds an externally matched fill into the user's
// position and the market's per-side aggregates. Pending funding
// settles first so the old rate delta applies to the old exposure.
func (c *DeterministicCore) handlePositionFill(e *event.PositionFill) (*dispatchResult, error) {
	market := c.markets.GetMarket(e.Market)
	if market == nil {
		return nil, clearing.ErrMarketNotFound
	}
	if market.Status != state.MarketStatusInitialized && market.Status != state.MarketStatusReduceOnly {
		return nil, clearing.ErrMarketStatus
	}
	if e.Fee < 0 {
		return nil, fmt.Errorf("fill %s has negative fee: %d", e.FillID, e.Fee)
	}

	sideCumulative := market.CumulativeFundingRateShort
	if e.BaseDelta >= 0 {
		sideCumulative = market.CumulativeFundingRateLong
	}
	pos := c.positions.GetOrCreatePosition(e.UserID, e.Market, sideCumulative)

	if pos.IsOpen() {
		if _, err := c.funding.ApplyFundingToPosition(market, pos); err != nil {
			return nil, err
		}
	}

	newBase, err := fpmath.CheckedAdd(pos.BaseAssetAmount, e.BaseDelta)
	if err != nil {
		return nil, err
	}
	oldMag, err := fpmath.Abs(pos.BaseAssetAmount)
	if err != nil {
		return nil, err
	}
	newMag, err := fpmath.Abs(newBase)
	if err != nil {
		return nil, err
	}
	increasing := newMag > oldMag

	if market.Status == state.MarketStatusReduceOnly && increasing {
		return nil, clearing.ErrReduceOnlyViolation
	}

	// Stage every market-level value before mutating anything.
	newWithHouse, err := fpmath.CheckedAdd(market.BaseAssetAmountWithHouse, e.BaseDelta)
	if err != nil {
		return nil, err
	}
	newQuote, err := fpmath.CheckedAdd(pos.QuoteAssetAmount, e.QuoteDelta)
	if err != nil {
		return nil, err
	}

	longBase := market.BaseAssetAmountLong
	shortBase := market.BaseAssetAmountShort
	longQuote := market.QuoteAssetAmountLong
	shortQuote := market.QuoteAssetAmountShort
	if pos.BaseAssetAmount >= 0 {
		if longBase, err = fpmath.CheckedSub(longBase, pos.BaseAssetAmount); err != nil {
			return nil, err
		}
		if longQuote, err = fpmath.CheckedSub(longQuote, pos.QuoteAssetAmount); err != nil {
			return nil, err
		}
	} else {
		if shortBase, err = fpmath.CheckedSub(shortBase, pos.BaseAssetAmount); err != nil {
			return nil, err
		}
		if shortQuote, err = fpmath.CheckedSub(shortQuote, pos.QuoteAssetAmount); err != nil {
			return nil, err
		}
	}
	if newBase >= 0 {
		if longBase, err = fpmath.CheckedAdd(longBase, newBase); err != nil {
			return nil, err
		}
		if longQuote, err = fpmath.CheckedAdd(longQuote, newQuote); err != nil {
			return nil, err
		}
	} else {
		if shortBase, err = fpmath.CheckedAdd(shortBase, newBase); err != nil {
			return nil, err
		}
		if shortQuote, err = fpmath.CheckedAdd(shortQuote, newQuote); err != nil {
			return nil, err
		}
	}

	var oiDelta int64
	if pos.BaseAssetAmount == 0 && newBase != 0 {
		oiDelta = 1
	} else if pos.BaseAssetAmount != 0 && newBase == 0 {
		oiDelta = -1
	}

	newTotalFee, err := fpmath.CheckedAdd(market.TotalFee, e.Fee)
	if err != nil {
		return nil, err
	}
	newTfmd, err := fpmath.CheckedAdd(market.TotalFeeMinusDistributions, e.Fee)
	if err != nil {
		return nil, err
	}
	newFeePool, err := fpmath.CheckedAdd(market.FeePool, e.Fee)
	if err != nil {
		return nil, err
	}

	// Mutate the position, then gate increasing fills on initial margin
	// with the new exposure in place; restore on failure.
	saved := *pos
	if err := c.positions.ApplyFill(pos, e.BaseDelta, e.QuoteDelta); err != nil {
		return nil, err
	}
	if increasing {
		ratio, err := c.marginCalc.WouldBeMarginRatio(e.UserID, -e.Fee, nil)
		if err != nil {
			*pos = saved
			return nil, err
		}
		if ratio < c.marginCalc.InitialRatioRequirement(e.UserID) {
			*pos = saved
			return nil, clearing.ErrInsufficientMarginForFill
		}
	}
	if e.Fee > 0 {
		if err := c.balances.Adjust(e.UserID, -e.Fee); err != nil {
			*pos = saved
			return nil, err
		}
	}

	market.BaseAssetAmountWithHouse = newWithHouse
	market.BaseAssetAmountLong = longBase
	market.BaseAssetAmountShort = shortBase
	market.QuoteAssetAmountLong = longQuote
	market.QuoteAssetAmountShort = shortQuote
	market.OpenInterest += oiDelta
	market.TotalFee = newTotalFee
	market.TotalFeeMinusDistributions = newTfmd
	market.FeePool = newFeePool

	batch, err := c.journalGen.GenerateFill(e.UserID, e.FillID, e.Market, e.Fee, e.Timestamp)
	if err != nil {
		return nil, err
	}
	return &dispatchResult{Batch: batch}, nil
}

func (c *DeterministicCore) handleOraclePriceUpdate(e *event.OraclePriceUpdate) (*dispatchResult, error) {
	snap := &state.OracleSnapshot{
		MarketID:   e.Market,
		Price:      fpmath.Price(e.Price),
		Twap:       fpmath.Price(e.Twap),
		Confidence: e.Confidence,
		Slot:       e.Slot,
		Valid:      e.Valid,
	}
	c.oracles.Update(snap)

	if c.metrics != nil {
		if c.oracles.Latest(e.Market) == snap {
			c.metrics.OracleUpdates.WithLabelValues(e.Market).Inc()
		} else {
			c.metrics.OracleStaleDropped.WithLabelValues(e.Market).Inc()
		}
	}

	// Fold the observation into the market's running TWAPs.
	if market := c.markets.GetMarket(e.Market); market != nil && e.Valid {
		if err := market.UpdatePriceTwaps(fpmath.Price(e.Twap), e.Timestamp/1_000_000); err != nil {
			return nil, err
		}
	}

	return &dispatchResult{}, nil
}

func (c *DeterministicCore) handleFundingTick(e *event.FundingTick) (*dispatchResult, error) {
	market := c.markets.GetMarket(e.Market)
	if market == nil {
		return nil, clearing.ErrMarketNotFound
	}

	upd, err := c.funding.UpdateFundingRate(market, c.oracles.Latest(e.Market), e.Time)
	if err != nil {
		if errors.Is(err, clearing.ErrFundingPeriodNotElapsed) && c.metrics != nil {
			c.metrics.FundingTickSkipped.WithLabelValues(e.Market).Inc()
		}
		return nil, err
	}

	batch, err := c.journalGen.GenerateFundingUpdate(upd)
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.FundingTicks.WithLabelValues(e.Market).Inc()
		c.metrics.FundingRate.WithLabelValues(e.Market, "long").Set(float64(upd.RateLong))
		c.metrics.FundingRate.WithLabelValues(e.Market, "short").Set(float64(upd.RateShort))
		if upd.RateLong != upd.RateShort {
			c.metrics.FundingRateCapped.WithLabelValues(e.Market).Inc()
		}
		if upd.CappedPnl >= 0 {
			c.metrics.FundingCappedPnl.WithLabelValues(e.Market, "revenue").Add(float64(upd.CappedPnl))
		} else {
			c.metrics.FundingCappedPnl.WithLabelValues(e.Market, "payout").Add(float64(-upd.CappedPnl))
		}
		c.metrics.FeePoolBalance.WithLabelValues(e.Market).Set(float64(market.FeePool))
	}

	return &dispatchResult{Batch: batch, Funding: upd}, nil
}

func (c *DeterministicCore) handleSettlePnlRequest(e *event.SettlePnlRequest) (*dispatchResult, error) {
	market := c.markets.GetMarket(e.Market)
	if market == nil {
		return nil, clearing.ErrMarketNotFound
	}
	pos := c.positions.GetPosition(e.UserID, e.Market)
	if pos == nil {
		return nil, clearing.ErrUserHasNoPositionInMarket
	}

	res, err := c.settlement.SettlePnl(market, pos, c.oracles.Latest(e.Market), e.Timestamp)
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateSettlement(res)
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		switch {
		case res.SettledAmount > 0:
			c.metrics.SettlementsTotal.WithLabelValues(e.Market, "paid").Inc()
			c.metrics.SettledToTraders.WithLabelValues(e.Market).Add(float64(res.SettledAmount))
		case res.SettledAmount < 0:
			c.metrics.SettlementsTotal.WithLabelValues(e.Market, "collected").Inc()
			c.metrics.SettledFromTraders.WithLabelValues(e.Market).Add(float64(-res.SettledAmount))
		default:
			c.metrics.SettlementsTotal.WithLabelValues(e.Market, "noop").Inc()
		}
		c.metrics.PnlPoolBalance.WithLabelValues(e.Market).Set(float64(market.PnlPool))
		c.metrics.FeePoolBalance.WithLabelValues(e.Market).Set(float64(market.FeePool))
	}

	return &dispatchResult{Batch: batch, Settlement: res}, nil
}

// --- State access for queries and snapshots ---

// Markets exposes the market registry (read-only use)
func (c *DeterministicCore) Markets() *state.MarketRegistry {
	return c.markets
}

// Positions exposes the position manager (read-only use)
func (c *DeterministicCore) Positions() *state.PositionManager {
	return c.positions
}

// Balances exposes the collateral balance manager (read-only use)
func (c *DeterministicCore) Balances() *state.BalanceManager {
	return c.balances
}

// Oracles exposes the oracle book (read-only use)
func (c *DeterministicCore) Oracles() *state.OracleBook {
	return c.oracles
}

// LedgerBalances exposes the mirrored ledger tracker (read-only use)
func (c *DeterministicCore) LedgerBalances() *ledger.BalanceTracker {
	return c.balanceTracker
}

// GetSequence returns the current global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// --- Snapshot restore & startup ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	LedgerBalances  map[ledger.AccountKey]int64
	Collateral      []*state.CollateralBalance
	Positions       []*state.Position
	Markets         []*state.Market
	Oracles         map[string]*state.OracleSnapshot
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state. On warm
// restart, load the latest snapshot then replay events after it.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.LedgerBalances {
		c.balanceTracker.SetBalance(key, balance)
	}
	for _, cb := range snap.Collateral {
		c.balances.SetBalance(cb)
	}
	for _, pos := range snap.Positions {
		c.positions.SetPosition(pos)
	}
	for _, market := range snap.Markets {
		c.markets.SetMarket(market)
	}
	for _, oracle := range snap.Oracles {
		c.oracles.Update(oracle)
	}
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}

	c.journalGen.SetSequence(snap.Sequence)
}

// SetDBChecker installs the second dedup tier. Recovery constructs the
// core without one so logged events re-apply during replay, then
// installs it before live traffic starts.
func (c *DeterministicCore) SetDBChecker(dbChecker DBIdempotencyChecker) {
	c.idempotency.dbChecker = dbChecker
}

// WarmLRU loads recent idempotency keys into the LRU cache so recently
// processed events skip the cold DB lookup.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		LedgerBalances:  c.balanceTracker.Snapshot(),
		Collateral:      c.balances.GetAllBalances(),
		Positions:       c.positions.GetAllPositions(),
		Markets:         c.markets.GetAllMarkets(),
		Oracles:         c.oracles.GetAllSnapshots(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
