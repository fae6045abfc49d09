package persistence

import (
	"context"
	"database/sql"
	"time"

	"PerpClearing/internal/observability"

	"github.com/rs/zerolog"
)

// CoreOutput is the persistence-side view of one processed event: the
// event row plus its journal rows, ready to write. The main loop
// converts the core's output into this shape so this package stays
// independent of the core's types.
type CoreOutput struct {
	Event    EventRow
	Journals []JournalRow
}

// PersistenceWorker drains the core's persist channel and writes events
// in batches. A batch flushes when it reaches batchSize or when
// flushTimeout elapses, whichever comes first.
//
// Writes must not fail silently: a failed flush retries with backoff
// forever, exerting backpressure on the core through the channel.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence"),
	}
}

// Run processes the input channel until it closes or the context is
// cancelled. A final flush with a fresh context runs on shutdown so
// nothing already accepted from the channel is lost.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]CoreOutput, 0, pw.batchSize)
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		pw.flushWithRetry(flushCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			pw.log.Info().Msg("persistence worker stopped")
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				pw.log.Info().Msg("persistence channel closed")
				return nil
			}

			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				flush(ctx)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry writes the batch in one transaction, retrying with
// exponential backoff until it succeeds. The event log is the source of
// truth; giving up is not an option.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []CoreOutput) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 1; ; attempt++ {
		err := pw.flushOnce(ctx, batch)
		if err == nil {
			if pw.metrics != nil {
				pw.metrics.PersistEventsWritten.Add(float64(len(batch)))
				journals := 0
				for _, out := range batch {
					journals += len(out.Journals)
				}
				pw.metrics.PersistJournalsWritten.Add(float64(journals))
				pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
				pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Event.Sequence))
			}
			return
		}

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("flush").Inc()
			pw.metrics.PersistRetry.Inc()
		}
		pw.log.Error().
			Err(err).
			Int("attempt", attempt).
			Int("batch_size", len(batch)).
			Int64("first_sequence", batch[0].Event.Sequence).
			Dur("backoff", backoff).
			Msg("flush failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			// Shutdown mid-retry: keep trying without the deadline so
			// accepted events still reach the log.
			ctx = context.Background()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (pw *PersistenceWorker) flushOnce(ctx context.Context, batch []CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	events := make([]EventRow, 0, len(batch))
	journals := make([]JournalRow, 0, len(batch))
	for _, out := range batch {
		events = append(events, out.Event)
		journals = append(journals, out.Journals...)
	}

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		tx.Rollback()
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
