package persistence

import (
	"TangleRecon/internal/core"
	"TangleRecon/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// OutcomeWorker drains the orchestrator's outcome channel and batch-writes the
// reconciliation log. The orchestrator sends with a blocking send, so a stalled
// worker applies backpressure instead of losing rows.
type OutcomeWorker struct {
	db           *sql.DB
	writer       *OutcomeLogWriter
	inputChan    <-chan core.Outcome
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewOutcomeWorker(
	db *sql.DB,
	inputChan <-chan core.Outcome,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutcomeWorker {
	return &OutcomeWorker{
		db:           db,
		writer:       NewOutcomeLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outcomes and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (w *OutcomeWorker) Run(ctx context.Context) error {
	batch := make([]OutcomeRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case outcome, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.logger.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			row, err := NewOutcomeRow(outcome)
			if err != nil {
				w.logger.Warn().Err(err).Str("ledger_tx", outcome.LedgerTransactionID).Msg("outcome dropped")
				if w.metrics != nil {
					w.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				continue
			}
			batch = append(batch, row)
			if w.metrics != nil {
				w.metrics.ChannelSize.WithLabelValues("outcomes").Set(float64(len(w.inputChan)))
			}

			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Int("rows", len(batch)).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Int("rows", len(batch)).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled, in which case one last attempt runs on a fresh context.
func (w *OutcomeWorker) flushWithRetry(ctx context.Context, rows []OutcomeRow) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("rows", len(rows)).Msg("outcome log retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), rows); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.maxBackoff {
				backoff = w.maxBackoff
			}
		}

		err := w.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("outcome log flush succeeded")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *OutcomeWorker) flush(ctx context.Context, rows []OutcomeRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatch(ctx, tx, rows); err != nil {
		w.countError("write_outcomes")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(rows)))
		w.metrics.PersistRowsWritten.Add(float64(len(rows)))
	}
	return nil
}

func (w *OutcomeWorker) countError(stage string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}

// Writer returns the underlying writer, shared with the read API.
func (w *OutcomeWorker) Writer() *OutcomeLogWriter {
	return w.writer
}
