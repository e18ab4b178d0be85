package ingestion

import (
	"TangleRecon/internal/core"
	"TangleRecon/internal/event"
	"TangleRecon/internal/observability"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Reconciler processes one decoded ledger transaction.
type Reconciler interface {
	ProcessEvent(ctx context.Context, ltx *event.LedgerTransaction) (*core.Outcome, error)
}

// Consumer is the single loop between the raw-event channel and the
// orchestrator. Raw events from every source are processed in arrival order.
type Consumer struct {
	in         <-chan RawEvent
	reconciler Reconciler
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewConsumer(in <-chan RawEvent, reconciler Reconciler, metrics *observability.Metrics, logger zerolog.Logger) *Consumer {
	return &Consumer{in: in, reconciler: reconciler, metrics: metrics, logger: logger}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-c.in:
			if !ok {
				return nil
			}
			c.handle(ctx, raw)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw RawEvent) {
	ltx, err := ParseRawEvent(raw)
	if err != nil {
		c.logger.Warn().Err(err).Str("source", raw.Source).Str("subject", raw.Subject).Msg("dropping malformed ledger transaction")
		c.count(raw.Source, "malformed")
		settle(raw.TermFunc)
		return
	}

	outcome, err := c.reconciler.ProcessEvent(ctx, ltx)
	if err != nil {
		lg := c.logger.Error()
		if errors.Is(err, context.Canceled) {
			lg = c.logger.Warn()
		}
		lg.Err(err).Str("ledger_tx", ltx.ID).Str("network", ltx.Network).Msg("reconciliation failed, will be redelivered")
		c.count(raw.Source, "nak")
		settle(raw.NakFunc)
		return
	}

	c.count(raw.Source, string(outcome.Result))
	settle(raw.AckFunc)
}

func (c *Consumer) count(source, result string) {
	if c.metrics != nil {
		c.metrics.IngestMessages.WithLabelValues(source, result).Inc()
	}
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
