package persistence

import (
	"TangleRecon/internal/core"
	"TangleRecon/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutcomeLogWriter writes reconciliation outcomes to reconciliation_log using
// multi-row INSERTs.
type OutcomeLogWriter struct {
	db *sql.DB
}

// OutcomeRow represents a row in reconciliation_log
type OutcomeRow struct {
	LedgerTransactionID string
	Network             string
	Outcome             string
	Orders              []byte // JSON array of order ids
	Transactions        []byte // JSON array of derived transaction ids
	DurationMicros      int64
	ProcessedAt         time.Time
}

var _ query.OutcomeSource = (*OutcomeLogWriter)(nil)

func NewOutcomeLogWriter(db *sql.DB) *OutcomeLogWriter {
	return &OutcomeLogWriter{db: db}
}

// NewOutcomeRow flattens an orchestrator outcome into a log row.
func NewOutcomeRow(o core.Outcome) (OutcomeRow, error) {
	orders, err := marshalIDs(o.Orders)
	if err != nil {
		return OutcomeRow{}, fmt.Errorf("encode orders: %w", err)
	}
	txs, err := marshalIDs(o.Transactions)
	if err != nil {
		return OutcomeRow{}, fmt.Errorf("encode transactions: %w", err)
	}
	id := o.LedgerTransactionID
	if o.Network != "" {
		id = o.Network + ":" + id
	}
	return OutcomeRow{
		LedgerTransactionID: id,
		Network:             o.Network,
		Outcome:             string(o.Result),
		Orders:              orders,
		Transactions:        txs,
		DurationMicros:      o.Duration.Microseconds(),
		ProcessedAt:         o.ProcessedAt,
	}, nil
}

func marshalIDs(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// WriteBatch inserts rows inside tx. A ledger transaction already logged is left untouched.
func (w *OutcomeLogWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []OutcomeRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO reconciliation_log
		(ledger_transaction_id, network, outcome, orders, transactions, duration_us, processed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*7)

	for i, r := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d::jsonb, $%d::jsonb, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.LedgerTransactionID, r.Network, r.Outcome,
			string(r.Orders), string(r.Transactions), r.DurationMicros, r.ProcessedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (ledger_transaction_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// Recent returns the newest logged outcomes, newest first.
func (w *OutcomeLogWriter) Recent(ctx context.Context, limit int) ([]OutcomeRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT ledger_transaction_id, network, outcome, orders, transactions, duration_us, processed_at
		FROM reconciliation_log
		ORDER BY processed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRow
	for rows.Next() {
		var r OutcomeRow
		if err := rows.Scan(&r.LedgerTransactionID, &r.Network, &r.Outcome,
			&r.Orders, &r.Transactions, &r.DurationMicros, &r.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentOutcomes serves the read API.
func (w *OutcomeLogWriter) RecentOutcomes(ctx context.Context, limit int) ([]query.OutcomeResponse, error) {
	rows, err := w.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]query.OutcomeResponse, 0, len(rows))
	for _, r := range rows {
		resp := query.OutcomeResponse{
			LedgerTransactionID: r.LedgerTransactionID,
			Network:             r.Network,
			Outcome:             r.Outcome,
			DurationMicros:      r.DurationMicros,
			ProcessedAt:         r.ProcessedAt,
		}
		if err := json.Unmarshal(r.Orders, &resp.Orders); err != nil {
			return nil, fmt.Errorf("decode orders of %s: %w", r.LedgerTransactionID, err)
		}
		if err := json.Unmarshal(r.Transactions, &resp.Transactions); err != nil {
			return nil, fmt.Errorf("decode transactions of %s: %w", r.LedgerTransactionID, err)
		}
		out = append(out, resp)
	}
	return out, nil
}
