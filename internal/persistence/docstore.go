package persistence

import (
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// DefaultTxRetries bounds how often a transaction is re-run after a
// serialization failure or deadlock.
const DefaultTxRetries = 8

// PostgresStore is the document store backed by a single JSONB table.
// Transactions run at SERIALIZABLE isolation; the write-set returned by the
// transaction function is applied at the end of the same SQL transaction, so
// reads observe committed state only.
type PostgresStore struct {
	db         *sql.DB
	maxRetries int
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

var _ docstore.Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB, maxRetries int, metrics *observability.Metrics, logger zerolog.Logger) *PostgresStore {
	if maxRetries <= 0 {
		maxRetries = DefaultTxRetries
	}
	return &PostgresStore{
		db:         db,
		maxRetries: maxRetries,
		metrics:    metrics,
		logger:     logger,
	}
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	return getDocument(ctx, s.db, collection, id)
}

func (s *PostgresStore) Query(ctx context.Context, collection string, filter docstore.Filter, limit int) ([]json.RawMessage, error) {
	return queryDocuments(ctx, s.db, collection, filter, limit)
}

// RunTransaction runs fn and applies its writes in one SERIALIZABLE transaction,
// re-running fn when Postgres reports a serialization failure or deadlock.
func (s *PostgresStore) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	backoff := 5 * time.Millisecond

	for attempt := 0; ; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		if attempt+1 >= s.maxRetries {
			return fmt.Errorf("transaction failed after %d attempts: %w", attempt+1, err)
		}

		if s.metrics != nil {
			s.metrics.StoreTxRetries.Inc()
		}
		s.logger.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying store transaction")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *PostgresStore) runOnce(ctx context.Context, fn docstore.TxFunc) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	writes, err := fn(ctx, pgTx{tx})
	if err != nil {
		return err
	}

	for _, w := range writes {
		if err := applyWrite(ctx, tx, w); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isRetryable reports SQLSTATE 40001 (serialization_failure) and 40P01 (deadlock_detected).
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// classify tags serialization failures and deadlocks with docstore.ErrRetryable
// so callers above the store can tell them from real failures.
func classify(err error) error {
	if err == nil || !isRetryable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", docstore.ErrRetryable, err)
}

func applyWrite(ctx context.Context, tx *sql.Tx, w docstore.Write) error {
	data, err := json.Marshal(w.Data)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", w.Collection, w.ID, err)
	}

	switch w.Op {
	case docstore.OpCreate:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
			 ON CONFLICT (collection, id) DO NOTHING`,
			w.Collection, w.ID, string(data),
		)
		if err != nil {
			return fmt.Errorf("create %s/%s: %w", w.Collection, w.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("create %s/%s: %w", w.Collection, w.ID, docstore.ErrConflict)
		}

	case docstore.OpSet:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
			 ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
			w.Collection, w.ID, string(data),
		); err != nil {
			return fmt.Errorf("set %s/%s: %w", w.Collection, w.ID, err)
		}

	case docstore.OpUpdate:
		// jsonb || replaces top-level keys, the same shallow merge as docstore.MergeObject
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET data = data || $3::jsonb, updated_at = NOW()
			 WHERE collection = $1 AND id = $2`,
			w.Collection, w.ID, string(data),
		)
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, docstore.ErrNotFound)
		}

	default:
		return fmt.Errorf("unknown write op %d", w.Op)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgTx struct {
	tx *sql.Tx
}

func (t pgTx) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	return getDocument(ctx, t.tx, collection, id)
}

func (t pgTx) Query(ctx context.Context, collection string, filter docstore.Filter, limit int) ([]json.RawMessage, error) {
	return queryDocuments(ctx, t.tx, collection, filter, limit)
}

func getDocument(ctx context.Context, q querier, collection, id string) (json.RawMessage, error) {
	var data []byte
	err := q.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, classify(err))
	}
	return data, nil
}

func queryDocuments(ctx context.Context, q querier, collection string, filter docstore.Filter, limit int) ([]json.RawMessage, error) {
	if filter == nil {
		filter = docstore.Filter{}
	}
	want, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}

	query := `SELECT data FROM documents WHERE collection = $1 AND data @> $2::jsonb ORDER BY seq`
	args := []any{collection, string(want)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, classify(err))
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, classify(err))
		}
		out = append(out, data)
	}
	return out, classify(rows.Err())
}
