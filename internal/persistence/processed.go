package persistence

import (
	"TangleRecon/internal/core"
	"context"
	"database/sql"
	"errors"
	"time"
)

// ProcessedChecker looks up the processed flag stored with each ledger
// transaction document. It is the last tier of the idempotency fast path.
type ProcessedChecker struct {
	db      *sql.DB
	timeout time.Duration
}

var _ core.ProcessedChecker = (*ProcessedChecker)(nil)

func NewProcessedChecker(db *sql.DB) *ProcessedChecker {
	return &ProcessedChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsProcessed reports whether the ledger transaction with idempotency key key was committed.
func (pc *ProcessedChecker) IsProcessed(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pc.timeout)
	defer cancel()

	var processed bool
	err := pc.db.QueryRowContext(ctx, `
		SELECT COALESCE((data->>'processed')::boolean, false)
		FROM documents
		WHERE collection = 'ledger_transactions' AND id = $1
	`, key).Scan(&processed)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return processed, nil
}

// RecentlyProcessed returns the keys of the newest limit processed ledger
// transactions, oldest first so that warming an LRU leaves the newest most recent.
func (pc *ProcessedChecker) RecentlyProcessed(ctx context.Context, limit int) ([]string, error) {
	rows, err := pc.db.QueryContext(ctx, `
		SELECT id
		FROM documents
		WHERE collection = 'ledger_transactions' AND (data->>'processed')::boolean
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}
