package query

import (
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/event"
	"TangleRecon/internal/ledger"
	"TangleRecon/internal/state"
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned for unknown orders, transactions and ledger transactions.
var ErrNotFound = errors.New("not found")

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// QueryService provides read-only access to orders, derived transactions and
// the processed state of ledger transactions.
type QueryService struct {
	reader   docstore.Reader
	outcomes OutcomeSource
}

// OutcomeSource lists recently logged reconciliation outcomes. May be nil when
// the outcome log is not persisted.
type OutcomeSource interface {
	RecentOutcomes(ctx context.Context, limit int) ([]OutcomeResponse, error)
}

func NewQueryService(reader docstore.Reader, outcomes OutcomeSource) *QueryService {
	return &QueryService{reader: reader, outcomes: outcomes}
}

// GetOrder returns an order by id.
func (qs *QueryService) GetOrder(ctx context.Context, id string) (*state.Order, error) {
	order, err := docstore.Get[state.Order](ctx, qs.reader, docstore.Orders, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return order, err
}

// GetOrderTransactions returns the derived transactions linked to an order,
// optionally restricted to one type, in creation order.
func (qs *QueryService) GetOrderTransactions(ctx context.Context, orderID string, txType ledger.TransactionType, limit int) (*TransactionPage, error) {
	if _, err := qs.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}

	filter := docstore.Filter{"order": orderID}
	if txType != "" {
		filter["type"] = txType
	}
	txs, err := docstore.QueryAll[ledger.Transaction](ctx, qs.reader, docstore.Transactions, filter, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	return &TransactionPage{OrderID: orderID, Transactions: txs, Count: len(txs)}, nil
}

// GetTransaction returns a derived transaction by id.
func (qs *QueryService) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	tx, err := docstore.Get[ledger.Transaction](ctx, qs.reader, docstore.Transactions, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return tx, err
}

// GetLedgerTransaction returns the processing state of an observed ledger transaction.
func (qs *QueryService) GetLedgerTransaction(ctx context.Context, network, id string) (*LedgerTransactionStatus, error) {
	key := (&event.LedgerTransaction{Network: network, ID: id}).IdempotencyKey()
	ltx, err := docstore.Get[event.LedgerTransaction](ctx, qs.reader, docstore.LedgerTransactions, key)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("ledger transaction %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &LedgerTransactionStatus{
		ID:          ltx.ID,
		Network:     ltx.Network,
		Processed:   ltx.Processed,
		ProcessedOn: ltx.ProcessedOn,
		Entries:     len(ltx.Entries),
	}, nil
}

// RecentOutcomes returns the newest reconciliation outcomes, or an empty list
// when no outcome log is configured.
func (qs *QueryService) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeResponse, error) {
	if qs.outcomes == nil {
		return []OutcomeResponse{}, nil
	}
	return qs.outcomes.RecentOutcomes(ctx, clampLimit(limit))
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
