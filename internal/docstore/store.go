package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document already exists")
	// ErrRetryable marks a read or write that lost a race with a concurrent
	// transaction. RunTransaction re-runs the transaction function after it.
	ErrRetryable = errors.New("transaction conflict")
)

// Collection names
const (
	Orders             = "orders"
	Transactions       = "transactions"
	LedgerTransactions = "ledger_transactions"
	Nfts               = "nfts"
	Collections        = "collections"
	Auctions           = "auctions"
	Proposals          = "proposals"
	ProposalMembers    = "proposal_members"
	Members            = "members"
	Spaces             = "spaces"
	Tokens             = "tokens"
	Stakes             = "stakes"
	TokenTrades        = "token_trades"
	Swaps              = "swaps"
	Awards             = "awards"
	Notifications      = "notifications"
)

// Op is the kind of a buffered write
type Op int32

const (
	OpCreate Op = iota // fails with ErrConflict when the document exists
	OpSet    // create or replace
	OpUpdate // shallow merge of top-level fields; fails with ErrNotFound
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpSet:
		return "set"
	case OpUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Write is one buffered mutation. Data is marshalled to JSON when applied;
// for OpUpdate it must marshal to a JSON object.
type Write struct {
	Op         Op
	Collection string
	ID         string
	Data       any
}

// Filter selects documents containing all of its fields (JSON containment).
type Filter map[string]any

// Reader is the read side shared by stores and transactions.
type Reader interface {
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	Query(ctx context.Context, collection string, filter Filter, limit int) ([]json.RawMessage, error)
}

// Tx reads inside an atomic unit. Reads observe committed state only; writes are
// returned by the transaction function and applied together at commit.
type Tx interface {
	Reader
}

// TxFunc reads through tx and returns the write-set to commit.
type TxFunc func(ctx context.Context, tx Tx) ([]Write, error)

// Store is a document store with an atomic read-then-write primitive.
// RunTransaction may call fn more than once when a conflicting commit forces a retry.
type Store interface {
	Reader
	RunTransaction(ctx context.Context, fn TxFunc) error
}

// Get decodes a single document.
func Get[T any](ctx context.Context, r Reader, collection, id string) (*T, error) {
	raw, err := r.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return &out, nil
}

// QueryAll decodes every document matching filter. limit <= 0 means no limit.
func QueryAll[T any](ctx context.Context, r Reader, collection string, filter Filter, limit int) ([]*T, error) {
	raws, err := r.Query(ctx, collection, filter, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// FindOne returns the first document matching filter, or ErrNotFound.
func FindOne[T any](ctx context.Context, r Reader, collection string, filter Filter) (*T, error) {
	docs, err := QueryAll[T](ctx, r, collection, filter, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// MergeObject applies a shallow top-level merge of patch onto doc.
func MergeObject(doc json.RawMessage, patch any) (json.RawMessage, error) {
	var base map[string]json.RawMessage
	if err := json.Unmarshal(doc, &base); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("patch is not an object: %w", err)
	}
	if base == nil {
		base = make(map[string]json.RawMessage, len(fields))
	}
	for k, v := range fields {
		base[k] = v
	}
	return json.Marshal(base)
}
