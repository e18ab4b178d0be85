package core

import (
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/event"
	"TangleRecon/internal/ledger"
	"TangleRecon/internal/state"
	"context"
	"encoding/json"
	"time"
)

// HandlerContext is everything a handler may read. Handlers read through Tx and
// return their writes in an Effect; they never commit.
type HandlerContext struct {
	Tx       docstore.Tx
	Order    *state.Order
	Match    *ledger.TransactionMatch
	LedgerTx *event.LedgerTransaction
	Entry    event.LedgerEntry
	Payment  *ledger.Transaction // the valid payment created for this match
	Owner    string              // member resolved for the sender
	Request  json.RawMessage     // decoded entry metadata for TANGLE_REQUEST
	Now      time.Time
	Factory  *ledger.Factory
	Config   Config
}

// Effect is a handler's result: its write-set plus the structured response
// stored on the payment.
type Effect struct {
	Batch    *ledger.Batch
	Response map[string]any
}

// Handler settles one matched order of a single payload type.
type Handler interface {
	Handle(ctx context.Context, hc *HandlerContext) (*Effect, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, hc *HandlerContext) (*Effect, error)

func (f HandlerFunc) Handle(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	return f(ctx, hc)
}

// Registry is the static dispatch table keyed by payload type
type Registry struct {
	handlers map[state.PayloadType]Handler
}

// NewRegistry builds the table of every supported payload type.
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[state.PayloadType]Handler{
			state.PayloadNftPurchase:       HandlerFunc(handleNftPurchase),
			state.PayloadNftBid:            HandlerFunc(handleNftBid),
			state.PayloadStake:             HandlerFunc(handleStake),
			state.PayloadTokenTrade:        HandlerFunc(handleTokenTrade),
			state.PayloadProposalVote:      HandlerFunc(handleProposalVote),
			state.PayloadProposalCreate:    HandlerFunc(handleProposalCreate),
			state.PayloadSwap:              HandlerFunc(handleSwap),
			state.PayloadAwardFund:         HandlerFunc(handleAwardFund),
			state.PayloadAddressValidation: HandlerFunc(handleAddressValidation),
			state.PayloadTangleRequest:     HandlerFunc(handleTangleRequest),
		},
	}
}

// Register replaces or adds a handler.
func (r *Registry) Register(t state.PayloadType, h Handler) {
	r.handlers[t] = h
}

// Lookup returns the handler for t, or ErrInvalidTangleRequestType.
func (r *Registry) Lookup(t state.PayloadType) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, state.ErrInvalidTangleRequestType
	}
	return h, nil
}

// Types lists the registered payload types.
func (r *Registry) Types() []state.PayloadType {
	out := make([]state.PayloadType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// newEffect starts an effect whose batch already carries the payment.
func newEffect(hc *HandlerContext) *Effect {
	b := ledger.NewBatch(hc.LedgerTx.IdempotencyKey())
	b.AddTransaction(hc.Payment)
	return &Effect{Batch: b}
}

// reconcileUnlessRequest marks the order reconciled; request orders stay open.
func reconcileUnlessRequest(hc *HandlerContext) {
	if hc.Order.PayloadType == state.PayloadTangleRequest {
		return
	}
	ledger.MarkAsReconciled(hc.Order, hc.LedgerTx.ID)
}
