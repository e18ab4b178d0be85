package core

import (
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/event"
	"TangleRecon/internal/ledger"
	"TangleRecon/internal/observability"
	"TangleRecon/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoOrderForEntry means an output went to an address the platform does not watch.
var ErrNoOrderForEntry = errors.New("no order for entry")

// Result summarizes what one ledger transaction did
type Result string

const (
	ResultSettled     Result = "settled"
	ResultCompensated Result = "compensated"
	ResultScheduled   Result = "scheduled"
	ResultIgnored     Result = "ignored"
	ResultDuplicate   Result = "duplicate"
	ResultFinalized   Result = "finalized"
)

// Outcome is emitted after every commit for the reconciliation log
type Outcome struct {
	LedgerTransactionID string
	Network             string
	Result              Result
	Orders              []string
	Transactions        []string
	Duration            time.Duration
	ProcessedAt         time.Time
}

// entry states, used for metrics and the outcome result
const (
	entryChange      = "change"
	entryNoOrder     = "no_order"
	entryScheduled   = "scheduled"
	entryCompensated = "compensated"
	entryRejected    = "rejected"
	entryDispatched  = "dispatched"
)

// Orchestrator reconciles ledger transactions against orders. Each ledger
// transaction is settled in one store transaction together with its processed flag.
type Orchestrator struct {
	store       docstore.Store
	registry    *Registry
	factory     *ledger.Factory
	config      Config
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	outcomeChan      chan<- Outcome
	notificationChan chan<- state.Notification
}

func NewOrchestrator(
	store docstore.Store,
	registry *Registry,
	config Config,
	idempotency *IdempotencyChecker,
	outcomeChan chan<- Outcome,
	notificationChan chan<- state.Notification,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:            store,
		registry:         registry,
		factory:          ledger.NewFactory(config.MinAmountToTransfer),
		config:           config,
		idempotency:      idempotency,
		metrics:          metrics,
		logger:           logger,
		now:              time.Now,
		outcomeChan:      outcomeChan,
		notificationChan: notificationChan,
	}
}

// SetClock replaces the wall clock used for expiry and timestamps.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// run is the per-transaction scratch space. Orders are cached by address so
// several entries paying the same order see each other's changes.
type run struct {
	ledgerTx *event.LedgerTransaction
	unlock   *UnlockSource
	now      time.Time
	batch    *ledger.Batch
	orders   map[string]*state.Order
	touched  []*state.Order
	orderIDs []string
	states   map[string]int
	result   Result
}

func (r *run) touch(order *state.Order) {
	for _, t := range r.touched {
		if t == order {
			return
		}
	}
	r.touched = append(r.touched, order)
	r.orderIDs = append(r.orderIDs, order.ID)
}

// ProcessEvent reconciles one observed ledger transaction. It is safe to call
// again for a transaction already processed: nothing is written twice.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ledgerTx *event.LedgerTransaction) (*Outcome, error) {
	start := time.Now()
	key := ledgerTx.IdempotencyKey()

	if o.idempotency != nil && o.idempotency.IsDuplicate(ctx, key) {
		o.recordOutcome(string(ResultDuplicate), start)
		return &Outcome{LedgerTransactionID: ledgerTx.ID, Network: ledgerTx.Network, Result: ResultDuplicate, ProcessedAt: o.now()}, nil
	}

	var r *run
	err := o.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) ([]docstore.Write, error) {
		// A retried transaction starts from scratch
		r = &run{
			ledgerTx: ledgerTx,
			now:      o.now(),
			batch:    ledger.NewBatch(key),
			orders:   make(map[string]*state.Order),
			states:   make(map[string]int),
		}
		// Later entries must see what earlier entries staged in this run
		view := docstore.NewOverlay(tx, func() []docstore.Write { return r.batch.Writes })
		return o.reconcile(ctx, view, r)
	})
	if err != nil {
		o.recordOutcome("error", start)
		return nil, fmt.Errorf("reconcile %s: %w", key, err)
	}

	if o.idempotency != nil {
		o.idempotency.MarkProcessed(ctx, key)
	}

	outcome := o.emit(r, ledgerTx.ID, ledgerTx.Network, start)
	o.logger.Info().
		Str("ledger_tx", ledgerTx.ID).
		Str("network", ledgerTx.Network).
		Str("result", string(outcome.Result)).
		Int("orders", len(outcome.Orders)).
		Int("transactions", len(outcome.Transactions)).
		Dur("duration", outcome.Duration).
		Msg("ledger transaction reconciled")
	return outcome, nil
}

func (o *Orchestrator) reconcile(ctx context.Context, tx docstore.Tx, r *run) ([]docstore.Write, error) {
	ltx := r.ledgerTx
	key := ltx.IdempotencyKey()

	stored, err := docstore.Get[event.LedgerTransaction](ctx, tx, docstore.LedgerTransactions, key)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}
	if stored != nil && stored.Processed {
		r.result = ResultDuplicate
		return nil, nil
	}

	if ltx.UnlockRef != nil && ltx.UnlockRef.TransactionID != "" {
		unlock, err := resolveUnlock(ctx, tx, ltx.UnlockRef.TransactionID)
		if err != nil {
			return nil, err
		}
		r.unlock = unlock
	}

	for _, entry := range ltx.Entries {
		entryState, err := o.reconcileEntry(ctx, tx, r, entry)
		if errors.Is(err, ErrNoOrderForEntry) {
			entryState = entryNoOrder
		} else if err != nil {
			return nil, err
		}
		r.states[entryState]++
	}

	if len(ltx.ConsumedOutputIDs) > 0 {
		consumedOn := ltx.Timestamp
		if consumedOn.IsZero() {
			consumedOn = r.now
		}
		resettled, count, err := resettleVotes(ctx, tx, ltx.ConsumedOutputIDs, consumedOn)
		if err != nil {
			return nil, fmt.Errorf("resettle votes: %w", err)
		}
		r.batch.Merge(resettled)
		if o.metrics != nil && count > 0 {
			o.metrics.VoteResettlements.Add(float64(count))
		}
	}

	for _, order := range r.touched {
		r.batch.Set(docstore.Orders, order.ID, order)
	}

	processedOn := r.now
	record := *ltx
	record.Processed = true
	record.ProcessedOn = &processedOn
	r.batch.Set(docstore.LedgerTransactions, key, &record)

	if err := r.batch.Validate(); err != nil {
		return nil, err
	}
	r.result = r.summarize()
	return r.batch.Writes, nil
}

// resolveUnlock loads the Unlock a ledger transaction executes.
func resolveUnlock(ctx context.Context, tx docstore.Tx, unlockID string) (*UnlockSource, error) {
	unlock, err := docstore.Get[ledger.Transaction](ctx, tx, docstore.Transactions, unlockID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("unlock %s referenced but not found", unlockID)
	}
	if err != nil {
		return nil, err
	}
	if unlock.Unlock == nil {
		return nil, fmt.Errorf("transaction %s is not an unlock", unlockID)
	}
	return &UnlockSource{UnlockID: unlock.ID, SenderAddress: unlock.Unlock.SenderAddress}, nil
}

// findOrder returns the order watching addr on the network, cached per run.
func (o *Orchestrator) findOrder(ctx context.Context, tx docstore.Tx, r *run, addr string) (*state.Order, error) {
	if order, ok := r.orders[addr]; ok {
		if order == nil {
			return nil, ErrNoOrderForEntry
		}
		return order, nil
	}
	order, err := docstore.FindOne[state.Order](ctx, tx, docstore.Orders, docstore.Filter{
		"targetAddress": addr,
		"network":       r.ledgerTx.Network,
	})
	if errors.Is(err, docstore.ErrNotFound) {
		r.orders[addr] = nil
		return nil, ErrNoOrderForEntry
	}
	if err != nil {
		return nil, err
	}
	r.orders[addr] = order
	return order, nil
}

// reconcileEntry walks one output through the settlement state machine:
// void on expiry, schedule an unlock while the output is conditional, compensate
// anything that cannot settle, otherwise dispatch to the payload handler.
func (o *Orchestrator) reconcileEntry(ctx context.Context, tx docstore.Tx, r *run, entry event.LedgerEntry) (string, error) {
	ltx := r.ledgerTx
	if r.unlock == nil && ltx.IsInputAddress(entry.Address) {
		return entryChange, nil
	}

	order, err := o.findOrder(ctx, tx, r, entry.Address)
	if err != nil {
		return "", err
	}
	r.touch(order)

	expired := order.IsExpired(r.now)
	if expired {
		order.Void = true
	}

	match := Match(ltx, entry, order, r.unlock)

	outputExpired := false
	if exp := entry.Expiration(); exp != nil {
		if exp.Deadline().After(r.now) {
			o.scheduleUnlock(r, order, entry, match, exp.Deadline())
			return entryScheduled, nil
		}
		outputExpired = true
	}

	if expired || outputExpired || order.IsSettled() || match == nil || match.To.OutputID != entry.OutputID {
		o.compensate(r, order, entry, match, outputExpired)
		return entryCompensated, nil
	}

	return o.dispatch(ctx, tx, r, order, entry, match)
}

func (o *Orchestrator) scheduleUnlock(r *run, order *state.Order, entry event.LedgerEntry, match *ledger.TransactionMatch, expiresOn time.Time) {
	unlockType := ledger.UnlockFunds
	if match != nil && match.To.OutputID == entry.OutputID {
		unlockType = ledger.UnlockTransferForward
	}
	unlock := o.factory.CreateUnlockTransaction(order, r.ledgerTx, entry, unlockType, entry.OutputID, &expiresOn, r.now)
	r.batch.AddTransaction(unlock)
	order.LinkedTransactions = append(order.LinkedTransactions, unlock.ID)
}

// compensate records an invalid payment for the entry and credits it back.
func (o *Orchestrator) compensate(r *run, order *state.Order, entry event.LedgerEntry, match *ledger.TransactionMatch, outputExpired bool) {
	o.refund(r, order, entry, match, compensationCredit(order, entry, match), ledger.CreditOptions{}, outputExpired)
}

func compensationCredit(order *state.Order, entry event.LedgerEntry, match *ledger.TransactionMatch) ledger.CreditType {
	switch {
	case entry.HasUnsupportedUnlockCondition():
		return ledger.CreditUnsupportedUnlock
	case order.IsSettled():
		return ledger.CreditDataNoLongerValid
	case match == nil:
		return ledger.CreditInvalidAmount
	case match.To.OutputID != entry.OutputID:
		return ledger.CreditDuplicateSettlement
	default:
		return ledger.CreditDataNoLongerValid
	}
}

func (o *Orchestrator) refund(r *run, order *state.Order, entry event.LedgerEntry, match *ledger.TransactionMatch, creditType ledger.CreditType, opts ledger.CreditOptions, outputExpired bool) {
	// The entry itself is what gets returned, whatever output the order matched
	sender := r.ledgerTx.SenderAddress()
	if r.unlock != nil && r.unlock.SenderAddress != "" {
		sender = r.unlock.SenderAddress
	}
	m := &ledger.TransactionMatch{
		MsgID: r.ledgerTx.ID,
		From:  event.LedgerEntry{Address: sender, Amount: entry.Amount},
		To:    entry,
	}
	if match != nil && match.To.OutputID == entry.OutputID {
		m.From = match.From
	}
	if outputExpired {
		opts.IgnoreWalletReason = ledger.IgnoreOutputExpired
	}

	b := ledger.NewBatch(r.batch.EventRef)
	payment := o.factory.CreatePayment(order, m, true, r.now)
	b.AddTransaction(payment)
	if entry.Nft != nil {
		b.AddTransaction(o.factory.CreateNftCredit(payment, m, r.now, opts))
	} else {
		b.AddTransaction(o.factory.CreateCredit(creditType, payment, m, r.now, opts))
	}
	order.LinkedTransactions = append(order.LinkedTransactions, b.Linked...)
	r.batch.Merge(b)
}

// dispatch creates the valid payment and runs the payload handler. A business
// error discards the handler's writes and compensates with the error attached.
func (o *Orchestrator) dispatch(ctx context.Context, tx docstore.Tx, r *run, order *state.Order, entry event.LedgerEntry, match *ledger.TransactionMatch) (string, error) {
	payment := o.factory.CreatePayment(order, match, false, r.now)
	owner, err := o.resolveOwner(ctx, tx, order, match)
	if err != nil {
		return "", err
	}

	hc := &HandlerContext{
		Tx:       tx,
		Order:    order,
		Match:    match,
		LedgerTx: r.ledgerTx,
		Entry:    entry,
		Payment:  payment,
		Owner:    owner,
		Now:      r.now,
		Factory:  o.factory,
		Config:   o.config,
	}
	if order.PayloadType == state.PayloadTangleRequest {
		hc.Request = entry.Metadata
	}

	// Handlers may mutate the order only on success
	snapshot := *order
	snapshot.LinkedTransactions = append([]string(nil), order.LinkedTransactions...)

	effect, err := o.handle(ctx, hc)
	var be *state.BusinessError
	if errors.As(err, &be) {
		*order = snapshot
		o.countHandlerError(order.PayloadType, "business")
		o.logger.Debug().
			Str("ledger_tx", r.ledgerTx.ID).
			Str("order", order.ID).
			Str("payload_type", string(order.PayloadType)).
			Str("code", be.Code).
			Msg("request rejected")
		o.refund(r, order, entry, match, ledger.CreditTangleRequestError, ledger.CreditOptions{Response: be.Response()}, false)
		return entryRejected, nil
	}
	if errors.Is(err, docstore.ErrRetryable) {
		// The store re-runs the whole transaction; nothing failed yet
		o.logger.Debug().Err(err).
			Str("ledger_tx", r.ledgerTx.ID).
			Str("order", order.ID).
			Msg("handler hit a transaction conflict")
		return "", err
	}
	if err != nil {
		o.countHandlerError(order.PayloadType, "fatal")
		o.logger.Error().Err(err).
			Str("ledger_tx", r.ledgerTx.ID).
			Str("order", order.ID).
			Str("payload_type", string(order.PayloadType)).
			Msg("handler failed")
		return "", fmt.Errorf("order %s (%s): %w", order.ID, order.PayloadType, err)
	}

	payment.Payment.Response = effect.Response
	order.LinkedTransactions = append(order.LinkedTransactions, effect.Batch.Linked...)
	r.batch.Merge(effect.Batch)
	o.recordBid(order.PayloadType, effect)
	return entryDispatched, nil
}

func (o *Orchestrator) handle(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	h, err := o.registry.Lookup(hc.Order.PayloadType)
	if err != nil {
		return nil, err
	}
	effect, err := h.Handle(ctx, hc)
	if err != nil {
		return nil, err
	}
	if effect == nil || effect.Batch == nil {
		return nil, fmt.Errorf("handler for %s returned no effect", hc.Order.PayloadType)
	}
	return effect, nil
}

// resolveOwner picks the member a deposit is credited to. Request orders belong
// to whoever validated the sender address, or to the address itself.
func (o *Orchestrator) resolveOwner(ctx context.Context, tx docstore.Tx, order *state.Order, match *ledger.TransactionMatch) (string, error) {
	if order.PayloadType != state.PayloadTangleRequest {
		if order.Member != "" {
			return order.Member, nil
		}
		return order.Space, nil
	}
	sender := match.From.Address
	member, err := docstore.FindOne[state.Member](ctx, tx, docstore.Members, docstore.Filter{
		"validatedAddress": map[string]any{order.Network: sender},
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return sender, nil
	}
	if err != nil {
		return "", err
	}
	return member.ID, nil
}

// FinalizeAuction closes an auction whose end passed, in its own store transaction.
// It returns a nil outcome when the auction is still running.
func (o *Orchestrator) FinalizeAuction(ctx context.Context, auctionID string) (*Outcome, error) {
	start := time.Now()
	var (
		r      *run
		winner *state.AuctionBid
	)
	err := o.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) ([]docstore.Write, error) {
		r = &run{now: o.now(), orders: make(map[string]*state.Order), states: make(map[string]int)}
		winner = nil
		b, w, err := finalizeAuction(ctx, tx, o.factory, auctionID, r.now)
		if err != nil || b == nil {
			return nil, err
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}
		r.batch = b
		r.result = ResultFinalized
		winner = w
		if w != nil {
			r.orderIDs = append(r.orderIDs, w.Order)
		}
		return b.Writes, nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalize auction %s: %w", auctionID, err)
	}
	if r == nil || r.batch == nil {
		return nil, nil
	}

	if o.metrics != nil {
		result := "expired"
		if winner != nil {
			result = "won"
		}
		o.metrics.AuctionsFinalized.WithLabelValues(result).Inc()
	}
	outcome := o.emit(r, "auction:"+auctionID, "", start)
	o.logger.Info().
		Str("auction", auctionID).
		Bool("won", winner != nil).
		Int("transactions", len(outcome.Transactions)).
		Msg("auction finalized")
	return outcome, nil
}

// EndedAuctions lists active auctions whose close time has passed.
func (o *Orchestrator) EndedAuctions(ctx context.Context, limit int) ([]string, error) {
	auctions, err := docstore.QueryAll[state.Auction](ctx, o.store, docstore.Auctions, docstore.Filter{"active": true}, 0)
	if err != nil {
		return nil, err
	}
	now := o.now()
	var ids []string
	for _, a := range auctions {
		if a.HasEnded(now) {
			ids = append(ids, a.ID)
			if limit > 0 && len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

// emit publishes the committed run. The outcome send blocks so no log row is
// lost; notifications are dropped when the publisher falls behind.
func (o *Orchestrator) emit(r *run, ref, network string, start time.Time) *Outcome {
	outcome := &Outcome{
		LedgerTransactionID: ref,
		Network:             network,
		Result:              r.result,
		Orders:              r.orderIDs,
		Duration:            time.Since(start),
		ProcessedAt:         r.now,
	}
	if r.batch != nil && r.result != ResultDuplicate {
		for _, tx := range r.batch.Transactions {
			outcome.Transactions = append(outcome.Transactions, tx.ID)
			if o.metrics != nil {
				o.metrics.DerivedTransactions.WithLabelValues(string(tx.Type)).Inc()
			}
		}
		for _, n := range r.batch.Notifications {
			o.publish(n)
		}
	}
	if r.result == ResultDuplicate {
		outcome.Orders = nil
	}

	if o.metrics != nil {
		for s, n := range r.states {
			o.metrics.EntriesProcessed.WithLabelValues(s).Add(float64(n))
		}
	}
	o.recordOutcome(string(outcome.Result), start)

	if o.outcomeChan != nil {
		o.outcomeChan <- *outcome
	}
	return outcome
}

func (o *Orchestrator) publish(n state.Notification) {
	if o.notificationChan == nil {
		return
	}
	select {
	case o.notificationChan <- n:
	default:
		if o.metrics != nil {
			o.metrics.NotificationDrops.Inc()
		}
	}
}

func (r *run) summarize() Result {
	switch {
	case r.states[entryDispatched] > 0:
		return ResultSettled
	case r.states[entryCompensated] > 0 || r.states[entryRejected] > 0:
		return ResultCompensated
	case r.states[entryScheduled] > 0:
		return ResultScheduled
	default:
		return ResultIgnored
	}
}

func (o *Orchestrator) recordOutcome(result string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.EventsProcessed.WithLabelValues(result).Inc()
	o.metrics.EventDuration.Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) countHandlerError(t state.PayloadType, kind string) {
	if o.metrics != nil {
		o.metrics.HandlerErrors.WithLabelValues(string(t), kind).Inc()
	}
}

func (o *Orchestrator) recordBid(t state.PayloadType, effect *Effect) {
	if o.metrics == nil || (t != state.PayloadNftBid && t != state.PayloadTangleRequest) {
		return
	}
	if _, ok := effect.Response["auction"]; !ok {
		return
	}
	if _, pending := effect.Response["pending"]; pending {
		o.metrics.AuctionBids.WithLabelValues("pending").Inc()
		return
	}
	o.metrics.AuctionBids.WithLabelValues("accepted").Inc()
	for _, tx := range effect.Batch.Transactions {
		if tx.Credit != nil && tx.Credit.Type == ledger.CreditInvalidBid {
			o.metrics.AuctionBids.WithLabelValues("invalid").Inc()
		}
	}
}
