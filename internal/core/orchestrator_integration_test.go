package core_test

import (
	"TangleRecon/internal/core"
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/event"
	"TangleRecon/internal/ledger"
	"TangleRecon/internal/state"
	"TangleRecon/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	network = "smr"
	sender  = "smr1sender"
)

type harness struct {
	store         *docstore.MemoryStore
	registry      *core.Registry
	orch          *core.Orchestrator
	outcomes      chan core.Outcome
	notifications chan state.Notification
	clock         *testutil.Clock
}

func newHarness() *harness {
	h := &harness{
		store:         docstore.NewMemoryStore(),
		registry:      core.NewRegistry(),
		outcomes:      make(chan core.Outcome, 64),
		notifications: make(chan state.Notification, 64),
		clock:         testutil.NewClock(now),
	}
	h.orch = h.newOrchestrator()
	return h
}

// newOrchestrator starts a fresh process over the same store: empty LRU.
func (h *harness) newOrchestrator() *core.Orchestrator {
	idem := core.NewIdempotencyChecker(128, nil, zerolog.Nop())
	o := core.NewOrchestrator(h.store, h.registry, core.DefaultConfig(), idem, h.outcomes, h.notifications, nil, zerolog.Nop())
	o.SetClock(h.clock.Now)
	return o
}

func mustSeed(t *testing.T, s docstore.Store, collection, id string, doc any) {
	t.Helper()
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) ([]docstore.Write, error) {
		return []docstore.Write{{Op: docstore.OpSet, Collection: collection, ID: id, Data: doc}}, nil
	})
	if err != nil {
		t.Fatalf("seed %s/%s: %v", collection, id, err)
	}
}

func mustGet[T any](t *testing.T, s docstore.Store, collection, id string) *T {
	t.Helper()
	v, err := docstore.Get[T](context.Background(), s, collection, id)
	if err != nil {
		t.Fatalf("get %s/%s: %v", collection, id, err)
	}
	return v
}

func mustProcess(t *testing.T, h *harness, ltx *event.LedgerTransaction) *core.Outcome {
	t.Helper()
	out, err := h.orch.ProcessEvent(context.Background(), ltx)
	if err != nil {
		t.Fatalf("ProcessEvent %s: %v", ltx.ID, err)
	}
	return out
}

func mustOrder(id, addr string, amount uint64, payload state.PayloadType) *state.Order {
	return &state.Order{
		ID:             id,
		Member:         "member-1",
		Network:        network,
		TargetAddress:  addr,
		Amount:         amount,
		ValidationType: state.ValidationAddressAndAmount,
		ExpiresOn:      now.Add(time.Hour),
		PayloadType:    payload,
		CreatedOn:      now.Add(-time.Hour),
	}
}

func mustAwardOrder(t *testing.T, h *harness, id, addr string, amount uint64) *state.Order {
	t.Helper()
	mustSeed(t, h.store, docstore.Awards, "award-1", &state.Award{ID: "award-1", Space: "space-1", Network: network})
	order := mustOrder(id, addr, amount, state.PayloadAwardFund)
	order.Award = &state.AwardOrder{AwardID: "award-1"}
	mustSeed(t, h.store, docstore.Orders, order.ID, order)
	return order
}

func output(id, addr string, amount uint64) event.LedgerEntry {
	return event.LedgerEntry{OutputID: id, Address: addr, Amount: amount}
}

func ledgerTx(id string, from string, entries ...event.LedgerEntry) *event.LedgerTransaction {
	return &event.LedgerTransaction{
		ID:             id,
		Network:        network,
		InputAddresses: []string{from},
		Entries:        entries,
		Timestamp:      now,
	}
}

func orderTransactions(t *testing.T, s docstore.Store, orderID string, txType ledger.TransactionType) []*ledger.Transaction {
	t.Helper()
	txs, err := docstore.QueryAll[ledger.Transaction](context.Background(), s, docstore.Transactions, docstore.Filter{
		"order": orderID,
		"type":  txType,
	}, 0)
	if err != nil {
		t.Fatalf("query transactions: %v", err)
	}
	return txs
}

func drainNotifications(ch chan state.Notification) []state.Notification {
	var out []state.Notification
	for {
		select {
		case n := <-ch:
			out = append(out, n)
		default:
			return out
		}
	}
}

func hasNotification(ns []state.Notification, member string, typ state.NotificationType) bool {
	for _, n := range ns {
		if n.Member == member && n.Type == typ {
			return true
		}
	}
	return false
}

func mustBech32(t *testing.T, hrp string) string {
	t.Helper()
	payload := make([]byte, 33)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	data, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		t.Fatalf("convert bits: %v", err)
	}
	addr, err := bech32.Encode(hrp, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return addr
}

// ============================================================================
// Test: Settlement and idempotency
// ============================================================================

func TestProcessEvent_SettlesMatchedOrder(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", "smr1order", 100_000)

	out := mustProcess(t, h, ledgerTx("tx-1", sender, output("out-1", "smr1order", 100_000)))
	if out.Result != core.ResultSettled {
		t.Fatalf("result: got %s, want settled", out.Result)
	}

	order := mustGet[state.Order](t, h.store, docstore.Orders, "order-1")
	if !order.Reconciled || order.ChainReference != "tx-1" {
		t.Errorf("order not reconciled: %+v", order)
	}
	payments := orderTransactions(t, h.store, "order-1", ledger.TypePayment)
	if len(payments) != 1 || payments[0].Payment.InvalidPayment {
		t.Fatalf("expected one valid payment, got %d", len(payments))
	}
	if len(order.LinkedTransactions) != 1 || order.LinkedTransactions[0] != payments[0].ID {
		t.Errorf("linked transactions: got %v", order.LinkedTransactions)
	}

	award := mustGet[state.Award](t, h.store, docstore.Awards, "award-1")
	if !award.Funded || award.Amount != 100_000 || award.FundingAddress != sender {
		t.Errorf("award not funded: %+v", award)
	}

	ltx := mustGet[event.LedgerTransaction](t, h.store, docstore.LedgerTransactions, network+":tx-1")
	if !ltx.Processed || ltx.ProcessedOn == nil {
		t.Error("ledger transaction must be marked processed in the same commit")
	}

	select {
	case o := <-h.outcomes:
		if o.LedgerTransactionID != "tx-1" || len(o.Transactions) != 1 {
			t.Errorf("outcome: got %+v", o)
		}
	default:
		t.Fatal("expected an outcome")
	}
}

func TestProcessEvent_AtMostOnce(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", "smr1order", 100_000)
	ltx := ledgerTx("tx-1", sender, output("out-1", "smr1order", 100_000))

	mustProcess(t, h, ltx)
	written := h.store.Count(docstore.Transactions)

	if out := mustProcess(t, h, ltx); out.Result != core.ResultDuplicate {
		t.Errorf("LRU replay: got %s, want duplicate", out.Result)
	}

	// A restarted process only has the stored flag
	h.orch = h.newOrchestrator()
	if out := mustProcess(t, h, ltx); out.Result != core.ResultDuplicate {
		t.Errorf("store replay: got %s, want duplicate", out.Result)
	}

	if got := h.store.Count(docstore.Transactions); got != written {
		t.Errorf("replays wrote transactions: got %d, want %d", got, written)
	}
}

func TestProcessEvent_PaymentRecordsReceivedAmount(t *testing.T) {
	h := newHarness()
	order := mustAwardOrder(t, h, "order-1", "smr1order", 100_000)
	order.ValidationType = state.ValidationAddress
	mustSeed(t, h.store, docstore.Orders, order.ID, order)

	mustProcess(t, h, ledgerTx("tx-1", sender, output("out-1", "smr1order", 250_000)))

	payments := orderTransactions(t, h.store, "order-1", ledger.TypePayment)
	if len(payments) != 1 {
		t.Fatalf("payments: got %d, want 1", len(payments))
	}
	if payments[0].Payment.Amount != 250_000 {
		t.Errorf("payment amount: got %d, want the received 250000", payments[0].Payment.Amount)
	}
}

func TestProcessEvent_ChangeOutputIgnored(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", sender, 100_000)

	out := mustProcess(t, h, ledgerTx("tx-1", sender, output("out-1", sender, 100_000)))
	if out.Result != core.ResultIgnored {
		t.Errorf("result: got %s, want ignored", out.Result)
	}
	if n := h.store.Count(docstore.Transactions); n != 0 {
		t.Errorf("change output created %d transactions", n)
	}
}

func TestProcessEvent_UnknownAddressIgnored(t *testing.T) {
	h := newHarness()

	out := mustProcess(t, h, ledgerTx("tx-1", sender, output("out-1", "smr1nobody", 100_000)))
	if out.Result != core.ResultIgnored {
		t.Errorf("result: got %s, want ignored", out.Result)
	}
	if h.store.Count(docstore.LedgerTransactions) != 1 {
		t.Error("ignored ledger transaction must still be marked processed")
	}
}

// ============================================================================
// Test: Compensation
// ============================================================================

func assertCompensated(t *testing.T, h *harness, orderID string, amount uint64, creditType ledger.CreditType) *ledger.Transaction {
	t.Helper()
	payments := orderTransactions(t, h.store, orderID, ledger.TypePayment)
	if len(payments) != 1 || !payments[0].Payment.InvalidPayment {
		t.Fatalf("expected exactly one invalid payment, got %d", len(payments))
	}
	if payments[0].Payment.Amount != amount {
		t.Errorf("invalid payment amount: got %d, want %d", payments[0].Payment.Amount, amount)
	}
	credits := orderTransactions(t, h.store, orderID, ledger.TypeCredit)
	if len(credits) != 1 {
		t.Fatalf("expected exactly one credit, got %d", len(credits))
	}
	c := credits[0]
	if c.Credit.Type != creditType {
		t.Errorf("credit type: got %s, want %s", c.Credit.Type, creditType)
	}
	if c.Credit.Amount != amount || c.Credit.TargetAddress != sender {
		t.Errorf("credit must return %d to the sender, got %+v", amount, c.Credit)
	}
	if c.SourceTransaction[0] != payments[0].ID {
		t.Errorf("credit source: got %v, want the invalid payment", c.SourceTransaction)
	}
	return c
}

func TestProcessEvent_WrongAmountCompensated(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", "smr1order", 100_000)

	out := mustProcess(t, h, ledgerTx("tx-1", sender, output("out-1", "smr1order", 90_000)))
	if out.Result != core.ResultCompensated {
		t.Errorf("result: got %s, want compensated", out.Result)
	}
	assertCompensated(t, h, "order-1", 90_000, ledger.CreditInvalidAmount)

	if order := mustGet[state.Order](t, h.store, docstore.Orders, "order-1"); order.Reconciled {
		t.Error("compensated order must stay open")
	}
}

func TestProcessEvent_ReconciledOrderCompensated(t *testing.T) {
	h := newHarness()
	order := mustAwardOrder(t, h, "order-1", "smr1order", 100_000)
	order.Reconciled = true
	mustSeed(t, h.store, docstore.Orders, order.ID, order)

	mustProcess(t, h, ledgerTx("tx-1", sender, output("out-1", "smr1order", 100_000)))
	assertCompensated(t, h, "order-1", 100_000, ledger.CreditDataNoLongerValid)

	if award := mustGet[state.Award](t, h.store, docstore.Awards, "award-1"); award.Funded {
		t.Error("handler must not run for a reconciled order")
	}
}

func TestProcessEvent_ExpiredOrderVoided(t *testing.T) {
	h := newHarness()
	order := mustAwardOrder(t, h, "order-1", "smr1order", 100_000)
	order.ExpiresOn = now.Add(-time.Minute)
	mustSeed(t, h.store, docstore.Orders, order.ID, order)

	mustProcess(t, h, ledgerTx("tx-1", sender, output("out-1", "smr1order", 100_000)))
	assertCompensated(t, h, "order-1", 100_000, ledger.CreditDataNoLongerValid)

	if got := mustGet[state.Order](t, h.store, docstore.Orders, "order-1"); !got.Void {
		t.Error("expired order must be voided")
	}
}

func TestProcessEvent_ZeroAmountNoCredit(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", "smr1order", 100_000)

	mustProcess(t, h, ledgerTx("tx-1", sender, output("out-1", "smr1order", 0)))

	if n := len(orderTransactions(t, h.store, "order-1", ledger.TypePayment)); n != 1 {
		t.Errorf("payments: got %d, want 1", n)
	}
	if n := len(orderTransactions(t, h.store, "order-1", ledger.TypeCredit)); n != 0 {
		t.Errorf("credits: got %d, want none for a zero amount", n)
	}
}

func TestProcessEvent_SecondOutputToSameOrderRefunded(t *testing.T) {
	h := newHarness()
	order := mustAwardOrder(t, h, "order-1", "smr1order", 100_000)
	order.ValidationType = state.ValidationAddress
	mustSeed(t, h.store, docstore.Orders, order.ID, order)

	mustProcess(t, h, ledgerTx("tx-1", sender,
		output("out-1", "smr1order", 100_000),
		output("out-2", "smr1order", 200_000),
	))

	credits := orderTransactions(t, h.store, "order-1", ledger.TypeCredit)
	if len(credits) != 1 || credits[0].Credit.Type != ledger.CreditDuplicateSettlement || credits[0].Credit.Amount != 100_000 {
		t.Fatalf("first output must be refunded as a duplicate, got %+v", credits)
	}
	award := mustGet[state.Award](t, h.store, docstore.Awards, "award-1")
	if award.Amount != 200_000 {
		t.Errorf("award amount: got %d, want the last matching output 200000", award.Amount)
	}
}

func TestProcessEvent_UnsupportedUnlockCompensated(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", "smr1order", 100_000)

	entry := output("out-1", "smr1order", 100_000)
	entry.UnlockConditions = []event.UnlockCondition{
		{Type: event.UnlockConditionTimelock, UnixTime: now.Add(time.Hour).Unix()},
	}
	mustProcess(t, h, ledgerTx("tx-1", sender, entry))

	credit := assertCompensated(t, h, "order-1", 100_000, ledger.CreditUnsupportedUnlock)
	if !credit.Credit.IgnoreWallet || credit.Credit.IgnoreWalletReason != ledger.IgnoreTimelock {
		t.Errorf("timelocked output must be credited for bookkeeping only, got %+v", credit.Credit)
	}
}

func TestProcessEvent_NftOutputCreditedAsNft(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", "smr1order", 100_000)

	entry := output("out-1", "smr1order", 50_000)
	entry.Nft = &event.NftOutput{NftID: "nft-9"}
	mustProcess(t, h, ledgerTx("tx-1", sender, entry))

	credits := orderTransactions(t, h.store, "order-1", ledger.TypeCreditNft)
	if len(credits) != 1 || credits[0].Credit.Nft != "nft-9" {
		t.Fatalf("expected one NFT credit, got %+v", credits)
	}
}

// ============================================================================
// Test: Expiration unlocks
// ============================================================================

func TestProcessEvent_PendingExpirationSchedulesUnlock(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", "smr1order", 100_000)

	entry := output("out-1", "smr1order", 100_000)
	entry.UnlockConditions = []event.UnlockCondition{
		{Type: event.UnlockConditionExpiration, Address: sender, UnixTime: now.Add(time.Hour).Unix()},
	}
	out := mustProcess(t, h, ledgerTx("tx-1", sender, entry))
	if out.Result != core.ResultScheduled {
		t.Fatalf("result: got %s, want scheduled", out.Result)
	}

	unlocks := orderTransactions(t, h.store, "order-1", ledger.TypeUnlock)
	if len(unlocks) != 1 {
		t.Fatalf("unlocks: got %d, want 1", len(unlocks))
	}
	unlock := unlocks[0]
	if unlock.Unlock.Type != ledger.UnlockTransferForward || unlock.Unlock.OutputToConsume != "out-1" {
		t.Errorf("unlock: got %+v", unlock.Unlock)
	}
	if order := mustGet[state.Order](t, h.store, docstore.Orders, "order-1"); order.Reconciled {
		t.Fatal("order must not settle before the unlock executes")
	}

	// The unlock executes: the order address spends to itself
	followUp := ledgerTx("tx-2", "smr1order", output("out-2", "smr1order", 100_000))
	followUp.UnlockRef = &event.UnlockReference{TransactionID: unlock.ID}
	if out := mustProcess(t, h, followUp); out.Result != core.ResultSettled {
		t.Fatalf("follow-up result: got %s, want settled", out.Result)
	}

	award := mustGet[state.Award](t, h.store, docstore.Awards, "award-1")
	if award.FundingAddress != sender {
		t.Errorf("funding address: got %q, want the original sender", award.FundingAddress)
	}
}

func TestProcessEvent_ElapsedExpirationNotRefundable(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", "smr1order", 100_000)

	entry := output("out-1", "smr1order", 100_000)
	entry.UnlockConditions = []event.UnlockCondition{
		{Type: event.UnlockConditionExpiration, Address: sender, UnixTime: now.Add(-time.Hour).Unix()},
	}
	mustProcess(t, h, ledgerTx("tx-1", sender, entry))

	credit := assertCompensated(t, h, "order-1", 100_000, ledger.CreditDataNoLongerValid)
	if !credit.Credit.IgnoreWallet || credit.Credit.IgnoreWalletReason != ledger.IgnoreOutputExpired {
		t.Errorf("expired output: got %+v", credit.Credit)
	}
}

// ============================================================================
// Test: Handler failures
// ============================================================================

func TestProcessEvent_BusinessErrorCredited(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", "smr1order", 100_000)
	mustSeed(t, h.store, docstore.Awards, "award-1", &state.Award{ID: "award-1", Network: network, Funded: true})

	out := mustProcess(t, h, ledgerTx("tx-1", sender, output("out-1", "smr1order", 100_000)))
	if out.Result != core.ResultCompensated {
		t.Errorf("result: got %s, want compensated", out.Result)
	}

	credit := assertCompensated(t, h, "order-1", 100_000, ledger.CreditTangleRequestError)
	if credit.Credit.Response["status"] != "error" || credit.Credit.Response["code"] != state.ErrAwardAlreadyFunded.Code {
		t.Errorf("credit response: got %v", credit.Credit.Response)
	}
	if order := mustGet[state.Order](t, h.store, docstore.Orders, "order-1"); order.Reconciled {
		t.Error("rejected order must stay open")
	}
}

func TestProcessEvent_FatalHandlerErrorAbortsEverything(t *testing.T) {
	h := newHarness()
	mustAwardOrder(t, h, "order-1", "smr1order", 100_000)
	h.registry.Register(state.PayloadAwardFund, core.HandlerFunc(func(ctx context.Context, hc *core.HandlerContext) (*core.Effect, error) {
		return nil, errors.New("store unavailable")
	}))

	ltx := ledgerTx("tx-1", sender, output("out-1", "smr1order", 100_000))
	if _, err := h.orch.ProcessEvent(context.Background(), ltx); err == nil {
		t.Fatal("expected the handler error to abort processing")
	}
	if n := h.store.Count(docstore.Transactions); n != 0 {
		t.Errorf("aborted run wrote %d transactions", n)
	}
	if n := h.store.Count(docstore.LedgerTransactions); n != 0 {
		t.Error("aborted run must not mark the ledger transaction processed")
	}

	// Redelivery after the fault clears settles normally
	h.registry = core.NewRegistry()
	h.orch = h.newOrchestrator()
	if out := mustProcess(t, h, ltx); out.Result != core.ResultSettled {
		t.Errorf("redelivery: got %s, want settled", out.Result)
	}
}

// ============================================================================
// Test: Auctions
// ============================================================================

func seedAuction(t *testing.T, h *harness, floor, increment uint64, maxBids int, topUp bool) {
	t.Helper()
	mustSeed(t, h.store, docstore.Collections, "col-1", &state.Collection{ID: "col-1", Space: "space-1", Total: 10})
	mustSeed(t, h.store, docstore.Nfts, "nft-1", &state.Nft{
		ID: "nft-1", Collection: "col-1", Owner: "seller", Status: state.NftMinted, AuctionID: "auction-1",
	})
	mustSeed(t, h.store, docstore.Auctions, "auction-1", &state.Auction{
		ID:                    "auction-1",
		Network:               network,
		NftID:                 "nft-1",
		Seller:                "seller",
		SellerAddress:         "smr1seller",
		AuctionFrom:           now.Add(-time.Hour),
		AuctionTo:             now.Add(24 * time.Hour),
		AuctionLength:         25 * time.Hour,
		ExtendedAuctionLength: 25 * time.Hour,
		AuctionFloorPrice:     floor,
		MinimalBidIncrement:   increment,
		TopUpBased:            topUp,
		MaxBids:               maxBids,
		Active:                true,
	})
}

func seedBidOrder(t *testing.T, h *harness, member, addr string) {
	t.Helper()
	order := mustOrder("bid-"+member, addr, 0, state.PayloadNftBid)
	order.Member = member
	order.ValidationType = state.ValidationAddress
	order.ExpiresOn = now.Add(48 * time.Hour)
	order.Nft = &state.NftOrder{NftID: "nft-1", CollectionID: "col-1", AuctionID: "auction-1"}
	mustSeed(t, h.store, docstore.Orders, order.ID, order)
}

func TestAuction_OutbidLeaderIsCreditedAndWinnerSettles(t *testing.T) {
	h := newHarness()
	seedAuction(t, h, 100, 10, 1, false)
	seedBidOrder(t, h, "A", "smr1bidA")
	seedBidOrder(t, h, "B", "smr1bidB")

	mustProcess(t, h, ledgerTx("tx-a", "smr1walletA", output("out-a", "smr1bidA", 150)))
	auction := mustGet[state.Auction](t, h.store, docstore.Auctions, "auction-1")
	if auction.AuctionHighestBid != 150 || auction.AuctionHighestBidder != "A" {
		t.Fatalf("after A: got highest %d by %q", auction.AuctionHighestBid, auction.AuctionHighestBidder)
	}
	drainNotifications(h.notifications)

	mustProcess(t, h, ledgerTx("tx-b", "smr1walletB", output("out-b", "smr1bidB", 200)))
	auction = mustGet[state.Auction](t, h.store, docstore.Auctions, "auction-1")
	if auction.AuctionHighestBid != 200 || len(auction.Bids) != 1 || auction.Bids[0].Bidder != "B" {
		t.Fatalf("after B: got %+v", auction.Bids)
	}

	credits := orderTransactions(t, h.store, "bid-A", ledger.TypeCredit)
	if len(credits) != 1 {
		t.Fatalf("A's evicted bid must be credited once, got %d", len(credits))
	}
	if c := credits[0].Credit; c.Type != ledger.CreditInvalidBid || c.Amount != 150 || c.TargetAddress != "smr1walletA" || c.SourceAddress != "smr1bidA" {
		t.Errorf("evicted bid credit: got %+v", c)
	}
	if payments := orderTransactions(t, h.store, "bid-A", ledger.TypePayment); len(payments) != 1 || !payments[0].Payment.InvalidPayment {
		t.Errorf("evicted bid payment must be flagged invalid: got %+v", payments)
	}
	ns := drainNotifications(h.notifications)
	if !hasNotification(ns, "A", state.NotificationLostBid) || !hasNotification(ns, "B", state.NotificationHighestBid) {
		t.Errorf("notifications: got %+v", ns)
	}
	if nft := mustGet[state.Nft](t, h.store, docstore.Nfts, "nft-1"); nft.HighestBid != 200 {
		t.Errorf("nft mirror: got %d", nft.HighestBid)
	}

	// Close the auction
	h.clock.Set(now.Add(25 * time.Hour))
	ended, err := h.orch.EndedAuctions(context.Background(), 10)
	if err != nil || len(ended) != 1 || ended[0] != "auction-1" {
		t.Fatalf("ended auctions: got %v, %v", ended, err)
	}
	out, err := h.orch.FinalizeAuction(context.Background(), "auction-1")
	if err != nil || out == nil {
		t.Fatalf("finalize: %v", err)
	}

	nft := mustGet[state.Nft](t, h.store, docstore.Nfts, "nft-1")
	if nft.Owner != "B" || nft.AuctionID != "" {
		t.Errorf("nft after finalize: got %+v", nft)
	}
	bills := orderTransactions(t, h.store, "bid-B", ledger.TypeBillPayment)
	if len(bills) != 1 || bills[0].BillPayment.Amount != 200 || bills[0].BillPayment.TargetAddress != "smr1seller" {
		t.Fatalf("winner bill payment: got %+v", bills)
	}
	if col := mustGet[state.Collection](t, h.store, docstore.Collections, "col-1"); col.Sold != 1 {
		t.Errorf("collection sold: got %d, want 1", col.Sold)
	}
	if !hasNotification(drainNotifications(h.notifications), "B", state.NotificationWonAuction) {
		t.Error("winner must be notified")
	}
	if n := len(orderTransactions(t, h.store, "bid-A", ledger.TypeCredit)); n != 1 {
		t.Errorf("A must not be credited twice, got %d", n)
	}

	// Finalizing again is a no-op
	again, err := h.orch.FinalizeAuction(context.Background(), "auction-1")
	if err != nil || again != nil {
		t.Errorf("second finalize: got %v, %v", again, err)
	}
}

func TestAuction_TopUpAccumulatesIntoOneBid(t *testing.T) {
	h := newHarness()
	seedAuction(t, h, 100, 10, 3, true)
	seedBidOrder(t, h, "X", "smr1bidX")

	mustProcess(t, h, ledgerTx("tx-1", "smr1walletX", output("out-1", "smr1bidX", 60)))
	auction := mustGet[state.Auction](t, h.store, docstore.Auctions, "auction-1")
	if len(auction.Bids) != 0 || len(auction.PendingTopUps) != 1 || auction.PendingTopUps[0].Amount != 60 {
		t.Fatalf("after 60: bids %+v pending %+v", auction.Bids, auction.PendingTopUps)
	}

	mustProcess(t, h, ledgerTx("tx-2", "smr1walletX", output("out-2", "smr1bidX", 50)))
	auction = mustGet[state.Auction](t, h.store, docstore.Auctions, "auction-1")
	if len(auction.Bids) != 1 || auction.Bids[0].Amount != 110 || len(auction.Bids[0].Payments) != 2 {
		t.Fatalf("after 50: got %+v", auction.Bids)
	}
	if len(auction.PendingTopUps) != 0 {
		t.Errorf("pending top-up must be folded in, got %+v", auction.PendingTopUps)
	}
	if n := len(orderTransactions(t, h.store, "bid-X", ledger.TypeCredit)); n != 0 {
		t.Errorf("top-ups must not be credited, got %d credits", n)
	}
}

func TestAuction_TwoBidsInOneLedgerTransaction(t *testing.T) {
	h := newHarness()
	seedAuction(t, h, 100, 10, 2, false)
	seedBidOrder(t, h, "A", "smr1bidA")
	seedBidOrder(t, h, "B", "smr1bidB")

	mustProcess(t, h, ledgerTx("tx-ab", "smr1wallet",
		output("out-a", "smr1bidA", 150),
		output("out-b", "smr1bidB", 200),
	))

	auction := mustGet[state.Auction](t, h.store, docstore.Auctions, "auction-1")
	if len(auction.Bids) != 2 || auction.Bids[0].Bidder != "B" || auction.Bids[1].Bidder != "A" {
		t.Fatalf("both bids must be kept: got %+v", auction.Bids)
	}
	if auction.AuctionHighestBid != 200 || auction.AuctionHighestBidder != "B" {
		t.Errorf("highest: got %d by %q", auction.AuctionHighestBid, auction.AuctionHighestBidder)
	}
	if n := len(orderTransactions(t, h.store, "bid-A", ledger.TypeCredit)); n != 0 {
		t.Errorf("kept bid must not be credited, got %d", n)
	}
	if nft := mustGet[state.Nft](t, h.store, docstore.Nfts, "nft-1"); nft.HighestBid != 200 {
		t.Errorf("nft mirror: got %d", nft.HighestBid)
	}
}

func TestAuction_BidEvictedInSameLedgerTransactionIsCredited(t *testing.T) {
	h := newHarness()
	seedAuction(t, h, 100, 10, 1, false)
	seedBidOrder(t, h, "A", "smr1bidA")
	seedBidOrder(t, h, "B", "smr1bidB")

	mustProcess(t, h, ledgerTx("tx-ab", "smr1wallet",
		output("out-a", "smr1bidA", 150),
		output("out-b", "smr1bidB", 200),
	))

	auction := mustGet[state.Auction](t, h.store, docstore.Auctions, "auction-1")
	if len(auction.Bids) != 1 || auction.Bids[0].Bidder != "B" {
		t.Fatalf("bids: got %+v", auction.Bids)
	}

	// A's payment was staged earlier in the same run; it is still made whole
	credits := orderTransactions(t, h.store, "bid-A", ledger.TypeCredit)
	if len(credits) != 1 || credits[0].Credit.Amount != 150 || credits[0].Credit.Type != ledger.CreditInvalidBid {
		t.Fatalf("A must be credited 150 once, got %+v", credits)
	}
	payments := orderTransactions(t, h.store, "bid-A", ledger.TypePayment)
	if len(payments) != 1 || !payments[0].Payment.InvalidPayment {
		t.Errorf("A's payment must be flagged invalid: got %+v", payments)
	}
	if payments := orderTransactions(t, h.store, "bid-B", ledger.TypePayment); len(payments) != 1 || payments[0].Payment.InvalidPayment {
		t.Errorf("B's payment must stay valid: got %+v", payments)
	}
}

func TestNftPurchase_SplitsRoyalty(t *testing.T) {
	h := newHarness()
	available := now.Add(-time.Hour)
	mustSeed(t, h.store, docstore.Collections, "col-1", &state.Collection{ID: "col-1", Space: "space-1"})
	mustSeed(t, h.store, docstore.Nfts, "nft-1", &state.Nft{
		ID: "nft-1", Collection: "col-1", Owner: "seller", Status: state.NftMinted, AvailableFrom: &available, AvailablePrice: 1_000_000,
	})
	order := mustOrder("buy-1", "smr1buy", 1_000_000, state.PayloadNftPurchase)
	order.Nft = &state.NftOrder{
		NftID:                 "nft-1",
		CollectionID:          "col-1",
		Beneficiary:           "seller",
		BeneficiaryType:       state.EntityMember,
		BeneficiaryAddress:    "smr1seller",
		RoyaltiesFee:          decimal.RequireFromString("0.1"),
		RoyaltiesSpace:        "space-1",
		RoyaltiesSpaceAddress: "smr1space",
		PreviousOwner:         "seller",
	}
	mustSeed(t, h.store, docstore.Orders, order.ID, order)

	mustProcess(t, h, ledgerTx("tx-1", sender, output("out-1", "smr1buy", 1_000_000)))

	bills := orderTransactions(t, h.store, "buy-1", ledger.TypeBillPayment)
	if len(bills) != 2 {
		t.Fatalf("bill payments: got %d, want 2", len(bills))
	}
	var main, royalty uint64
	for _, b := range bills {
		if b.BillPayment.Royalty {
			royalty = b.BillPayment.Amount
		} else {
			main = b.BillPayment.Amount
		}
	}
	if main != 900_000 || royalty != 100_000 {
		t.Errorf("split: got %d/%d, want 900000/100000", main, royalty)
	}
	if nft := mustGet[state.Nft](t, h.store, docstore.Nfts, "nft-1"); nft.Owner != "member-1" || !nft.Sold {
		t.Errorf("nft after purchase: got %+v", nft)
	}
}

// ============================================================================
// Test: Voting
// ============================================================================

func TestVote_WeightDecaysWhenBackingOutputConsumed(t *testing.T) {
	h := newHarness()
	mustSeed(t, h.store, docstore.Proposals, "prop-1", &state.Proposal{
		ID:       "prop-1",
		Space:    "space-1",
		Token:    "vote-token",
		Approved: true,
		Settings: state.ProposalSettings{StartDate: now, EndDate: now.Add(10 * 24 * time.Hour), Answers: []int{1, 2}},
	})
	order := mustOrder("vote-1", "smr1vote", 0, state.PayloadProposalVote)
	order.ValidationType = state.ValidationAddress
	order.ExpiresOn = now.Add(30 * 24 * time.Hour)
	order.Vote = &state.VoteOrder{ProposalID: "prop-1", TokenID: "vote-token", Value: 1}
	mustSeed(t, h.store, docstore.Orders, order.ID, order)

	h.clock.Set(now.Add(2 * 24 * time.Hour))
	entry := output("out-vote", "smr1vote", 50_000)
	entry.NativeTokens = []event.NativeToken{{ID: "vote-token", Amount: 100}}
	mustProcess(t, h, ledgerTx("tx-vote", sender, entry))

	proposal := mustGet[state.Proposal](t, h.store, docstore.Proposals, "prop-1")
	if !proposal.Results.Total.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("weight at T+2d: got %s, want 80", proposal.Results.Total)
	}

	h.clock.Set(now.Add(6 * 24 * time.Hour))
	withdraw := ledgerTx("tx-withdraw", "smr1vote", output("out-w", "smr1elsewhere", 50_000))
	withdraw.ConsumedOutputIDs = []string{"out-vote"}
	withdraw.Timestamp = h.clock.Now()
	mustProcess(t, h, withdraw)

	proposal = mustGet[state.Proposal](t, h.store, docstore.Proposals, "prop-1")
	if !proposal.Results.Total.Equal(decimal.NewFromInt(40)) {
		t.Errorf("total after withdrawal: got %s, want 40", proposal.Results.Total)
	}
	if !proposal.Results.Answers["1"].Equal(decimal.NewFromInt(40)) {
		t.Errorf("answer 1: got %s, want 40", proposal.Results.Answers["1"])
	}
	member := mustGet[state.ProposalMember](t, h.store, docstore.ProposalMembers, state.ProposalMemberID("prop-1", "member-1"))
	if !member.Weight.Equal(decimal.NewFromInt(40)) {
		t.Errorf("member weight: got %s, want 40", member.Weight)
	}
	votes := orderTransactions(t, h.store, "vote-1", ledger.TypeVote)
	if len(votes) != 1 || !votes[0].Vote.Weight.Equal(decimal.NewFromInt(40)) || votes[0].Vote.ConsumedOn == nil {
		t.Errorf("vote record: got %+v", votes)
	}
}

func TestVote_CastInSameLedgerTransactionAsWithdrawal(t *testing.T) {
	h := newHarness()
	mustSeed(t, h.store, docstore.Proposals, "prop-1", &state.Proposal{
		ID:       "prop-1",
		Space:    "space-1",
		Token:    "vote-token",
		Approved: true,
		Settings: state.ProposalSettings{StartDate: now, EndDate: now.Add(10 * 24 * time.Hour), Answers: []int{1, 2}},
	})
	for _, v := range []struct{ id, member, addr string }{
		{"vote-1", "member-1", "smr1vote"},
		{"vote-2", "member-2", "smr1vote2"},
	} {
		order := mustOrder(v.id, v.addr, 0, state.PayloadProposalVote)
		order.Member = v.member
		order.ValidationType = state.ValidationAddress
		order.ExpiresOn = now.Add(30 * 24 * time.Hour)
		order.Vote = &state.VoteOrder{ProposalID: "prop-1", TokenID: "vote-token", Value: 1}
		mustSeed(t, h.store, docstore.Orders, order.ID, order)
	}

	h.clock.Set(now.Add(2 * 24 * time.Hour))
	first := output("out-vote", "smr1vote", 50_000)
	first.NativeTokens = []event.NativeToken{{ID: "vote-token", Amount: 100}}
	mustProcess(t, h, ledgerTx("tx-vote", sender, first))

	// At T+6d one ledger transaction spends the first vote's output and casts
	// a second vote: 80 shrinks to 40, the new vote weighs 40
	h.clock.Set(now.Add(6 * 24 * time.Hour))
	second := output("out-vote2", "smr1vote2", 50_000)
	second.NativeTokens = []event.NativeToken{{ID: "vote-token", Amount: 100}}
	ltx := ledgerTx("tx-both", "smr1vote", second)
	ltx.ConsumedOutputIDs = []string{"out-vote"}
	ltx.Timestamp = h.clock.Now()
	mustProcess(t, h, ltx)

	proposal := mustGet[state.Proposal](t, h.store, docstore.Proposals, "prop-1")
	if !proposal.Results.Total.Equal(decimal.NewFromInt(80)) {
		t.Errorf("total: got %s, want 80", proposal.Results.Total)
	}
	if !proposal.Results.Answers["1"].Equal(decimal.NewFromInt(80)) {
		t.Errorf("answer 1: got %s, want 80", proposal.Results.Answers["1"])
	}
	for _, member := range []string{"member-1", "member-2"} {
		pm := mustGet[state.ProposalMember](t, h.store, docstore.ProposalMembers, state.ProposalMemberID("prop-1", member))
		if !pm.Weight.Equal(decimal.NewFromInt(40)) {
			t.Errorf("%s weight: got %s, want 40", member, pm.Weight)
		}
	}
}

// ============================================================================
// Test: Swaps
// ============================================================================

func TestSwap_TransfersOnlyWhenAsksMet(t *testing.T) {
	h := newHarness()
	mustSeed(t, h.store, docstore.Swaps, "swap-1", &state.Swap{
		ID:             "swap-1",
		Network:        network,
		Address:        "smr1swap",
		Creator:        "creator",
		CreatorAddress: "smr1creator",
		Bids:           state.SwapAssets{BaseTokenAmount: 1_000_000},
		Asks: state.SwapAssets{
			Nfts:         []string{"n1"},
			NativeTokens: []event.NativeToken{{ID: "t1", Amount: 50}},
		},
		Status: state.SwapOpen,
	})
	order := mustOrder("swap-order", "smr1swap", 0, state.PayloadSwap)
	order.Member = "taker"
	order.ValidationType = state.ValidationAddress
	order.Swap = &state.SwapOrder{SwapID: "swap-1"}
	mustSeed(t, h.store, docstore.Orders, order.ID, order)

	nftEntry := output("out-n1", "smr1swap", 50_000)
	nftEntry.Nft = &event.NftOutput{NftID: "n1"}
	mustProcess(t, h, ledgerTx("tx-1", sender, nftEntry))

	if swap := mustGet[state.Swap](t, h.store, docstore.Swaps, "swap-1"); swap.Status != state.SwapOpen {
		t.Fatal("swap must not complete with only the NFT")
	}
	if n := len(orderTransactions(t, h.store, "swap-order", ledger.TypeBillPayment)); n != 0 {
		t.Fatalf("no transfer before the asks are met, got %d", n)
	}

	tokenEntry := output("out-t1", "smr1swap", 50_000)
	tokenEntry.NativeTokens = []event.NativeToken{{ID: "t1", Amount: 50}}
	mustProcess(t, h, ledgerTx("tx-2", sender, tokenEntry))

	swap := mustGet[state.Swap](t, h.store, docstore.Swaps, "swap-1")
	if swap.Status != state.SwapFulfilled || swap.FulfilledBy != "taker" {
		t.Fatalf("swap: got %+v", swap)
	}
	bills := orderTransactions(t, h.store, "swap-order", ledger.TypeBillPayment)
	if len(bills) != 2 {
		t.Fatalf("transfers: got %d, want one each way", len(bills))
	}
	for _, b := range bills {
		switch b.BillPayment.TargetAddress {
		case sender:
			if b.BillPayment.Amount != 1_000_000 {
				t.Errorf("taker receives the bids, got %+v", b.BillPayment)
			}
		case "smr1creator":
			if len(b.BillPayment.Nfts) != 1 || len(b.BillPayment.NativeTokens) != 1 {
				t.Errorf("creator receives the asks, got %+v", b.BillPayment)
			}
		default:
			t.Errorf("unexpected transfer target %q", b.BillPayment.TargetAddress)
		}
	}
	if o := mustGet[state.Order](t, h.store, docstore.Orders, "swap-order"); !o.Reconciled {
		t.Error("swap order must reconcile on fulfilment")
	}
	if !hasNotification(drainNotifications(h.notifications), "creator", state.NotificationSwapFulfilled) {
		t.Error("creator must be notified")
	}
}

// ============================================================================
// Test: On-ledger requests
// ============================================================================

func seedRequestOrder(t *testing.T, h *harness) {
	t.Helper()
	order := mustOrder("request", "smr1request", 0, state.PayloadTangleRequest)
	order.Member = ""
	order.ValidationType = state.ValidationAddress
	order.ExpiresOn = time.Time{}
	mustSeed(t, h.store, docstore.Orders, order.ID, order)
}

func TestTangleRequest_StakeForValidatedMember(t *testing.T) {
	h := newHarness()
	seedRequestOrder(t, h)
	mustSeed(t, h.store, docstore.Tokens, "tok-1", &state.Token{ID: "tok-1", Symbol: "TOK", Space: "space-1"})
	mustSeed(t, h.store, docstore.Members, "member-9", &state.Member{ID: "member-9", ValidatedAddress: map[string]string{network: sender}})

	entry := output("out-1", "smr1request", 50_000)
	entry.NativeTokens = []event.NativeToken{{ID: "tok-1", Amount: 1_000}}
	entry.Metadata = json.RawMessage(`{"requestType":"STAKE","tokenId":"tok-1","weeks":52}`)
	mustProcess(t, h, ledgerTx("tx-1", sender, entry))

	stakes, err := docstore.QueryAll[state.Stake](context.Background(), h.store, docstore.Stakes, docstore.Filter{"member": "member-9"}, 0)
	if err != nil || len(stakes) != 1 {
		t.Fatalf("stakes: got %d, %v", len(stakes), err)
	}
	if stakes[0].Amount != 1_000 || stakes[0].Value != 2_000 {
		t.Errorf("stake: got amount %d value %d", stakes[0].Amount, stakes[0].Value)
	}
	token := mustGet[state.Token](t, h.store, docstore.Tokens, "tok-1")
	if token.StakeTotals[state.StakeDynamic].Amount != 1_000 {
		t.Errorf("token totals: got %+v", token.StakeTotals)
	}

	payments := orderTransactions(t, h.store, "request", ledger.TypePayment)
	if len(payments) != 1 || payments[0].Payment.Response["stake"] != stakes[0].ID {
		t.Errorf("payment response: got %+v", payments)
	}
	if o := mustGet[state.Order](t, h.store, docstore.Orders, "request"); o.Reconciled {
		t.Error("request order must never reconcile")
	}
}

func TestTangleRequest_UnknownTypeCredited(t *testing.T) {
	h := newHarness()
	seedRequestOrder(t, h)

	entry := output("out-1", "smr1request", 50_000)
	entry.Metadata = json.RawMessage(`{"requestType":"MINT_COLLECTION"}`)
	mustProcess(t, h, ledgerTx("tx-1", sender, entry))

	credit := assertCompensated(t, h, "request", 50_000, ledger.CreditTangleRequestError)
	if credit.Credit.Response["code"] != state.ErrInvalidTangleRequestType.Code {
		t.Errorf("response: got %v", credit.Credit.Response)
	}
}

// ============================================================================
// Test: Address validation
// ============================================================================

func TestAddressValidation(t *testing.T) {
	tests := []struct {
		name    string
		hrp     string
		valid   bool
		credits ledger.CreditType
	}{
		{"network prefix", "smr", true, ledger.CreditAddressValidation},
		{"foreign prefix", "iota", false, ledger.CreditTangleRequestError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			addr := mustBech32(t, tt.hrp)
			mustSeed(t, h.store, docstore.Members, "member-5", &state.Member{ID: "member-5"})
			order := mustOrder("validate", "smr1validate", 100_000, state.PayloadAddressValidation)
			order.Member = "member-5"
			order.Validation = &state.AddressValidationOrder{EntityType: state.EntityMember, EntityID: "member-5"}
			mustSeed(t, h.store, docstore.Orders, order.ID, order)

			mustProcess(t, h, ledgerTx("tx-1", addr, output("out-1", "smr1validate", 100_000)))

			credits := orderTransactions(t, h.store, "validate", ledger.TypeCredit)
			if len(credits) != 1 || credits[0].Credit.Type != tt.credits || credits[0].Credit.TargetAddress != addr {
				t.Fatalf("credits: got %+v", credits)
			}
			member := mustGet[state.Member](t, h.store, docstore.Members, "member-5")
			if got := member.ValidatedAddress[network] == addr; got != tt.valid {
				t.Errorf("validated address: got %v, want %v", member.ValidatedAddress, tt.valid)
			}
			if o := mustGet[state.Order](t, h.store, docstore.Orders, "validate"); o.Reconciled != tt.valid {
				t.Errorf("reconciled: got %v, want %v", o.Reconciled, tt.valid)
			}
		})
	}
}
