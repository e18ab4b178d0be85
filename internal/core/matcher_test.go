package core_test

import (
	"TangleRecon/internal/core"
	"TangleRecon/internal/event"
	"TangleRecon/internal/state"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test: Matcher
// ============================================================================

func TestMatch_ExactAmount(t *testing.T) {
	order := mustOrder("order-1", "smr1order", 100, state.PayloadAwardFund)
	ltx := ledgerTx("tx-1", sender, output("out-1", "smr1order", 100))

	m := core.Match(ltx, ltx.Entries[0], order, nil)
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.From.Address != sender || m.To.OutputID != "out-1" || m.MsgID != "tx-1" {
		t.Errorf("match: got %+v", m)
	}
}

func TestMatch_AmountRules(t *testing.T) {
	tests := []struct {
		name       string
		validation state.ValidationType
		received   uint64
		want       bool
	}{
		{"exact amount", state.ValidationAddressAndAmount, 100, true},
		{"wrong amount", state.ValidationAddressAndAmount, 99, false},
		{"address only ignores amount", state.ValidationAddress, 7, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := mustOrder("order-1", "smr1order", 100, state.PayloadAwardFund)
			order.ValidationType = tt.validation
			ltx := ledgerTx("tx-1", sender, output("out-1", "smr1order", tt.received))

			if got := core.Match(ltx, ltx.Entries[0], order, nil) != nil; got != tt.want {
				t.Errorf("matched: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatch_LastMatchingOutputWins(t *testing.T) {
	order := mustOrder("order-1", "smr1order", 100, state.PayloadAwardFund)
	ltx := ledgerTx("tx-1", sender,
		output("out-1", "smr1order", 100),
		output("out-2", "smr1other", 100),
		output("out-3", "smr1order", 100),
	)

	m := core.Match(ltx, ltx.Entries[0], order, nil)
	if m == nil || m.To.OutputID != "out-3" {
		t.Fatalf("expected out-3, got %+v", m)
	}
}

func TestMatch_SkipsChange(t *testing.T) {
	order := mustOrder("order-1", sender, 100, state.PayloadAwardFund)
	ltx := ledgerTx("tx-1", sender, output("out-1", sender, 100))

	if m := core.Match(ltx, ltx.Entries[0], order, nil); m != nil {
		t.Errorf("change output must not match, got %+v", m)
	}

	// In an unlock execution the order address legitimately spends to itself
	unlock := &core.UnlockSource{UnlockID: "unlock-1", SenderAddress: "smr1original"}
	m := core.Match(ltx, ltx.Entries[0], order, unlock)
	if m == nil || m.From.Address != "smr1original" {
		t.Errorf("unlock flow: got %+v", m)
	}
}

func TestMatch_UnsupportedUnlockCondition(t *testing.T) {
	order := mustOrder("order-1", "smr1order", 100, state.PayloadAwardFund)
	entry := output("out-1", "smr1order", 100)
	entry.UnlockConditions = []event.UnlockCondition{{Type: event.UnlockConditionStorageDepositReturn, Address: sender, Amount: 50}}
	ltx := ledgerTx("tx-1", sender, entry)

	if m := core.Match(ltx, entry, order, nil); m != nil {
		t.Errorf("storage deposit return must not match, got %+v", m)
	}

	entry.UnlockConditions = []event.UnlockCondition{{Type: event.UnlockConditionExpiration, Address: sender}}
	ltx = ledgerTx("tx-1", sender, entry)
	if m := core.Match(ltx, entry, order, nil); m == nil {
		t.Error("expiration is a supported condition")
	}
}

// ============================================================================
// Test: Registry
// ============================================================================

func TestRegistry_CoversEveryPayloadType(t *testing.T) {
	r := core.NewRegistry()
	for _, pt := range []state.PayloadType{
		state.PayloadNftPurchase, state.PayloadNftBid, state.PayloadStake, state.PayloadTokenTrade,
		state.PayloadProposalVote, state.PayloadProposalCreate, state.PayloadSwap, state.PayloadAwardFund,
		state.PayloadAddressValidation, state.PayloadTangleRequest,
	} {
		if _, err := r.Lookup(pt); err != nil {
			t.Errorf("%s: %v", pt, err)
		}
	}
	if n := len(r.Types()); n != 10 {
		t.Errorf("registered types: got %d, want 10", n)
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	_, err := core.NewRegistry().Lookup("MINT_TOKEN")
	if !errors.Is(err, state.ErrInvalidTangleRequestType) {
		t.Errorf("got %v, want invalid_tangle_request_type", err)
	}
}

// ============================================================================
// Test: Request decoding
// ============================================================================

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"stake", `{"requestType":"STAKE","tokenId":"t","weeks":4}`, nil},
		{"empty", ``, state.ErrInvalidRequest},
		{"not json", `stake please`, state.ErrInvalidRequest},
		{"missing type", `{"tokenId":"t"}`, state.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := core.DecodeRequest(json.RawMessage(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err: got %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && (req.RequestType != core.RequestStake || req.Weeks != 4) {
				t.Errorf("decoded: got %+v", req)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	addr := mustBech32(t, "smr")
	if err := core.ValidateAddress(addr, "smr"); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
	if err := core.ValidateAddress(addr, "iota"); err == nil {
		t.Error("foreign prefix accepted")
	}
	if err := core.ValidateAddress("smr1notbech32", "smr"); err == nil {
		t.Error("garbage accepted")
	}
	if err := core.ValidateAddress(addr, ""); err == nil {
		t.Error("unknown network accepted")
	}
}

// ============================================================================
// Test: Idempotency tiers
// ============================================================================

type memoryTier struct {
	seen   map[string]bool
	marked []string
	err    error
}

func (m *memoryTier) IsProcessed(ctx context.Context, key string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.seen[key], nil
}

func (m *memoryTier) MarkProcessed(ctx context.Context, key string) error {
	m.marked = append(m.marked, key)
	return nil
}

func TestIdempotency_TierHitBackfillsEarlierTiers(t *testing.T) {
	ctx := context.Background()
	cache := &memoryTier{seen: map[string]bool{}}
	db := &memoryTier{seen: map[string]bool{"smr:tx-1": true}}
	ic := core.NewIdempotencyChecker(16, nil, zerolog.Nop(),
		core.Tier{Name: "redis", Checker: cache},
		core.Tier{Name: "postgres", Checker: db},
	)

	if !ic.IsDuplicate(ctx, "smr:tx-1") {
		t.Fatal("postgres hit must be a duplicate")
	}
	if len(cache.marked) != 1 || cache.marked[0] != "smr:tx-1" {
		t.Errorf("cache must be backfilled, got %v", cache.marked)
	}
	if len(db.marked) != 0 {
		t.Errorf("the hit tier must not be re-marked, got %v", db.marked)
	}

	// Now served from the LRU
	db.seen = map[string]bool{}
	if !ic.IsDuplicate(ctx, "smr:tx-1") {
		t.Error("LRU must remember the key")
	}
}

func TestIdempotency_FailingTierIsSkipped(t *testing.T) {
	ctx := context.Background()
	broken := &memoryTier{err: errors.New("connection refused")}
	ic := core.NewIdempotencyChecker(16, nil, zerolog.Nop(), core.Tier{Name: "redis", Checker: broken})

	if ic.IsDuplicate(ctx, "smr:tx-1") {
		t.Error("a failing tier must not report a duplicate")
	}
	ic.MarkProcessed(ctx, "smr:tx-1")
	if !ic.IsDuplicate(ctx, "smr:tx-1") {
		t.Error("marked key must be a duplicate")
	}
}

func TestIdempotencyLRU_Evicts(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Add("c")

	if lru.Contains("a") {
		t.Error("oldest key must be evicted")
	}
	if !lru.Contains("b") || !lru.Contains("c") {
		t.Error("recent keys must be kept")
	}
	if lru.Size() != 2 || lru.Evictions() != 1 {
		t.Errorf("size %d evictions %d", lru.Size(), lru.Evictions())
	}
}
