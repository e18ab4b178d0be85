package core

import (
	"TangleRecon/internal/event"
	"TangleRecon/internal/ledger"
	"TangleRecon/internal/state"
)

// UnlockSource is the earlier ledger transaction an unlock execution settles.
// Its sender is the real source of funds for the follow-up transaction.
type UnlockSource struct {
	UnlockID      string
	SenderAddress string
}

// Match decides whether ledgerTx satisfies order and returns the pairing used by
// the factory, or nil.
//
// An entry carrying an unlock condition other than address or expiration never
// matches. Outputs returning to one of the transaction's own inputs are change,
// except in an unlock execution where the order address spends to itself.
// When several outputs qualify the last one wins.
func Match(ledgerTx *event.LedgerTransaction, entry event.LedgerEntry, order *state.Order, unlock *UnlockSource) *ledger.TransactionMatch {
	if entry.HasUnsupportedUnlockCondition() {
		return nil
	}

	source := ledgerTx.SenderAddress()
	if unlock != nil && unlock.SenderAddress != "" {
		source = unlock.SenderAddress
	}

	var match *ledger.TransactionMatch
	for _, out := range ledgerTx.Entries {
		if unlock == nil && ledgerTx.IsInputAddress(out.Address) {
			continue
		}
		if out.Address != order.TargetAddress {
			continue
		}
		if out.Amount != order.Amount && order.ValidationType != state.ValidationAddress {
			continue
		}
		match = &ledger.TransactionMatch{
			MsgID: ledgerTx.ID,
			From:  event.LedgerEntry{Address: source, Amount: out.Amount},
			To:    out,
		}
	}
	return match
}
