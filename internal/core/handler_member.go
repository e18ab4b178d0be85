package core

import (
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/ledger"
	"TangleRecon/internal/state"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// minAddressPayload is the address type byte plus a 32 byte hash
const minAddressPayload = 33

// ValidateAddress checks that addr is a bech32 address of the network with prefix hrp.
func ValidateAddress(addr, hrp string) error {
	if hrp == "" {
		return fmt.Errorf("unknown network prefix")
	}
	gotHRP, data, err := bech32.Decode(addr)
	if err != nil {
		return fmt.Errorf("decode %q: %w", addr, err)
	}
	if gotHRP != hrp {
		return fmt.Errorf("address prefix %q, want %q", gotHRP, hrp)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return fmt.Errorf("convert %q: %w", addr, err)
	}
	if len(payload) < minAddressPayload {
		return fmt.Errorf("address payload is %d bytes", len(payload))
	}
	return nil
}

// handleAddressValidation proves ownership of the sender address. The deposit is
// credited straight back.
func handleAddressValidation(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	params := hc.Order.Validation
	if params == nil {
		return nil, state.ErrInvalidRequest
	}
	addr := hc.Match.From.Address
	if err := ValidateAddress(addr, hc.Config.HRP(hc.Order.Network)); err != nil {
		return nil, state.ErrInvalidAddress
	}

	effect := newEffect(hc)
	b := effect.Batch

	switch params.EntityType {
	case state.EntitySpace:
		space, err := load[state.Space](ctx, hc.Tx, docstore.Spaces, params.EntityID, state.ErrEntityNotFound)
		if err != nil {
			return nil, err
		}
		if space.ValidatedAddress == nil {
			space.ValidatedAddress = make(map[string]string)
		}
		space.ValidatedAddress[hc.Order.Network] = addr
		b.Set(docstore.Spaces, space.ID, space)
	default:
		member, err := load[state.Member](ctx, hc.Tx, docstore.Members, params.EntityID, state.ErrEntityNotFound)
		if err != nil {
			return nil, err
		}
		if member.ValidatedAddress == nil {
			member.ValidatedAddress = make(map[string]string)
		}
		member.ValidatedAddress[hc.Order.Network] = addr
		b.Set(docstore.Members, member.ID, member)
	}

	b.AddTransaction(hc.Factory.CreateCredit(ledger.CreditAddressValidation, hc.Payment, hc.Match, hc.Now, ledger.CreditOptions{}))

	reconcileUnlessRequest(hc)
	effect.Response = map[string]any{"address": addr}
	return effect, nil
}

// handleAwardFund funds an award with the deposited base amount and native tokens.
func handleAwardFund(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	if hc.Order.Award == nil {
		return nil, state.ErrInvalidRequest
	}
	award, err := load[state.Award](ctx, hc.Tx, docstore.Awards, hc.Order.Award.AwardID, state.ErrAwardNotFound)
	if err != nil {
		return nil, err
	}
	if award.Funded {
		return nil, state.ErrAwardAlreadyFunded
	}

	now := hc.Now
	award.Funded = true
	award.FundedBy = hc.Owner
	award.FundedOn = &now
	award.FundingAddress = hc.Match.From.Address
	award.Amount = hc.Payment.Payment.Amount
	award.NativeTokens = hc.Entry.NativeTokens

	effect := newEffect(hc)
	effect.Batch.Set(docstore.Awards, award.ID, award)

	reconcileUnlessRequest(hc)
	effect.Response = map[string]any{"award": award.ID, "amount": award.Amount}
	return effect, nil
}
