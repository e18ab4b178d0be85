package core

import (
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/ledger"
	"TangleRecon/internal/state"
	"context"
	"errors"
)

// handleSwap adds the deposit to the swap and, on the deposit that completes the
// asks, transfers both sides at once. The order stays open until then.
func handleSwap(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	if hc.Order.Swap == nil {
		return nil, state.ErrInvalidRequest
	}
	swap, err := load[state.Swap](ctx, hc.Tx, docstore.Swaps, hc.Order.Swap.SwapID, state.ErrSwapNotFound)
	if err != nil {
		return nil, err
	}
	if swap.Status != state.SwapOpen {
		return nil, state.ErrSwapNotOpen
	}
	if err := swap.AcceptEntry(hc.Entry); err != nil {
		return nil, err
	}

	swap.FulfilledBy = hc.Owner
	swap.FulfilledByAddress = hc.Match.From.Address
	swap.Payments = append(swap.Payments, hc.Payment.ID)

	effect := newEffect(hc)
	b := effect.Batch

	if !state.AsksAreFulfilled(swap) {
		b.Set(docstore.Swaps, swap.ID, swap)
		effect.Response = map[string]any{"swap": swap.ID, "fulfilled": false}
		return effect, nil
	}

	// Creator's bids go to the counterparty, the received asks go to the creator
	b.AddTransaction(hc.Factory.CreateTransfer(hc.Order, ledger.AssetTransfer{
		SourceAddress: swap.Address,
		TargetAddress: swap.FulfilledByAddress,
		Beneficiary:   swap.FulfilledBy,
		Amount:        swap.Bids.BaseTokenAmount,
		NativeTokens:  swap.Bids.NativeTokens,
		Nfts:          swap.Bids.Nfts,
	}, hc.Now))
	b.AddTransaction(hc.Factory.CreateTransfer(hc.Order, ledger.AssetTransfer{
		SourceAddress: swap.Address,
		TargetAddress: swap.CreatorAddress,
		Beneficiary:   swap.Creator,
		Amount:        swap.Fulfilled.BaseTokenAmount,
		NativeTokens:  swap.Fulfilled.NativeTokens,
		Nfts:          swap.Fulfilled.Nfts,
	}, hc.Now))

	if err := transferNfts(ctx, hc, b, swap.Bids.Nfts, swap.FulfilledBy); err != nil {
		return nil, err
	}
	if err := transferNfts(ctx, hc, b, swap.Fulfilled.Nfts, swap.Creator); err != nil {
		return nil, err
	}

	swap.Status = state.SwapFulfilled
	now := hc.Now
	swap.FulfilledOn = &now
	b.Set(docstore.Swaps, swap.ID, swap)
	b.Notify(newNotification(swap.Creator, state.NotificationSwapFulfilled, hc.Now, map[string]any{
		"swap":        swap.ID,
		"fulfilledBy": swap.FulfilledBy,
	}))

	reconcileUnlessRequest(hc)
	effect.Response = map[string]any{"swap": swap.ID, "fulfilled": true}
	return effect, nil
}

// transferNfts moves platform-known NFTs to owner. NFTs minted elsewhere have no
// document and are only moved on the ledger.
func transferNfts(ctx context.Context, hc *HandlerContext, b *ledger.Batch, ids []string, owner string) error {
	for _, id := range ids {
		nft, err := load[state.Nft](ctx, hc.Tx, docstore.Nfts, id, docstore.ErrNotFound)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		nft.TransferTo(owner, 0, hc.Now)
		b.Set(docstore.Nfts, nft.ID, nft)
	}
	return nil
}
