package core

import (
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/ledger"
	"TangleRecon/internal/state"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// load reads one document and maps a missing document to notFound.
func load[T any](ctx context.Context, tx docstore.Reader, collection, id string, notFound error) (*T, error) {
	if id == "" {
		return nil, notFound
	}
	v, err := docstore.Get[T](ctx, tx, collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, notFound
	}
	return v, err
}

func newNotification(member string, t state.NotificationType, now time.Time, params map[string]any) state.Notification {
	return state.Notification{
		ID:        uuid.NewString(),
		Member:    member,
		Type:      t,
		Params:    params,
		CreatedOn: now,
	}
}

// refundBid credits a bid that lost its place back to the bidder's address.
func refundBid(f *ledger.Factory, network string, bid state.AuctionBid, creditType ledger.CreditType, now time.Time) *ledger.Transaction {
	source := bid.Order
	if len(bid.Payments) > 0 {
		source = bid.Payments[0]
	}
	order := &state.Order{ID: bid.Order, Network: network, Member: bid.Bidder}
	return f.CreateRefund(creditType, order, source, bid.TargetAddress, bid.BidderAddress, bid.Amount, now)
}

// invalidatePayments flags the payments behind a bid that is being credited
// back. current is the payment of the deposit being handled, if any.
func invalidatePayments(ctx context.Context, tx docstore.Reader, b *ledger.Batch, ids []string, current *ledger.Transaction) error {
	for _, id := range ids {
		if current != nil && id == current.ID {
			current.Payment.InvalidPayment = true
			continue
		}
		payment, err := load[ledger.Transaction](ctx, tx, docstore.Transactions, id, docstore.ErrNotFound)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if payment.Payment == nil || payment.Payment.InvalidPayment {
			continue
		}
		payment.Payment.InvalidPayment = true
		b.Set(docstore.Transactions, payment.ID, payment)
	}
	return nil
}

func handleNftPurchase(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	params := hc.Order.Nft
	if params == nil {
		return nil, state.ErrInvalidRequest
	}

	nft, err := load[state.Nft](ctx, hc.Tx, docstore.Nfts, params.NftID, state.ErrNftNotFound)
	if err != nil {
		return nil, err
	}
	if !nft.IsAvailableForSale(hc.Now) || nft.Owner != params.PreviousOwner {
		return nil, state.ErrNftNotAvailable
	}
	collection, err := load[state.Collection](ctx, hc.Tx, docstore.Collections, nft.Collection, state.ErrNftNotFound)
	if err != nil {
		return nil, err
	}

	effect := newEffect(hc)
	b := effect.Batch

	for _, bill := range hc.Factory.CreateBillPayment(hc.Order, hc.Payment, ledger.NftBeneficiary(params), hc.Now) {
		b.AddTransaction(bill)
	}

	// A fixed-price sale ends any auction running on the item
	if nft.AuctionID != "" {
		auction, err := load[state.Auction](ctx, hc.Tx, docstore.Auctions, nft.AuctionID, state.ErrAuctionNotFound)
		if err != nil && !errors.Is(err, state.ErrAuctionNotFound) {
			return nil, err
		}
		if auction != nil && auction.Active {
			for _, bid := range auction.Cancel() {
				if err := invalidatePayments(ctx, hc.Tx, b, bid.Payments, hc.Payment); err != nil {
					return nil, err
				}
				b.AddDetachedTransaction(refundBid(hc.Factory, auction.Network, bid, ledger.CreditAuctionCancelled, hc.Now))
			}
			b.Set(docstore.Auctions, auction.ID, auction)
		}
	}

	firstSale := nft.TransferTo(hc.Owner, hc.Payment.Payment.Amount, hc.Now)
	collection.RecordTrade(firstSale, hc.Now)

	if hc.Order.TangleRequest && nft.Status == state.NftMinted {
		b.AddTransaction(hc.Factory.CreateWithdrawNft(hc.Order, nft, hc.Order.TargetAddress, hc.Match.From.Address, hc.Now))
		nft.Status = state.NftWithdrawn
	}

	b.Set(docstore.Nfts, nft.ID, nft)
	b.Set(docstore.Collections, collection.ID, collection)

	reconcileUnlessRequest(hc)
	effect.Response = map[string]any{"nft": nft.ID, "owner": nft.Owner}
	return effect, nil
}

func handleNftBid(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	if hc.Order.Nft == nil {
		return nil, state.ErrInvalidRequest
	}
	return placeBid(ctx, hc, hc.Order.Nft.AuctionID)
}

// placeBid runs the bidding engine for the deposit. The order stays open in
// top-up mode so later deposits to the same address keep accumulating.
func placeBid(ctx context.Context, hc *HandlerContext, auctionID string) (*Effect, error) {
	auction, err := load[state.Auction](ctx, hc.Tx, docstore.Auctions, auctionID, state.ErrAuctionNotFound)
	if err != nil {
		return nil, err
	}
	if !auction.IsOpen(hc.Now) {
		return nil, state.ErrAuctionNotActive
	}
	if auction.Seller == hc.Owner {
		return nil, state.ErrBidderIsOwner
	}
	nft, err := load[state.Nft](ctx, hc.Tx, docstore.Nfts, auction.NftID, state.ErrNftNotFound)
	if err != nil {
		return nil, err
	}

	value := hc.Payment.Payment.Amount
	bid := state.AuctionBid{
		Bidder:        hc.Owner,
		BidderAddress: hc.Match.From.Address,
		TargetAddress: hc.Order.TargetAddress,
		Amount:        value,
		Order:         hc.Order.ID,
		Payments:      []string{hc.Payment.ID},
	}

	effect := newEffect(hc)
	b := effect.Batch

	if err := auction.CheckBid(hc.Owner, value); err != nil {
		if !auction.TopUpBased || !errors.Is(err, state.ErrBidBelowFloor) || value < auction.MinimalBidIncrement {
			return nil, err
		}
		auction.AddPendingTopUp(bid)
		b.Set(docstore.Auctions, auction.ID, auction)
		effect.Response = map[string]any{"auction": auction.ID, "pending": auction.PriorBidAmount(hc.Owner)}
		return effect, nil
	}

	previousLeader := auction.AuctionHighestBidder
	if invalid := auction.PlaceBid(bid); invalid != nil {
		if err := invalidatePayments(ctx, hc.Tx, b, invalid.Payments, hc.Payment); err != nil {
			return nil, err
		}
		b.AddDetachedTransaction(refundBid(hc.Factory, auction.Network, *invalid, ledger.CreditInvalidBid, hc.Now))
		if invalid.Bidder != hc.Owner {
			b.Notify(newNotification(invalid.Bidder, state.NotificationLostBid, hc.Now, map[string]any{
				"auction": auction.ID,
				"nft":     auction.NftID,
				"amount":  invalid.Amount,
			}))
		}
	}
	auction.ExtendIfClosing(hc.Now)

	if leader := auction.AuctionHighestBidder; leader != previousLeader && leader != "" {
		b.Notify(newNotification(leader, state.NotificationHighestBid, hc.Now, map[string]any{
			"auction": auction.ID,
			"nft":     auction.NftID,
			"amount":  auction.AuctionHighestBid,
		}))
	}

	nft.MirrorAuction(auction)
	b.Set(docstore.Auctions, auction.ID, auction)
	b.Set(docstore.Nfts, nft.ID, nft)

	if !auction.TopUpBased {
		reconcileUnlessRequest(hc)
	}
	effect.Response = map[string]any{
		"auction":    auction.ID,
		"highestBid": auction.AuctionHighestBid,
		"auctionTo":  auction.AuctionTo,
	}
	return effect, nil
}

// auctionBeneficiary derives the seller settlement and the collection royalty
// split from the auction and its collection.
func auctionBeneficiary(ctx context.Context, tx docstore.Reader, auction *state.Auction, nft *state.Nft, collection *state.Collection) (ledger.Beneficiary, error) {
	b := ledger.Beneficiary{
		ID:            auction.Seller,
		Type:          state.EntityMember,
		Address:       auction.SellerAddress,
		RoyaltiesFee:  collection.RoyaltiesFee,
		PreviousOwner: nft.Owner,
		Nft:           nft.ID,
		Collection:    collection.ID,
	}
	if collection.RoyaltiesSpace == "" || collection.RoyaltiesFee.IsZero() {
		return b, nil
	}
	space, err := load[state.Space](ctx, tx, docstore.Spaces, collection.RoyaltiesSpace, state.ErrEntityNotFound)
	if errors.Is(err, state.ErrEntityNotFound) {
		return b, nil
	}
	if err != nil {
		return b, err
	}
	b.RoyaltiesSpace = space.ID
	b.RoyaltiesAddress = space.ValidatedAddress[auction.Network]
	return b, nil
}

// finalizeAuction closes an auction whose end time passed: the winner's payments
// are bill-paid, every other bid is refunded and the item changes owner.
// It returns a nil batch when there is nothing to do.
func finalizeAuction(ctx context.Context, tx docstore.Tx, f *ledger.Factory, auctionID string, now time.Time) (*ledger.Batch, *state.AuctionBid, error) {
	auction, err := load[state.Auction](ctx, tx, docstore.Auctions, auctionID, docstore.ErrNotFound)
	if err != nil {
		return nil, nil, err
	}
	if !auction.HasEnded(now) {
		return nil, nil, nil
	}
	nft, err := load[state.Nft](ctx, tx, docstore.Nfts, auction.NftID, docstore.ErrNotFound)
	if err != nil {
		return nil, nil, err
	}

	b := ledger.NewBatch("auction:" + auction.ID)
	winner, refunds := auction.Close()

	for _, bid := range refunds {
		if err := invalidatePayments(ctx, tx, b, bid.Payments, nil); err != nil {
			return nil, nil, err
		}
		b.AddDetachedTransaction(refundBid(f, auction.Network, bid, ledger.CreditInvalidBid, now))
		b.Notify(newNotification(bid.Bidder, state.NotificationLostBid, now, map[string]any{
			"auction": auction.ID,
			"nft":     nft.ID,
			"amount":  bid.Amount,
		}))
	}

	if winner == nil {
		nft.AuctionID = ""
		nft.MirrorAuction(auction)
		b.Set(docstore.Auctions, auction.ID, auction)
		b.Set(docstore.Nfts, nft.ID, nft)
		b.Notify(newNotification(auction.Seller, state.NotificationAuctionExpired, now, map[string]any{
			"auction": auction.ID,
			"nft":     nft.ID,
		}))
		return b, nil, nil
	}

	collection, err := load[state.Collection](ctx, tx, docstore.Collections, nft.Collection, docstore.ErrNotFound)
	if err != nil {
		return nil, nil, err
	}
	order, err := load[state.Order](ctx, tx, docstore.Orders, winner.Order, docstore.ErrNotFound)
	if err != nil {
		return nil, nil, err
	}
	beneficiary, err := auctionBeneficiary(ctx, tx, auction, nft, collection)
	if err != nil {
		return nil, nil, err
	}

	var linked []string
	for _, paymentID := range winner.Payments {
		payment, err := load[ledger.Transaction](ctx, tx, docstore.Transactions, paymentID, docstore.ErrNotFound)
		if err != nil {
			return nil, nil, err
		}
		if payment.Payment == nil || payment.Payment.InvalidPayment {
			continue
		}
		for _, bill := range f.CreateBillPayment(order, payment, beneficiary, now) {
			b.AddDetachedTransaction(bill)
			linked = append(linked, bill.ID)
		}
	}

	firstSale := nft.TransferTo(winner.Bidder, winner.Amount, now)
	collection.RecordTrade(firstSale, now)

	if order.TangleRequest && nft.Status == state.NftMinted {
		withdraw := f.CreateWithdrawNft(order, nft, order.TargetAddress, winner.BidderAddress, now)
		b.AddDetachedTransaction(withdraw)
		linked = append(linked, withdraw.ID)
		nft.Status = state.NftWithdrawn
	}

	order.LinkedTransactions = append(order.LinkedTransactions, linked...)
	if order.PayloadType != state.PayloadTangleRequest {
		ledger.MarkAsReconciled(order, "auction:"+auction.ID)
	}

	b.Set(docstore.Auctions, auction.ID, auction)
	b.Set(docstore.Nfts, nft.ID, nft)
	b.Set(docstore.Collections, collection.ID, collection)
	b.Set(docstore.Orders, order.ID, order)
	b.Notify(newNotification(winner.Bidder, state.NotificationWonAuction, now, map[string]any{
		"auction": auction.ID,
		"nft":     nft.ID,
		"amount":  winner.Amount,
	}))

	return b, winner, nil
}
