package state

import (
	"sort"
	"time"
)

// AuctionBid is one bidder's standing bid. Payments lists every payment backing it:
// a single one in highest-bid mode, one per top-up otherwise. TargetAddress holds
// the funds until the auction settles.
type AuctionBid struct {
	Bidder        string   `json:"bidder"`
	BidderAddress string   `json:"bidderAddress,omitempty"`
	TargetAddress string   `json:"targetAddress,omitempty"`
	Amount        uint64   `json:"amount"`
	Order         string   `json:"order"`
	Payments      []string `json:"payments"`
}

// Auction holds the ranked bids on an NFT.
// Invariant: Bids is sorted by Amount descending and len(Bids) <= MaxBids.
type Auction struct {
	ID                    string        `json:"id"`
	Space                 string        `json:"space,omitempty"`
	Network               string        `json:"network"`
	NftID                 string        `json:"nftId"`
	Seller                string        `json:"seller"`
	SellerAddress         string        `json:"sellerAddress"`
	AuctionFrom           time.Time     `json:"auctionFrom"`
	AuctionTo             time.Time     `json:"auctionTo"`
	AuctionLength         time.Duration `json:"auctionLength"`
	ExtendedAuctionTo     time.Time     `json:"extendedAuctionTo"`
	ExtendedAuctionLength time.Duration `json:"extendedAuctionLength"`
	ExtendAuctionWithin   time.Duration `json:"extendAuctionWithin"`
	AuctionFloorPrice     uint64        `json:"auctionFloorPrice"`
	MinimalBidIncrement   uint64        `json:"minimalBidIncrement"`
	TopUpBased            bool          `json:"topUpBased"`
	MaxBids               int           `json:"maxBids"`
	Bids                  []AuctionBid  `json:"bids"`
	PendingTopUps         []AuctionBid  `json:"pendingTopUps,omitempty"`
	AuctionHighestBid     uint64        `json:"auctionHighestBid"`
	AuctionHighestBidder  string        `json:"auctionHighestBidder,omitempty"`
	Active                bool          `json:"active"`
}

// IsOpen reports whether bids may be placed at now.
func (a *Auction) IsOpen(now time.Time) bool {
	return a.Active && !now.Before(a.AuctionFrom) && now.Before(a.AuctionTo)
}

// HasEnded reports whether the auction is active but past its close time.
func (a *Auction) HasEnded(now time.Time) bool {
	return a.Active && !now.Before(a.AuctionTo)
}

func (a *Auction) maxBids() int {
	if a.MaxBids <= 0 {
		return 1
	}
	return a.MaxBids
}

func (a *Auction) bidIndex(bidder string) int {
	for i := range a.Bids {
		if a.Bids[i].Bidder == bidder {
			return i
		}
	}
	return -1
}

func (a *Auction) pendingIndex(bidder string) int {
	for i := range a.PendingTopUps {
		if a.PendingTopUps[i].Bidder == bidder {
			return i
		}
	}
	return -1
}

// lowestKeptBid is the amount a new bidder must beat. Zero while slots are free.
func (a *Auction) lowestKeptBid() uint64 {
	if len(a.Bids) < a.maxBids() {
		return 0
	}
	return a.Bids[len(a.Bids)-1].Amount
}

// PriorBidAmount is what the bidder already committed: their kept bid, or
// their pending top-up total when they have not reached the floor yet.
func (a *Auction) PriorBidAmount(bidder string) uint64 {
	if i := a.bidIndex(bidder); i >= 0 {
		return a.Bids[i].Amount
	}
	if i := a.pendingIndex(bidder); i >= 0 {
		return a.PendingTopUps[i].Amount
	}
	return 0
}

// CheckBid validates a new payment of amount from bidder and names the rule it breaks.
func (a *Auction) CheckBid(bidder string, amount uint64) error {
	prior := a.PriorBidAmount(bidder)

	if a.TopUpBased {
		if prior+amount < a.AuctionFloorPrice {
			return ErrBidBelowFloor
		}
		if amount < a.MinimalBidIncrement {
			return ErrBidBelowIncrement
		}
		if a.bidIndex(bidder) < 0 && prior+amount <= a.lowestKeptBid() {
			return ErrBidNotHighEnough
		}
		return nil
	}

	if amount <= a.AuctionHighestBid {
		return ErrBidNotHighEnough
	}
	if amount < a.AuctionFloorPrice {
		return ErrBidBelowFloor
	}
	if amount < prior || amount-prior < a.MinimalBidIncrement {
		return ErrBidBelowIncrement
	}
	return nil
}

// IsValidBid is CheckBid as a predicate.
func (a *Auction) IsValidBid(bidder string, amount uint64) bool {
	return a.CheckBid(bidder, amount) == nil
}

// AddPendingTopUp parks a top-up payment that does not reach the floor on its own.
// It is folded into the bidder's bid by a later PlaceBid.
func (a *Auction) AddPendingTopUp(bid AuctionBid) {
	if i := a.pendingIndex(bid.Bidder); i >= 0 {
		p := &a.PendingTopUps[i]
		p.Amount += bid.Amount
		p.Payments = append(p.Payments, bid.Payments...)
		return
	}
	a.PendingTopUps = append(a.PendingTopUps, bid)
}

// PlaceBid records an accepted bid and returns the bid that lost its place, if any.
// The returned bid must be credited back in full.
func (a *Auction) PlaceBid(bid AuctionBid) *AuctionBid {
	var invalid *AuctionBid

	i := a.bidIndex(bid.Bidder)
	switch {
	case a.TopUpBased && i >= 0:
		existing := &a.Bids[i]
		existing.Amount += bid.Amount
		existing.Payments = append(existing.Payments, bid.Payments...)

	case a.TopUpBased:
		if p := a.pendingIndex(bid.Bidder); p >= 0 {
			pending := a.PendingTopUps[p]
			bid.Amount += pending.Amount
			bid.Payments = append(pending.Payments, bid.Payments...)
			a.PendingTopUps = append(a.PendingTopUps[:p], a.PendingTopUps[p+1:]...)
		}
		a.Bids = append(a.Bids, bid)

	case i >= 0:
		// A bidder never pays more than their single best bid; the other one is returned.
		existing := a.Bids[i]
		if bid.Amount > existing.Amount {
			a.Bids[i] = bid
			invalid = &existing
		} else {
			invalid = &bid
		}

	default:
		a.Bids = append(a.Bids, bid)
	}

	sort.SliceStable(a.Bids, func(x, y int) bool {
		return a.Bids[x].Amount > a.Bids[y].Amount
	})

	if limit := a.maxBids(); len(a.Bids) > limit {
		evicted := a.Bids[limit]
		a.Bids = a.Bids[:limit]
		invalid = &evicted
	}

	a.refreshHighest()
	return invalid
}

func (a *Auction) refreshHighest() {
	if len(a.Bids) == 0 {
		a.AuctionHighestBid = 0
		a.AuctionHighestBidder = ""
		return
	}
	a.AuctionHighestBid = a.Bids[0].Amount
	a.AuctionHighestBidder = a.Bids[0].Bidder
}

// ExtendIfClosing applies the soft-close rule after an accepted bid: when the
// auction has not been extended yet and closes within ExtendAuctionWithin,
// the close time moves to ExtendedAuctionTo.
func (a *Auction) ExtendIfClosing(now time.Time) bool {
	if a.AuctionLength >= a.ExtendedAuctionLength {
		return false
	}
	if a.AuctionTo.Sub(now) >= a.ExtendAuctionWithin {
		return false
	}
	a.AuctionTo = a.ExtendedAuctionTo
	a.AuctionLength = a.ExtendedAuctionLength
	return true
}

// Close deactivates the auction and returns the winning bid plus every bid that
// must be refunded: kept losers and top-ups that never reached the floor.
func (a *Auction) Close() (winner *AuctionBid, refunds []AuctionBid) {
	a.Active = false
	if len(a.Bids) > 0 {
		w := a.Bids[0]
		winner = &w
		refunds = append(refunds, a.Bids[1:]...)
	}
	refunds = append(refunds, a.PendingTopUps...)
	a.PendingTopUps = nil
	return winner, refunds
}

// Cancel deactivates the auction without a winner and returns every bid to refund.
func (a *Auction) Cancel() []AuctionBid {
	a.Active = false
	refunds := append([]AuctionBid{}, a.Bids...)
	refunds = append(refunds, a.PendingTopUps...)
	a.Bids = nil
	a.PendingTopUps = nil
	a.refreshHighest()
	return refunds
}
