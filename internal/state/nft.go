package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// NftStatus tracks where the NFT lives on the ledger
type NftStatus string

const (
	NftPreMinted NftStatus = "PRE_MINTED"
	NftMinted    NftStatus = "MINTED"
	NftWithdrawn NftStatus = "WITHDRAWN"
)

// Nft is a tradable item owned by a member
type Nft struct {
	ID             string     `json:"id"`
	Collection     string     `json:"collection"`
	Space          string     `json:"space,omitempty"`
	Owner          string     `json:"owner,omitempty"`
	Status         NftStatus  `json:"status"`
	Sold           bool       `json:"sold"`
	AvailablePrice uint64     `json:"availablePrice,omitempty"`
	AvailableFrom  *time.Time `json:"availableFrom,omitempty"`
	AuctionID      string     `json:"auctionId,omitempty"`
	HighestBid     uint64     `json:"auctionHighestBid,omitempty"`
	HighestBidder  string     `json:"auctionHighestBidder,omitempty"`
	Price          uint64     `json:"price,omitempty"`
	LastTradedOn   *time.Time `json:"lastTradedOn,omitempty"`
	TotalTrades    int        `json:"totalTrades"`
	OutputID       string     `json:"outputId,omitempty"`
}

// IsAvailableForSale reports whether a fixed-price purchase may settle now.
func (n *Nft) IsAvailableForSale(now time.Time) bool {
	return n.AvailableFrom != nil && !n.AvailableFrom.After(now)
}

// TransferTo is the ownership-transfer effect shared by purchases and auctions.
// It returns whether this was the first sale of the item.
func (n *Nft) TransferTo(owner string, price uint64, now time.Time) bool {
	firstSale := !n.Sold
	n.Owner = owner
	n.Sold = true
	n.Price = price
	n.AvailablePrice = 0
	n.AvailableFrom = nil
	n.AuctionID = ""
	n.HighestBid = 0
	n.HighestBidder = ""
	n.LastTradedOn = &now
	n.TotalTrades++
	return firstSale
}

// Collection groups NFTs and holds their trading stats
type Collection struct {
	ID             string          `json:"id"`
	Space          string          `json:"space"`
	Total          int             `json:"total"`
	Sold           int             `json:"sold"`
	TotalTrades    int             `json:"totalTrades"`
	LastTradedOn   *time.Time      `json:"lastTradedOn,omitempty"`
	RoyaltiesFee   decimal.Decimal `json:"royaltiesFee"`
	RoyaltiesSpace string          `json:"royaltiesSpace,omitempty"`
}

// MirrorAuction copies the auction's leading bid onto the item.
func (n *Nft) MirrorAuction(a *Auction) {
	n.HighestBid = a.AuctionHighestBid
	n.HighestBidder = a.AuctionHighestBidder
}

// RecordTrade bumps the trading stats after an ownership transfer.
func (c *Collection) RecordTrade(firstSale bool, now time.Time) {
	if firstSale {
		c.Sold++
	}
	c.TotalTrades++
	c.LastTradedOn = &now
}
