package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// ValidationType decides how strictly a deposit must match an order
type ValidationType string

const (
	ValidationAddress          ValidationType = "ADDRESS"
	ValidationAddressAndAmount ValidationType = "ADDRESS_AND_AMOUNT"
)

// PayloadType is the dispatch discriminator of an order
type PayloadType string

const (
	PayloadNftPurchase       PayloadType = "NFT_PURCHASE"
	PayloadNftBid            PayloadType = "NFT_BID"
	PayloadStake             PayloadType = "STAKE"
	PayloadTokenTrade        PayloadType = "TOKEN_TRADE"
	PayloadProposalVote      PayloadType = "PROPOSAL_VOTE"
	PayloadProposalCreate    PayloadType = "PROPOSAL_CREATE"
	PayloadSwap              PayloadType = "SWAP"
	PayloadAwardFund         PayloadType = "AWARD_FUND"
	PayloadAddressValidation PayloadType = "ADDRESS_VALIDATION"
	PayloadTangleRequest     PayloadType = "TANGLE_REQUEST"
)

// EntityType distinguishes members from spaces where either can own something
type EntityType string

const (
	EntityMember EntityType = "MEMBER"
	EntitySpace  EntityType = "SPACE"
)

// TokenRef is the token metadata copied onto payments
type TokenRef struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol,omitempty"`
}

// Order is an intent issued earlier by the platform, bound to a unique receiving
// address. It is consumed once: the terminal state is Reconciled or Void.
type Order struct {
	ID                 string         `json:"id"`
	Member             string         `json:"member,omitempty"`
	Space              string         `json:"space,omitempty"`
	Network            string         `json:"network"`
	TargetAddress      string         `json:"targetAddress"`
	Amount             uint64         `json:"amount"`
	ValidationType     ValidationType `json:"validationType"`
	ExpiresOn          time.Time      `json:"expiresOn"`
	Reconciled         bool           `json:"reconciled"`
	Void               bool           `json:"void"`
	ChainReference     string         `json:"chainReference,omitempty"`
	PayloadType        PayloadType    `json:"payloadType"`
	TangleRequest      bool           `json:"tangleRequest,omitempty"`
	LinkedTransactions []string       `json:"linkedTransactions,omitempty"`
	CreatedOn          time.Time      `json:"createdOn"`

	Token      *TokenRef               `json:"token,omitempty"`
	Nft        *NftOrder               `json:"nft,omitempty"`
	Stake      *StakeOrder             `json:"stake,omitempty"`
	Trade      *TradeOrder             `json:"trade,omitempty"`
	Vote       *VoteOrder              `json:"vote,omitempty"`
	Proposal   *ProposalOrder          `json:"proposal,omitempty"`
	Swap       *SwapOrder              `json:"swap,omitempty"`
	Award      *AwardOrder             `json:"award,omitempty"`
	Validation *AddressValidationOrder `json:"validation,omitempty"`
}

// IsExpired reports whether the order's deadline passed before now.
// Orders without a deadline never expire.
func (o *Order) IsExpired(now time.Time) bool {
	return !o.ExpiresOn.IsZero() && o.ExpiresOn.Before(now)
}

// IsSettled reports whether the order reached a terminal state.
func (o *Order) IsSettled() bool {
	return o.Reconciled || o.Void
}

// NftOrder carries what a purchase or a bid needs to settle.
// Beneficiary receives the sale; royalties go to RoyaltiesSpaceAddress when set.
type NftOrder struct {
	NftID                 string          `json:"nftId"`
	CollectionID          string          `json:"collectionId"`
	AuctionID             string          `json:"auctionId,omitempty"`
	Beneficiary           string          `json:"beneficiary"`
	BeneficiaryType       EntityType      `json:"beneficiaryType"`
	BeneficiaryAddress    string          `json:"beneficiaryAddress"`
	RoyaltiesFee          decimal.Decimal `json:"royaltiesFee"`
	RoyaltiesSpace        string          `json:"royaltiesSpace,omitempty"`
	RoyaltiesSpaceAddress string          `json:"royaltiesSpaceAddress,omitempty"`
	PreviousOwner         string          `json:"previousOwner,omitempty"`
}

type StakeOrder struct {
	TokenID string    `json:"tokenId"`
	Weeks   int       `json:"weeks"`
	Type    StakeType `json:"type"`
}

type TradeOrder struct {
	TokenID string    `json:"tokenId"`
	Type    TradeType `json:"type"`
	Count   uint64    `json:"count"`
	Price   uint64    `json:"price"`
}

type VoteOrder struct {
	ProposalID string `json:"proposalId"`
	TokenID    string `json:"tokenId"`
	Value      int    `json:"value"`
}

type ProposalOrder struct {
	ProposalID string `json:"proposalId"`
}

type SwapOrder struct {
	SwapID string `json:"swapId"`
}

type AwardOrder struct {
	AwardID string `json:"awardId"`
}

type AddressValidationOrder struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
}
