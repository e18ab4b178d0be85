package state

import (
	"TangleRecon/internal/event"
	"time"
)

// Member is a platform user. ValidatedAddress maps network -> address proven by deposit.
type Member struct {
	ID               string            `json:"id"`
	ValidatedAddress map[string]string `json:"validatedAddress,omitempty"`
}

// Space is a DAO
type Space struct {
	ID               string            `json:"id"`
	ValidatedAddress map[string]string `json:"validatedAddress,omitempty"`
}

// Award is a bounty funded by a single deposit
type Award struct {
	ID             string              `json:"id"`
	Space          string              `json:"space"`
	Network        string              `json:"network"`
	Funded         bool                `json:"funded"`
	FundedBy       string              `json:"fundedBy,omitempty"`
	FundedOn       *time.Time          `json:"fundedOn,omitempty"`
	FundingAddress string              `json:"fundingAddress,omitempty"`
	Amount         uint64              `json:"amount"`
	NativeTokens   []event.NativeToken `json:"nativeTokens,omitempty"`
}

// NotificationType names what a member is told about
type NotificationType string

const (
	NotificationHighestBid     NotificationType = "HIGHEST_BID"
	NotificationLostBid        NotificationType = "LOST_BID"
	NotificationWonAuction     NotificationType = "WON_AUCTION"
	NotificationSwapFulfilled  NotificationType = "SWAP_FULFILLED"
	NotificationAuctionExpired NotificationType = "AUCTION_EXPIRED"
)

// Notification is written with the rest of the batch and published after commit
type Notification struct {
	ID        string           `json:"id"`
	Member    string           `json:"member"`
	Type      NotificationType `json:"type"`
	Params    map[string]any   `json:"params,omitempty"`
	CreatedOn time.Time        `json:"createdOn"`
}
