package state

import "fmt"

// BusinessError is a rule violation with a stable code. It never aborts a commit:
// the orchestrator turns it into a credit carrying {status:"error", code, message}.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any BusinessError with the same code, so wrapped copies compare equal.
func (e *BusinessError) Is(target error) bool {
	t, ok := target.(*BusinessError)
	return ok && t.Code == e.Code
}

// Response is the payload stored on the credit created for this error.
func (e *BusinessError) Response() map[string]any {
	return map[string]any{
		"status":  "error",
		"code":    e.Code,
		"message": e.Message,
	}
}

func newBusinessError(code, message string) *BusinessError {
	return &BusinessError{Code: code, Message: message}
}

var (
	ErrInvalidTangleRequestType = newBusinessError("invalid_tangle_request_type", "request type is not supported")
	ErrInvalidRequest           = newBusinessError("invalid_request", "request payload could not be decoded")

	ErrNftNotFound       = newBusinessError("nft_does_not_exists", "nft does not exist")
	ErrNftNotAvailable   = newBusinessError("nft_not_available_for_sale", "nft is not available for sale")
	ErrAuctionNotFound   = newBusinessError("auction_does_not_exist", "auction does not exist")
	ErrAuctionNotActive  = newBusinessError("auction_not_active", "auction is not active")
	ErrBidBelowFloor     = newBusinessError("bid_below_floor_price", "bid is below the auction floor price")
	ErrBidBelowIncrement = newBusinessError("bid_below_minimal_increment", "bid does not meet the minimal bid increment")
	ErrBidNotHighEnough  = newBusinessError("bid_not_high_enough", "bid does not beat the current bids")
	ErrBidderIsOwner     = newBusinessError("bidder_is_owner", "owner cannot bid on their own nft")

	ErrProposalNotFound        = newBusinessError("proposal_does_not_exists", "proposal does not exist")
	ErrProposalNotApproved     = newBusinessError("proposal_is_not_approved", "proposal is not approved")
	ErrProposalRejected        = newBusinessError("proposal_is_rejected", "proposal is rejected")
	ErrVoteNotActive           = newBusinessError("vote_is_no_longer_active", "proposal is not accepting votes")
	ErrInvalidVoteValue        = newBusinessError("value_does_not_exists", "vote value is not one of the answers")
	ErrProposalAlreadyApproved = newBusinessError("proposal_already_approved", "proposal is already approved")

	ErrTokenNotFound     = newBusinessError("token_does_not_exist", "token does not exist")
	ErrNoStakedToken     = newBusinessError("no_staked_token", "output carries no tokens to stake")
	ErrInvalidStakeWeeks = newBusinessError("invalid_stake_period", "stake period must be between 1 and 52 weeks")
	ErrNoTradeTokens     = newBusinessError("no_tokens_to_trade", "output carries no tokens to sell")
	ErrInvalidTrade      = newBusinessError("invalid_trade_order", "count and price must be positive")
	ErrNoVoteTokens      = newBusinessError("no_tokens_to_vote", "output carries no voting tokens")

	ErrSwapNotFound       = newBusinessError("swap_does_not_exist", "swap does not exist")
	ErrSwapNotOpen        = newBusinessError("swap_not_open", "swap is no longer open")
	ErrSwapAssetNotAsked  = newBusinessError("swap_asset_not_requested", "deposit contains assets the swap did not ask for")
	ErrAwardNotFound      = newBusinessError("award_does_not_exist", "award does not exist")
	ErrAwardAlreadyFunded = newBusinessError("award_already_funded", "award is already funded")
	ErrInvalidAddress     = newBusinessError("invalid_address", "address is not valid for the network")
	ErrEntityNotFound     = newBusinessError("entity_does_not_exist", "member or space does not exist")
)
