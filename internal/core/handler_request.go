package core

import (
	"TangleRecon/internal/state"
	"context"
	"encoding/json"
)

// RequestType names an operation sent as output metadata to the request address
type RequestType string

const (
	RequestStake        RequestType = "STAKE"
	RequestProposalVote RequestType = "PROPOSAL_VOTE"
	RequestNftBid       RequestType = "NFT_BID"
)

// TangleRequest is the decoded metadata of a request output.
type TangleRequest struct {
	RequestType RequestType     `json:"requestType"`
	TokenID     string          `json:"tokenId,omitempty"`
	Weeks       int             `json:"weeks,omitempty"`
	StakeType   state.StakeType `json:"type,omitempty"`
	ProposalID  string          `json:"proposalId,omitempty"`
	Value       *int            `json:"value,omitempty"`
	AuctionID   string          `json:"auctionId,omitempty"`
}

// DecodeRequest parses raw request metadata. Missing or malformed metadata is
// ErrInvalidRequest.
func DecodeRequest(raw json.RawMessage) (*TangleRequest, error) {
	if len(raw) == 0 {
		return nil, state.ErrInvalidRequest
	}
	var req TangleRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, state.ErrInvalidRequest
	}
	if req.RequestType == "" {
		return nil, state.ErrInvalidRequest
	}
	return &req, nil
}

// handleTangleRequest routes a request deposit to the operation it names.
// The request order itself is never reconciled.
func handleTangleRequest(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	raw := hc.Request
	if len(raw) == 0 {
		raw = hc.Entry.Metadata
	}
	req, err := DecodeRequest(raw)
	if err != nil {
		return nil, err
	}

	switch req.RequestType {
	case RequestStake:
		return stake(ctx, hc, state.StakeOrder{TokenID: req.TokenID, Weeks: req.Weeks, Type: req.StakeType})
	case RequestProposalVote:
		if req.ProposalID == "" || req.Value == nil {
			return nil, state.ErrInvalidRequest
		}
		return vote(ctx, hc, req.ProposalID, *req.Value)
	case RequestNftBid:
		if req.AuctionID == "" {
			return nil, state.ErrInvalidRequest
		}
		return placeBid(ctx, hc, req.AuctionID)
	default:
		return nil, state.ErrInvalidTangleRequestType
	}
}
