package core

import (
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/ledger"
	"TangleRecon/internal/state"
	"context"
	"errors"
	"time"
)

func handleProposalVote(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	if hc.Order.Vote == nil {
		return nil, state.ErrInvalidRequest
	}
	return vote(ctx, hc, hc.Order.Vote.ProposalID, hc.Order.Vote.Value)
}

// vote weighs the deposited proposal tokens by the remaining voting window.
// The deposited output backs the vote until it is consumed.
func vote(ctx context.Context, hc *HandlerContext, proposalID string, value int) (*Effect, error) {
	proposal, err := load[state.Proposal](ctx, hc.Tx, docstore.Proposals, proposalID, state.ErrProposalNotFound)
	if err != nil {
		return nil, err
	}
	if err := proposal.CheckVote(value, hc.Now); err != nil {
		return nil, err
	}
	tokenAmount := hc.Entry.NativeTokenAmount(proposal.Token)
	if tokenAmount == 0 {
		return nil, state.ErrNoVoteTokens
	}

	memberID := state.ProposalMemberID(proposal.ID, hc.Owner)
	member, err := load[state.ProposalMember](ctx, hc.Tx, docstore.ProposalMembers, memberID, docstore.ErrNotFound)
	if errors.Is(err, docstore.ErrNotFound) {
		member = &state.ProposalMember{ID: memberID, Proposal: proposal.ID, Member: hc.Owner}
	} else if err != nil {
		return nil, err
	}

	record := state.NewVoteRecord(proposal, value, tokenAmount, hc.Entry.OutputID, hc.Now)
	voteTx := hc.Factory.CreateVote(hc.Order, hc.Payment, record, hc.Now)
	voteTx.Member = hc.Owner
	proposal.ApplyVote(member, voteTx.ID, record)

	effect := newEffect(hc)
	effect.Batch.AddTransaction(voteTx)
	effect.Batch.Set(docstore.Proposals, proposal.ID, proposal)
	effect.Batch.Set(docstore.ProposalMembers, member.ID, member)

	reconcileUnlessRequest(hc)
	effect.Response = map[string]any{
		"voteTransaction": voteTx.ID,
		"weight":          record.Weight.String(),
	}
	return effect, nil
}

func handleProposalCreate(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	if hc.Order.Proposal == nil {
		return nil, state.ErrInvalidRequest
	}
	proposal, err := load[state.Proposal](ctx, hc.Tx, docstore.Proposals, hc.Order.Proposal.ProposalID, state.ErrProposalNotFound)
	if err != nil {
		return nil, err
	}
	if proposal.Approved {
		return nil, state.ErrProposalAlreadyApproved
	}
	if proposal.Rejected {
		return nil, state.ErrProposalRejected
	}

	proposal.Approved = true
	proposal.ApprovedBy = hc.Owner

	effect := newEffect(hc)
	effect.Batch.Set(docstore.Proposals, proposal.ID, proposal)

	reconcileUnlessRequest(hc)
	effect.Response = map[string]any{"proposal": proposal.ID}
	return effect, nil
}

// resettleVotes shrinks every vote backed by an output consumed in this ledger
// transaction. Votes already re-settled or on closed proposals are left alone.
// Proposals and members are loaded once so several votes on the same proposal
// accumulate into one write.
func resettleVotes(ctx context.Context, tx docstore.Tx, outputIDs []string, consumedOn time.Time) (*ledger.Batch, int, error) {
	b := ledger.NewBatch("")
	proposals := make(map[string]*state.Proposal)
	members := make(map[string]*state.ProposalMember)
	var touchedProposals, touchedMembers []string
	count := 0

	for _, outputID := range outputIDs {
		votes, err := docstore.QueryAll[ledger.Transaction](ctx, tx, docstore.Transactions, docstore.Filter{
			"type": ledger.TypeVote,
			"vote": map[string]any{"outputId": outputID},
		}, 0)
		if err != nil {
			return nil, 0, err
		}

		for _, voteTx := range votes {
			record := voteTx.Vote
			if record == nil {
				continue
			}

			proposal, ok := proposals[record.ProposalID]
			if !ok {
				proposal, err = load[state.Proposal](ctx, tx, docstore.Proposals, record.ProposalID, docstore.ErrNotFound)
				if errors.Is(err, docstore.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, 0, err
				}
				proposals[proposal.ID] = proposal
			}

			memberID := state.ProposalMemberID(proposal.ID, voteTx.Member)
			member, ok := members[memberID]
			if !ok {
				member, err = load[state.ProposalMember](ctx, tx, docstore.ProposalMembers, memberID, docstore.ErrNotFound)
				if errors.Is(err, docstore.ErrNotFound) {
					member = &state.ProposalMember{ID: memberID, Proposal: proposal.ID, Member: voteTx.Member}
				} else if err != nil {
					return nil, 0, err
				}
				members[memberID] = member
			}

			if !proposal.Resettle(member, voteTx.ID, record, consumedOn) {
				continue
			}
			b.Set(docstore.Transactions, voteTx.ID, voteTx)
			touchedProposals = appendUnique(touchedProposals, proposal.ID)
			touchedMembers = appendUnique(touchedMembers, memberID)
			count++
		}
	}

	for _, id := range touchedProposals {
		b.Set(docstore.Proposals, id, proposals[id])
	}
	for _, id := range touchedMembers {
		b.Set(docstore.ProposalMembers, id, members[id])
	}
	return b, count, nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
