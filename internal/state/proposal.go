package state

import (
	"TangleRecon/internal/amount"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type ProposalSettings struct {
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Answers   []int     `json:"answers"`
}

// ProposalResults are weight accumulators. Answers is keyed by the answer value.
type ProposalResults struct {
	Total   decimal.Decimal            `json:"total"`
	Voted   decimal.Decimal            `json:"voted"`
	Answers map[string]decimal.Decimal `json:"answers"`
}

// Proposal is a token-weighted vote of a space
type Proposal struct {
	ID         string           `json:"id"`
	Space      string           `json:"space"`
	Token      string           `json:"token"`
	CreatedBy  string           `json:"createdBy"`
	Approved   bool             `json:"approved"`
	ApprovedBy string           `json:"approvedBy,omitempty"`
	Rejected   bool             `json:"rejected"`
	Settings   ProposalSettings `json:"settings"`
	Results    ProposalResults  `json:"results"`
}

// MemberVote is one vote's contribution to a member's total weight
type MemberVote struct {
	Value           int             `json:"value"`
	Weight          decimal.Decimal `json:"weight"`
	VoteTransaction string          `json:"voteTransaction"`
}

// ProposalMember is the per-voter record of a proposal
type ProposalMember struct {
	ID       string          `json:"id"`
	Proposal string          `json:"proposal"`
	Member   string          `json:"member"`
	Voted    bool            `json:"voted"`
	Weight   decimal.Decimal `json:"weight"`
	Values   []MemberVote    `json:"values,omitempty"`
}

// ProposalMemberID is the document id of a member's record on a proposal.
func ProposalMemberID(proposalID, memberID string) string {
	return proposalID + "_" + memberID
}

// VoteRecord is the payload of a VOTE transaction. OutputID is the ledger output
// backing the vote; the weight shrinks when that output is consumed early.
type VoteRecord struct {
	ProposalID       string          `json:"proposalId"`
	Value            int             `json:"value"`
	TokenAmount      uint64          `json:"tokenAmount"`
	OutputID         string          `json:"outputId"`
	VotedOn          time.Time       `json:"votedOn"`
	ConsumedOn       *time.Time      `json:"consumedOn,omitempty"`
	WeightMultiplier decimal.Decimal `json:"weightMultiplier"`
	Weight           decimal.Decimal `json:"weight"`
}

// IsVotingOpen reports whether the proposal accepts votes at now.
func (p *Proposal) IsVotingOpen(now time.Time) bool {
	return !now.Before(p.Settings.StartDate) && now.Before(p.Settings.EndDate)
}

// HasAnswer reports whether value is one of the proposal's answers.
func (p *Proposal) HasAnswer(value int) bool {
	for _, a := range p.Settings.Answers {
		if a == value {
			return true
		}
	}
	return false
}

// CheckVote returns the rule a vote at now would break, if any.
func (p *Proposal) CheckVote(value int, now time.Time) error {
	if p.Rejected {
		return ErrProposalRejected
	}
	if !p.Approved {
		return ErrProposalNotApproved
	}
	if !p.IsVotingOpen(now) {
		return ErrVoteNotActive
	}
	if !p.HasAnswer(value) {
		return ErrInvalidVoteValue
	}
	return nil
}

// WeightMultiplier is the share of the voting window during which the backing
// tokens stayed committed:
//
//	(min(consumedOn, end) - max(votedOn, start)) / (end - start)
func WeightMultiplier(settings ProposalSettings, votedOn, consumedOn time.Time) decimal.Decimal {
	end := settings.EndDate
	if consumedOn.Before(end) {
		end = consumedOn
	}
	start := settings.StartDate
	if votedOn.After(start) {
		start = votedOn
	}
	return amount.DurationRatio(end.Sub(start), settings.EndDate.Sub(settings.StartDate))
}

// NewVoteRecord computes the weight of a vote cast at votedOn, assuming the
// tokens stay committed until the end of the proposal.
func NewVoteRecord(p *Proposal, value int, tokenAmount uint64, outputID string, votedOn time.Time) *VoteRecord {
	multiplier := WeightMultiplier(p.Settings, votedOn, p.Settings.EndDate)
	return &VoteRecord{
		ProposalID:       p.ID,
		Value:            value,
		TokenAmount:      tokenAmount,
		OutputID:         outputID,
		VotedOn:          votedOn,
		WeightMultiplier: multiplier,
		Weight:           amount.Scale(tokenAmount, multiplier),
	}
}

func answerKey(value int) string {
	return strconv.Itoa(value)
}

func (p *Proposal) addWeight(value int, delta decimal.Decimal) {
	if p.Results.Answers == nil {
		p.Results.Answers = make(map[string]decimal.Decimal)
	}
	key := answerKey(value)
	p.Results.Total = p.Results.Total.Add(delta)
	p.Results.Voted = p.Results.Voted.Add(delta)
	p.Results.Answers[key] = p.Results.Answers[key].Add(delta)
}

// ApplyVote adds a new vote to the proposal tallies and to the member record.
func (p *Proposal) ApplyVote(member *ProposalMember, voteTxID string, vote *VoteRecord) {
	p.addWeight(vote.Value, vote.Weight)

	member.Voted = true
	member.Weight = member.Weight.Add(vote.Weight)
	member.Values = append(member.Values, MemberVote{
		Value:           vote.Value,
		Weight:          vote.Weight,
		VoteTransaction: voteTxID,
	})
}

// Resettle shrinks a vote's weight because its backing output was consumed at
// consumedOn. The tallies and the member record lose the difference. It runs once
// per vote and is a no-op when the proposal had already ended.
func (p *Proposal) Resettle(member *ProposalMember, voteTxID string, vote *VoteRecord, consumedOn time.Time) bool {
	if vote.ConsumedOn != nil {
		return false
	}
	if !consumedOn.Before(p.Settings.EndDate) {
		return false
	}

	multiplier := WeightMultiplier(p.Settings, vote.VotedOn, consumedOn)
	weight := amount.Scale(vote.TokenAmount, multiplier)
	delta := weight.Sub(vote.Weight)

	p.addWeight(vote.Value, delta)

	member.Weight = member.Weight.Add(delta)
	for i := range member.Values {
		if member.Values[i].VoteTransaction == voteTxID {
			member.Values[i].Weight = weight
		}
	}

	vote.ConsumedOn = &consumedOn
	vote.WeightMultiplier = multiplier
	vote.Weight = weight
	return true
}
