package state

import (
	"TangleRecon/internal/amount"
	"time"

	"github.com/shopspring/decimal"
)

type StakeType string

const (
	StakeStatic  StakeType = "STATIC"
	StakeDynamic StakeType = "DYNAMIC"
)

const (
	MinStakeWeeks = 1
	MaxStakeWeeks = 52
)

// Stake locks native tokens of a space's token for a number of weeks
type Stake struct {
	ID        string    `json:"id"`
	Member    string    `json:"member"`
	Space     string    `json:"space,omitempty"`
	Token     string    `json:"token"`
	Type      StakeType `json:"type"`
	Amount    uint64    `json:"amount"`
	Value     uint64    `json:"value"`
	Weeks     int       `json:"weeks"`
	ExpiresAt time.Time `json:"expiresAt"`
	Order     string    `json:"order"`
	Payment   string    `json:"payment"`
	OutputID  string    `json:"outputId"`
	CreatedOn time.Time `json:"createdOn"`
}

// StakeValue weights a staked amount by its lock period: 1 week counts 1x,
// 52 weeks count 2x, linear in between. Rounded down.
func StakeValue(staked uint64, weeks int) uint64 {
	multiplier := decimal.NewFromInt(1).Add(
		decimal.NewFromInt(int64(weeks - 1)).Div(decimal.NewFromInt(MaxStakeWeeks - 1)),
	)
	return amount.Scale(staked, multiplier).Floor().BigInt().Uint64()
}

// Token is a space token; it aggregates stake totals
type Token struct {
	ID          string                    `json:"id"`
	Symbol      string                    `json:"symbol"`
	Space       string                    `json:"space,omitempty"`
	StakeTotals map[StakeType]StakeTotals `json:"stakeTotals,omitempty"`
}

type StakeTotals struct {
	Amount uint64 `json:"amount"`
	Value  uint64 `json:"value"`
}

// AddStake accumulates a new stake into the token totals.
func (t *Token) AddStake(s *Stake) {
	if t.StakeTotals == nil {
		t.StakeTotals = make(map[StakeType]StakeTotals)
	}
	totals := t.StakeTotals[s.Type]
	totals.Amount += s.Amount
	totals.Value += s.Value
	t.StakeTotals[s.Type] = totals
}

type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
)

type TradeStatus string

const (
	TradeActive    TradeStatus = "ACTIVE"
	TradeSettled   TradeStatus = "SETTLED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// TokenTradeOrder is a resting buy or sell order created by a deposit
type TokenTradeOrder struct {
	ID           string      `json:"id"`
	Owner        string      `json:"owner"`
	OwnerAddress string      `json:"ownerAddress"`
	Token        string      `json:"token"`
	Network      string      `json:"network"`
	Type         TradeType   `json:"type"`
	Count        uint64      `json:"count"`
	Price        uint64      `json:"price"`
	Balance      uint64      `json:"balance"`
	Fulfilled    uint64      `json:"fulfilled"`
	Status       TradeStatus `json:"status"`
	Order        string      `json:"order"`
	Payment      string      `json:"payment"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	CreatedOn    time.Time   `json:"createdOn"`
}
