package core

import (
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/state"
	"context"
	"time"

	"github.com/google/uuid"
)

const week = 7 * 24 * time.Hour

func handleStake(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	if hc.Order.Stake == nil {
		return nil, state.ErrInvalidRequest
	}
	return stake(ctx, hc, *hc.Order.Stake)
}

// stake locks the native tokens of the deposited output for params.Weeks.
func stake(ctx context.Context, hc *HandlerContext, params state.StakeOrder) (*Effect, error) {
	if params.Weeks < state.MinStakeWeeks || params.Weeks > state.MaxStakeWeeks {
		return nil, state.ErrInvalidStakeWeeks
	}
	token, err := load[state.Token](ctx, hc.Tx, docstore.Tokens, params.TokenID, state.ErrTokenNotFound)
	if err != nil {
		return nil, err
	}
	staked := hc.Entry.NativeTokenAmount(token.ID)
	if staked == 0 {
		return nil, state.ErrNoStakedToken
	}

	stakeType := params.Type
	if stakeType == "" {
		stakeType = state.StakeDynamic
	}

	s := &state.Stake{
		ID:        uuid.NewString(),
		Member:    hc.Owner,
		Space:     token.Space,
		Token:     token.ID,
		Type:      stakeType,
		Amount:    staked,
		Value:     state.StakeValue(staked, params.Weeks),
		Weeks:     params.Weeks,
		ExpiresAt: hc.Now.Add(time.Duration(params.Weeks) * week),
		Order:     hc.Order.ID,
		Payment:   hc.Payment.ID,
		OutputID:  hc.Entry.OutputID,
		CreatedOn: hc.Now,
	}
	token.AddStake(s)

	effect := newEffect(hc)
	effect.Batch.Create(docstore.Stakes, s.ID, s)
	effect.Batch.Set(docstore.Tokens, token.ID, token)

	reconcileUnlessRequest(hc)
	effect.Response = map[string]any{
		"stake":     s.ID,
		"amount":    s.Amount,
		"value":     s.Value,
		"expiresAt": s.ExpiresAt,
	}
	return effect, nil
}

// handleTokenTrade opens a resting order. A SELL is backed by the deposited
// native tokens, a BUY by the deposited base amount.
func handleTokenTrade(ctx context.Context, hc *HandlerContext) (*Effect, error) {
	params := hc.Order.Trade
	if params == nil {
		return nil, state.ErrInvalidRequest
	}
	if params.Price == 0 || (params.Type == state.TradeBuy && params.Count == 0) {
		return nil, state.ErrInvalidTrade
	}
	if _, err := load[state.Token](ctx, hc.Tx, docstore.Tokens, params.TokenID, state.ErrTokenNotFound); err != nil {
		return nil, err
	}

	trade := &state.TokenTradeOrder{
		ID:           uuid.NewString(),
		Owner:        hc.Owner,
		OwnerAddress: hc.Match.From.Address,
		Token:        params.TokenID,
		Network:      hc.Order.Network,
		Type:         params.Type,
		Price:        params.Price,
		Status:       state.TradeActive,
		Order:        hc.Order.ID,
		Payment:      hc.Payment.ID,
		ExpiresAt:    hc.Now.Add(hc.Config.TradeOrderLifetime),
		CreatedOn:    hc.Now,
	}

	switch params.Type {
	case state.TradeSell:
		count := hc.Entry.NativeTokenAmount(params.TokenID)
		if count == 0 {
			return nil, state.ErrNoTradeTokens
		}
		trade.Count = count
		trade.Balance = count
	case state.TradeBuy:
		trade.Count = params.Count
		trade.Balance = hc.Payment.Payment.Amount
	default:
		return nil, state.ErrInvalidTrade
	}

	effect := newEffect(hc)
	effect.Batch.Create(docstore.TokenTrades, trade.ID, trade)

	reconcileUnlessRequest(hc)
	effect.Response = map[string]any{"tradeOrder": trade.ID, "count": trade.Count}
	return effect, nil
}
