package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/notify"
	"github.com/atmx/spread-engine/internal/pnl"
	"github.com/atmx/spread-engine/internal/slug"
)

// errAccountGone means the account left the store between reading the
// opening balance and taking the lock.
var errAccountGone = errors.New("engine: account removed concurrently")

// OpenRequest is the client open command.
type OpenRequest struct {
	UserID        string
	OperatorID    string
	ConnectionID  string
	Market        string
	Selection     string
	Side          model.Side
	Stake         decimal.Decimal
	Odds          decimal.Decimal // requested odds
	AcceptAnyOdds bool
	TargetProfit  decimal.Decimal // optional cap
	StopLoss      decimal.Decimal // optional cap
}

// OpenResult acknowledges an opened position.
type OpenResult struct {
	Position     model.Position  `json:"position"`
	TotalStake   decimal.Decimal `json:"total_stake"`
	TotalBalance decimal.Decimal `json:"total_balance"`
}

// PlaceTrade validates an open command and adds the position to the user's
// state. Every precondition failure is a *ValidationError and leaves state
// untouched. The wallet row is not written; the stake is only reserved
// through the account's TotalStake.
func (e *Engine) PlaceTrade(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if req.UserID == "" || req.OperatorID == "" {
		return nil, reject(ErrInvalidCommand, "missing user or operator")
	}
	if !req.Side.Valid() {
		return nil, reject(ErrInvalidSide, "%q", req.Side)
	}
	if !req.AcceptAnyOdds && !req.Odds.IsPositive() {
		return nil, reject(ErrInvalidCommand, "requested odds required")
	}

	m, err := e.catalog.Get(ctx, req.Market)
	if errors.Is(err, market.ErrMarketNotFound) {
		return nil, reject(ErrUnknownMarket, "%s", req.Market)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: catalog: %v", ErrUpstream, err)
	}
	if !m.HasSelection(req.Selection) {
		return nil, reject(ErrUnknownMarket, "%s has no selection %s", req.Market, req.Selection)
	}
	if !m.Enabled {
		return nil, reject(ErrMarketDisabled, "%s", req.Market)
	}

	sel := slug.Selection(req.Market, req.Selection)
	if e.subs != nil && !e.subs.Subscribed(model.NewUserKey(req.UserID, req.OperatorID), req.ConnectionID, sel) {
		return nil, reject(ErrNotSubscribed, "%s", sel)
	}

	tick, err := e.latest(ctx, slug.Tick(req.Market, req.Selection, req.Side))
	if err != nil {
		return nil, err
	}
	if !m.Tradable(tick.Odds) {
		return nil, reject(ErrOddsOutOfRange, "%s", tick.Odds)
	}
	if m.Status != model.MarketOpen || tick.Status != model.TickOpen {
		return nil, reject(ErrMarketNotOpen, "%s", req.Market)
	}
	switch err := e.stakes.Check(req.Stake, tick.Odds); {
	case errors.Is(err, market.ErrStakeBelowMinimum):
		return nil, reject(ErrStakeBelowMinimum, "%s", req.Stake)
	case errors.Is(err, market.ErrStakeAboveMaximum):
		return nil, reject(ErrStakeAboveMaximum, "%s at odds %s", req.Stake, tick.Odds)
	}
	if !req.AcceptAnyOdds && movedAgainstOpen(req.Side, req.Odds, tick.Odds) {
		return nil, reject(ErrOddsChanged, "requested %s, current %s", req.Odds, tick.Odds)
	}

	key := model.NewUserKey(req.UserID, req.OperatorID)
	for attempt := 0; ; attempt++ {
		balance, fresh, err := e.openingBalance(ctx, key)
		if err != nil {
			return nil, err
		}

		res, audit, err := e.open(ctx, key, req, m, tick, balance, fresh)
		if errors.Is(err, errAccountGone) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}

		e.persist.TradeOpened(audit)
		metrics.TradesOpened.WithLabelValues(string(req.Side)).Inc()
		metrics.OpenPositions.Inc()
		e.notifier.Send(key, req.ConnectionID, notify.Event{Type: notify.TypeTradeOpened, Data: notify.TradeOpened{
			PositionID:   res.Position.ID,
			Market:       res.Position.Market,
			Selection:    res.Position.Selection,
			Side:         string(res.Position.Side),
			Stake:        res.Position.Stake,
			EntryOdds:    res.Position.EntryOdds,
			TargetProfit: res.Position.TargetProfit,
			StopLoss:     res.Position.StopLoss,
			TotalStake:   res.TotalStake,
			OpenedAt:     res.Position.OpenedAt,
		}})
		return res, nil
	}
}

func (e *Engine) open(
	ctx context.Context,
	key model.UserKey,
	req OpenRequest,
	m *market.Market,
	tick model.Tick,
	balance decimal.Decimal,
	fresh bool,
) (*OpenResult, *model.TradeAudit, error) {
	var (
		res   *OpenResult
		audit *model.TradeAudit
	)
	err := e.state.WithUser(ctx, key, func() error {
		acct, exists := e.state.Account(key)
		if !exists {
			if b, ok := e.state.SettledBalance(key); ok {
				balance, fresh = b, true
			}
			if !fresh {
				return errAccountGone
			}
			acct = model.NewAccount(req.UserID, req.OperatorID, balance)
		}

		if acct.TotalStake.Add(req.Stake).GreaterThan(acct.TotalBalance) {
			return reject(ErrInsufficientBalance, "stake %s + open %s > balance %s",
				req.Stake, acct.TotalStake, acct.TotalBalance)
		}

		env := m.Envelope(req.Side)
		target, stopLoss := e.calc.Limits(pnl.LimitsRequest{
			Stake:          req.Stake,
			Odds:           tick.Odds,
			TargetCap:      req.TargetProfit,
			StopLossCap:    req.StopLoss,
			EnvelopeProfit: env.MaxProfit,
			EnvelopeLoss:   env.MaxLoss,
			Spendable:      acct.TotalBalance.Sub(acct.TotalStake),
		})

		now := e.now()
		p := &model.Position{
			ID:             uuid.NewString(),
			Market:         req.Market,
			Selection:      req.Selection,
			Side:           req.Side,
			Stake:          req.Stake,
			EntryOdds:      tick.Odds,
			RunningOdds:    tick.Odds,
			Profit:         decimal.Zero,
			OpenedAt:       now,
			BalanceAfter:   acct.TotalBalance,
			BalanceAfterAt: now,
			TargetProfit:   target,
			StopLoss:       stopLoss,
			Bonus:          decimal.Zero,
		}

		sel := p.SelectionSlug()
		acct.Positions[sel] = append(acct.Positions[sel], p)
		acct.TotalStake = acct.TotalStake.Add(req.Stake)
		if req.ConnectionID != "" {
			acct.ConnectionID = req.ConnectionID
		}
		if !exists {
			e.state.PutAccount(acct)
			e.state.ForgetBalance(key)
		}
		e.state.Index().Add(sel, key)

		res = &OpenResult{Position: *p, TotalStake: acct.TotalStake, TotalBalance: acct.TotalBalance}
		audit = &model.TradeAudit{
			ID:           p.ID,
			UserID:       acct.UserID,
			OperatorID:   acct.OperatorID,
			Market:       p.Market,
			Selection:    p.Selection,
			Side:         p.Side,
			Stake:        p.Stake,
			RequestOdds:  req.Odds,
			EntryOdds:    p.EntryOdds,
			TargetProfit: p.TargetProfit,
			StopLoss:     p.StopLoss,
			BalanceAt:    acct.TotalBalance,
			OpenedAt:     p.OpenedAt,
		}
		return nil
	})
	return res, audit, err
}

// movedAgainstOpen reports whether the current odds are worse for a new
// position than the odds the client was quoted. A BUY profits from rising
// odds so a higher entry is worse; a SELL the opposite.
func movedAgainstOpen(side model.Side, requested, current decimal.Decimal) bool {
	if side == model.SideBuy {
		return current.GreaterThan(requested)
	}
	return current.LessThan(requested)
}

// movedAgainstExit reports whether the current odds are worse for closing
// than the odds the client requested.
func movedAgainstExit(side model.Side, requested, current decimal.Decimal) bool {
	if side == model.SideBuy {
		return current.LessThan(requested)
	}
	return current.GreaterThan(requested)
}
