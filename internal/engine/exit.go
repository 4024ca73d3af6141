package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/notify"
	"github.com/atmx/spread-engine/internal/pnl"
	"github.com/atmx/spread-engine/internal/slug"
)

// Every exit moves a position OPEN → SETTLED exactly once: the position is
// removed from the account under the user's lock, and a second exit for the
// same position finds nothing to close. Each invocation emits one settlement
// row per position and one wallet row carrying the absolute balance.

// ExitRequest is the client exit command. The position is identified by
// PositionID or, when empty, by selection, side and opening time.
type ExitRequest struct {
	UserID       string
	OperatorID   string
	ConnectionID string
	Market       string
	Selection    string
	Side         model.Side
	PositionID   string
	OpenedAt     int64 // unix milliseconds
	Odds         decimal.Decimal
}

type closing struct {
	pos       *model.Position
	reason    model.Reason
	requested decimal.Decimal
	feed      model.Tick
}

// closeResult is everything to emit after the user's lock is released.
type closeResult struct {
	owner       model.UserKey
	connID      string
	settlements []*model.Settlement
	wallet      *model.Wallet
	balance     model.Account
	liquidation *notify.Liquidation
}

// ManualExit closes one position at the current price. Unless the position's
// target was already met, the requested odds must not have moved against the
// holder.
func (e *Engine) ManualExit(ctx context.Context, req ExitRequest) (*model.Settlement, error) {
	if req.UserID == "" || req.OperatorID == "" {
		return nil, reject(ErrInvalidCommand, "missing user or operator")
	}
	if !req.Side.Valid() {
		return nil, reject(ErrInvalidSide, "%q", req.Side)
	}
	if !req.Odds.IsPositive() {
		return nil, reject(ErrInvalidCommand, "requested odds required")
	}
	if req.PositionID == "" && req.OpenedAt == 0 {
		return nil, reject(ErrInvalidCommand, "position id or opening time required")
	}

	m, err := e.catalog.Get(ctx, req.Market)
	if errors.Is(err, market.ErrMarketNotFound) {
		return nil, reject(ErrUnknownMarket, "%s", req.Market)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: catalog: %v", ErrUpstream, err)
	}

	tick, err := e.latest(ctx, slug.Tick(req.Market, req.Selection, req.Side))
	if err != nil {
		return nil, err
	}

	key := model.NewUserKey(req.UserID, req.OperatorID)
	var res *closeResult
	err = e.state.WithUser(ctx, key, func() error {
		acct, ok := e.state.Account(key)
		if !ok {
			return reject(ErrPositionNotFound, "")
		}
		p := findPosition(acct, req)
		if p == nil {
			return reject(ErrPositionNotFound, "")
		}
		if !p.IsTargetMet {
			if m.Status != model.MarketOpen || tick.Status != model.TickOpen {
				return reject(ErrMarketNotOpen, "%s", req.Market)
			}
			if movedAgainstExit(p.Side, req.Odds, tick.Odds) {
				return reject(ErrOddsChanged, "requested %s, current %s", req.Odds, tick.Odds)
			}
		}

		e.revalueLocked(acct, p, tick.Odds)
		if pnl.Liquidating(acct.TotalBalance) {
			res = e.liquidateLocked(acct, tick)
			return nil
		}

		reason := model.ReasonManualExit
		if p.IsTargetMet {
			reason = model.ReasonTargetHit
		}
		res = e.settleLocked(acct, []closing{{pos: p, reason: reason, requested: req.Odds, feed: tick}})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.finish(res)
	for _, s := range res.settlements {
		if s.PositionID == positionRef(req, res) {
			return s, nil
		}
	}
	return res.settlements[0], nil
}

// positionRef returns the id of the position the exit request targeted.
func positionRef(req ExitRequest, res *closeResult) string {
	if req.PositionID != "" {
		return req.PositionID
	}
	for _, s := range res.settlements {
		if s.OpenedAt.UnixMilli() == req.OpenedAt && s.Side == req.Side && s.Selection == req.Selection {
			return s.PositionID
		}
	}
	return ""
}

// StopLossExit closes a position whose stop loss was breached on a tick. It
// uses the profit already clamped by the tick and does not fetch a price. A
// position that is no longer open is ignored.
func (e *Engine) StopLossExit(ctx context.Context, key model.UserKey, positionID string, feed model.Tick) error {
	var res *closeResult
	err := e.state.WithUser(ctx, key, func() error {
		acct, ok := e.state.Account(key)
		if !ok {
			return nil
		}
		p, ok := acct.Find(positionID)
		if !ok {
			return nil
		}
		res = e.settleLocked(acct, []closing{{pos: p, reason: model.ReasonStopLoss, requested: p.RunningOdds, feed: feed}})
		return nil
	})
	if err != nil || res == nil {
		return err
	}
	e.finish(res)
	return nil
}

// Liquidate settles every open position of an account that a tick drove to
// a zero balance. The account has already been removed from the store.
func (e *Engine) Liquidate(ctx context.Context, acct *model.Account, trigger model.Tick) error {
	var res *closeResult
	err := e.state.WithUser(ctx, acct.Key(), func() error {
		if acct.Liquidated {
			return nil
		}
		res = e.liquidateLocked(acct, trigger)
		return nil
	})
	if err != nil || res == nil {
		return err
	}
	e.finish(res)
	return nil
}

// CloseMarket marks a market CLOSED and force-settles every position on
// its selections at the latest known price per side. It returns the number
// of positions settled.
func (e *Engine) CloseMarket(ctx context.Context, marketID string) (int, error) {
	if _, err := e.catalog.SetStatus(ctx, marketID, model.MarketClosed); err != nil && !errors.Is(err, market.ErrMarketNotFound) {
		return 0, fmt.Errorf("%w: catalog: %v", ErrUpstream, err)
	}

	sels := e.state.Index().SelectionsForMarket(marketID)
	if len(sels) == 0 {
		return 0, nil
	}

	// Prices and membership are read before any user lock is taken.
	ticks := make(map[string]model.Tick)
	users := make(map[model.UserKey]struct{})
	for _, sel := range sels {
		mkt, selection, err := slug.ParseSelection(sel)
		if err != nil {
			continue
		}
		for _, side := range []model.Side{model.SideBuy, model.SideSell} {
			runner := slug.Tick(mkt, selection, side)
			if t, err := e.latest(ctx, runner); err == nil {
				ticks[runner] = t
			}
		}
		for _, key := range e.state.Index().Users(sel) {
			users[key] = struct{}{}
		}
	}

	var (
		closed atomic.Int64
		g      errgroup.Group
	)
	g.SetLimit(e.workers)
	for key := range users {
		g.Go(func() error {
			var res *closeResult
			err := e.state.WithUser(ctx, key, func() error {
				res = e.closeMarketLocked(key, marketID, ticks)
				return nil
			})
			if err != nil {
				return fmt.Errorf("close %s for %s: %w", marketID, key, err)
			}
			if res != nil {
				closed.Add(int64(len(res.settlements)))
				e.finish(res)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(closed.Load()), err
}

func (e *Engine) closeMarketLocked(key model.UserKey, marketID string, ticks map[string]model.Tick) *closeResult {
	acct, ok := e.state.Account(key)
	if !ok {
		return nil
	}

	var items []closing
	for _, list := range acct.Positions {
		for _, p := range list {
			if p.Market != marketID {
				continue
			}
			feed, ok := ticks[slug.Tick(p.Market, p.Selection, p.Side)]
			if ok {
				e.revalueLocked(acct, p, feed.Odds)
			} else {
				feed = runningTick(p)
			}
			items = append(items, closing{pos: p, reason: model.ReasonMatchEnd, requested: p.RunningOdds, feed: feed})
		}
	}
	if len(items) == 0 {
		return nil
	}
	if pnl.Liquidating(acct.TotalBalance) {
		return e.liquidateLocked(acct, items[0].feed)
	}
	return e.settleLocked(acct, items)
}

// revalueLocked reprices p at odds and applies the profit delta to the
// account. Caller holds the user's lock.
func (e *Engine) revalueLocked(acct *model.Account, p *model.Position, odds decimal.Decimal) pnl.Revaluation {
	r := e.calc.Revalue(p, odds, acct.TotalBalance)
	p.Profit = r.Profit
	p.Bonus = r.Bonus
	p.IsTargetMet = r.TargetMet
	p.RunningOdds = odds
	p.BalanceAfter = r.Balance
	p.BalanceAfterAt = e.now()
	acct.TotalProfit = acct.TotalProfit.Add(r.Delta)
	acct.TotalBalance = r.Balance
	return r
}

// settleLocked removes the positions from the account and builds their
// settlement rows and the wallet row. An account left without positions
// leaves the store. Caller holds the user's lock.
func (e *Engine) settleLocked(acct *model.Account, items []closing) *closeResult {
	key := acct.Key()
	now := e.now()
	res := &closeResult{owner: key, connID: acct.ConnectionID}

	for _, it := range items {
		p := it.pos
		removed, empty := acct.Remove(p)
		if !removed {
			continue
		}
		if empty {
			e.state.Index().Remove(p.SelectionSlug(), key)
		}
		acct.TotalStake = acct.TotalStake.Sub(p.Stake)

		outcome := model.OutcomeLoss
		if p.Profit.IsPositive() {
			outcome = model.OutcomeWin
		}
		requested := it.requested
		if requested.IsZero() {
			requested = p.RunningOdds
		}
		res.settlements = append(res.settlements, &model.Settlement{
			ID:                 settlementID(p.ID),
			PositionID:         p.ID,
			UserID:             acct.UserID,
			OperatorID:         acct.OperatorID,
			Market:             p.Market,
			Selection:          p.Selection,
			Runner:             slug.Tick(p.Market, p.Selection, p.Side),
			Side:               p.Side,
			Stake:              p.Stake,
			EntryOdds:          p.EntryOdds,
			RequestedCloseOdds: requested,
			CloseOdds:          p.RunningOdds,
			Profit:             p.Profit,
			Bonus:              p.Bonus,
			BalanceBefore:      acct.TotalBalance.Sub(p.Profit),
			BalanceAfter:       acct.TotalBalance,
			Outcome:            outcome,
			Reason:             it.reason,
			FeedSnapshot:       snapshot(it.feed),
			OpenedAt:           p.OpenedAt,
			SettledAt:          now,
		})
	}
	if len(res.settlements) == 0 {
		return res
	}

	if acct.OpenCount() == 0 {
		e.evict(acct)
		e.state.RememberBalance(key, acct.TotalBalance)
	}

	res.wallet = &model.Wallet{
		UserID:     acct.UserID,
		OperatorID: acct.OperatorID,
		Balance:    acct.TotalBalance,
		LastRef:    res.settlements[len(res.settlements)-1].ID,
		UpdatedAt:  now,
	}
	res.balance = model.Account{TotalBalance: acct.TotalBalance, TotalStake: acct.TotalStake}
	return res
}

// liquidateLocked settles every open position of the account with reason
// negative_balance, sets the balance to zero and marks the user liquidated.
// Rows are chained from the balance the open positions started from, winners
// first, and the last one ends at the pre-liquidation balance.
func (e *Engine) liquidateLocked(acct *model.Account, trigger model.Tick) *closeResult {
	key := acct.Key()
	e.evict(acct)
	acct.Liquidated = true
	final := acct.TotalBalance

	loss := decimal.Zero
	var items []closing
	for _, list := range acct.Positions {
		for _, p := range list {
			feed := runningTick(p)
			if trigger.ID == slug.Tick(p.Market, p.Selection, p.Side) {
				feed = trigger
			}
			loss = loss.Add(p.Profit)
			items = append(items, closing{pos: p, reason: model.ReasonNegativeBalance, requested: p.RunningOdds, feed: feed})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].pos.Profit.GreaterThan(items[j].pos.Profit)
	})

	res := e.settleLocked(acct, items)
	running := final.Sub(loss)
	for _, s := range res.settlements {
		s.BalanceBefore = running
		running = running.Add(s.Profit)
		s.BalanceAfter = running
	}

	acct.TotalBalance = decimal.Zero
	e.state.RememberBalance(key, decimal.Zero)
	res.liquidation = &notify.Liquidation{Loss: loss, Positions: len(res.settlements)}
	res.balance = model.Account{}
	if res.wallet == nil {
		res.wallet = &model.Wallet{UserID: acct.UserID, OperatorID: acct.OperatorID, UpdatedAt: e.now()}
	}
	res.wallet.Balance = decimal.Zero
	return res
}

// finish hands rows to the persister and notifies the client. Runs after the
// user's lock is released.
func (e *Engine) finish(res *closeResult) {
	for _, s := range res.settlements {
		e.persist.Settled(s)
		metrics.Settlements.WithLabelValues(string(s.Reason)).Inc()
		metrics.OpenPositions.Dec()
		e.notifier.Send(res.owner, res.connID, notify.Event{Type: notify.TypeSettlement, Data: notify.Settlement{
			PositionID: s.PositionID,
			Market:     s.Market,
			Selection:  s.Selection,
			Side:       string(s.Side),
			Outcome:    string(s.Outcome),
			Reason:     string(s.Reason),
			ExitOdds:   s.CloseOdds,
			Profit:     s.Profit,
			OpenedAt:   s.OpenedAt,
		}})
	}
	if res.wallet != nil {
		e.persist.WalletUpdated(res.wallet)
		e.notifier.Send(res.owner, res.connID, notify.Event{Type: notify.TypeBalance, Data: notify.Balance{
			Balance:    res.balance.TotalBalance,
			TotalStake: res.balance.TotalStake,
		}})
	}
	if res.liquidation != nil {
		metrics.Liquidations.Inc()
		e.notifier.Send(res.owner, res.connID, notify.Event{Type: notify.TypeLiquidation, Data: *res.liquidation})
	}
}

// evict removes acct from the store if it is still the stored account for
// its key. Caller holds the user's lock.
func (e *Engine) evict(acct *model.Account) {
	if cur, ok := e.state.Account(acct.Key()); ok && cur == acct {
		e.state.RemoveAccount(acct.Key())
	}
}

func findPosition(acct *model.Account, req ExitRequest) *model.Position {
	if req.PositionID != "" {
		p, ok := acct.Find(req.PositionID)
		if !ok || p.Market != req.Market || p.Selection != req.Selection || p.Side != req.Side {
			return nil
		}
		return p
	}
	for _, p := range acct.Positions[slug.Selection(req.Market, req.Selection)] {
		if p.Side == req.Side && p.OpenedAt.UnixMilli() == req.OpenedAt {
			return p
		}
	}
	return nil
}

// runningTick describes the price a position was last valued at, for
// positions settled without a fresh feed record.
func runningTick(p *model.Position) model.Tick {
	return model.Tick{
		ID:     slug.Tick(p.Market, p.Selection, p.Side),
		Odds:   p.RunningOdds,
		Status: model.TickOpen,
		Time:   p.BalanceAfterAt.UnixMilli(),
	}
}

// settlementID derives the settlement id from the position id so that any
// retry of the same close produces the same row key.
func settlementID(positionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("settlement:"+positionID)).String()
}
