// Package model defines the core domain types shared across the spread engine.
// All monetary values and odds use shopspring/decimal; never float64 for money.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position relative to the odds.
// BUY profits when the odds rise, SELL profits when they fall.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// MarketStatus is the trading state of a market.
type MarketStatus string

const (
	MarketOpen      MarketStatus = "OPEN"
	MarketSuspended MarketStatus = "SUSPENDED"
	MarketClosed    MarketStatus = "CLOSED"
)

// Outcome of a settled position.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
)

// Reason records why a position was closed.
type Reason string

const (
	ReasonManualExit      Reason = "manual_exit"
	ReasonTargetHit       Reason = "target_hit"
	ReasonStopLoss        Reason = "stop_loss_exceeded"
	ReasonMatchEnd        Reason = "match_end"
	ReasonNegativeBalance Reason = "negative_balance"
)

// UserKey identifies one user+operator pair. It is the unit of locking.
type UserKey string

// NewUserKey builds the key for a user under an operator.
func NewUserKey(userID, operatorID string) UserKey {
	return UserKey(operatorID + "/" + userID)
}

// Split returns the user and operator ids encoded in the key.
func (k UserKey) Split() (userID, operatorID string) {
	op, user, ok := strings.Cut(string(k), "/")
	if !ok {
		return string(k), ""
	}
	return user, op
}

// Position is one leveraged bet on one market-selection-side.
//
// Invariant after every revaluation: StopLoss <= Profit <= TargetProfit.
// Bonus is the negative shortfall absorbed by the platform (<= 0).
type Position struct {
	ID             string          `json:"id"`
	Market         string          `json:"market"`
	Selection      string          `json:"selection"`
	Side           Side            `json:"side"`
	Stake          decimal.Decimal `json:"stake"`
	EntryOdds      decimal.Decimal `json:"entry_odds"`
	RunningOdds    decimal.Decimal `json:"running_odds"`
	Profit         decimal.Decimal `json:"profit"`
	OpenedAt       time.Time       `json:"opened_at"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	BalanceAfterAt time.Time       `json:"balance_after_at"`
	TargetProfit   decimal.Decimal `json:"target_profit"`
	StopLoss       decimal.Decimal `json:"stop_loss"`
	Bonus          decimal.Decimal `json:"bonus"`
	IsTargetMet    bool            `json:"is_target_met"`
}

// SelectionSlug returns the "market:selection" key of the position.
func (p *Position) SelectionSlug() string {
	return p.Market + ":" + p.Selection
}

// Account is the aggregate trade state of one user+operator pair
// (the in-memory UserTradeState). It is only mutated under the user's lock.
type Account struct {
	UserID       string                 `json:"user_id"`
	OperatorID   string                 `json:"operator_id"`
	ConnectionID string                 `json:"connection_id"`
	TotalBalance decimal.Decimal        `json:"total_balance"`
	TotalProfit  decimal.Decimal        `json:"total_profit"`
	TotalStake   decimal.Decimal        `json:"total_stake"`
	Liquidated   bool                   `json:"liquidated"`
	Positions    map[string][]*Position `json:"positions"` // "market:selection" → open positions
}

// NewAccount creates an empty account with the given starting balance.
func NewAccount(userID, operatorID string, balance decimal.Decimal) *Account {
	return &Account{
		UserID:       userID,
		OperatorID:   operatorID,
		TotalBalance: balance,
		Positions:    make(map[string][]*Position),
	}
}

// Key returns the account's lock key.
func (a *Account) Key() UserKey {
	return NewUserKey(a.UserID, a.OperatorID)
}

// OpenCount returns the number of open positions across all selections.
func (a *Account) OpenCount() int {
	n := 0
	for _, list := range a.Positions {
		n += len(list)
	}
	return n
}

// Find returns the open position with the given id.
func (a *Account) Find(positionID string) (*Position, bool) {
	for _, list := range a.Positions {
		for _, p := range list {
			if p.ID == positionID {
				return p, true
			}
		}
	}
	return nil, false
}

// Remove deletes a position from its selection list. It reports whether the
// position was present and whether the selection list is now empty.
func (a *Account) Remove(p *Position) (removed, selectionEmpty bool) {
	sel := p.SelectionSlug()
	list := a.Positions[sel]
	for i, cur := range list {
		if cur.ID != p.ID {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(a.Positions, sel)
			return true, true
		}
		a.Positions[sel] = list
		return true, false
	}
	return false, len(list) == 0
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	c := *a
	c.Positions = make(map[string][]*Position, len(a.Positions))
	for sel, list := range a.Positions {
		cp := make([]*Position, len(list))
		for i, p := range list {
			pc := *p
			cp[i] = &pc
		}
		c.Positions[sel] = cp
	}
	return &c
}

// Tick is one price update for one market:selection:side.
// Status: 1 open, 2 suspended, 0 closed.
type Tick struct {
	ID     string          `json:"id"`
	Odds   decimal.Decimal `json:"odds"`
	Status int             `json:"status"`
	Time   int64           `json:"time"`
}

const (
	TickClosed    = 0
	TickOpen      = 1
	TickSuspended = 2
)

// MarketStatus maps the feed status code to a market status.
func (t Tick) MarketStatus() MarketStatus {
	switch t.Status {
	case TickOpen:
		return MarketOpen
	case TickSuspended:
		return MarketSuspended
	default:
		return MarketClosed
	}
}

// Settlement is the immutable audit record of a closed position.
// Once created, these are never modified or deleted.
type Settlement struct {
	ID                 string          `json:"id" db:"id"`
	PositionID         string          `json:"position_id" db:"position_id"`
	UserID             string          `json:"user_id" db:"user_id"`
	OperatorID         string          `json:"operator_id" db:"operator_id"`
	Market             string          `json:"market" db:"market"`
	Selection          string          `json:"selection" db:"selection"`
	Runner             string          `json:"runner" db:"runner"` // full market:selection:side slug
	Side               Side            `json:"side" db:"side"`
	Stake              decimal.Decimal `json:"stake" db:"stake"`
	EntryOdds          decimal.Decimal `json:"entry_odds" db:"entry_odds"`
	RequestedCloseOdds decimal.Decimal `json:"requested_close_odds" db:"requested_close_odds"`
	CloseOdds          decimal.Decimal `json:"close_odds" db:"close_odds"`
	Profit             decimal.Decimal `json:"profit" db:"profit"`
	Bonus              decimal.Decimal `json:"bonus" db:"bonus"`
	BalanceBefore      decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter       decimal.Decimal `json:"balance_after" db:"balance_after"`
	Outcome            Outcome         `json:"outcome" db:"outcome"`
	Reason             Reason          `json:"reason" db:"reason"`
	FeedSnapshot       json.RawMessage `json:"feed_snapshot" db:"feed_snapshot"`
	OpenedAt           time.Time       `json:"opened_at" db:"opened_at"`
	SettledAt          time.Time       `json:"settled_at" db:"settled_at"`
}

// TradeAudit is the immutable row written when a position opens.
type TradeAudit struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	OperatorID   string          `json:"operator_id" db:"operator_id"`
	Market       string          `json:"market" db:"market"`
	Selection    string          `json:"selection" db:"selection"`
	Side         Side            `json:"side" db:"side"`
	Stake        decimal.Decimal `json:"stake" db:"stake"`
	RequestOdds  decimal.Decimal `json:"request_odds" db:"request_odds"`
	EntryOdds    decimal.Decimal `json:"entry_odds" db:"entry_odds"`
	TargetProfit decimal.Decimal `json:"target_profit" db:"target_profit"`
	StopLoss     decimal.Decimal `json:"stop_loss" db:"stop_loss"`
	BalanceAt    decimal.Decimal `json:"balance_at" db:"balance_at"`
	OpenedAt     time.Time       `json:"opened_at" db:"opened_at"`
}

// Wallet is the authoritative balance row. It is only written at settlement.
type Wallet struct {
	UserID     string          `json:"user_id" db:"user_id"`
	OperatorID string          `json:"operator_id" db:"operator_id"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
	LastRef    string          `json:"last_ref" db:"last_ref"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}
