// Package notify delivers trade events to connected clients.
package notify

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
)

// Event types.
const (
	TypeHello       = "hello"
	TypeTradeOpened = "trade_opened"
	TypeSettlement  = "settlement"
	TypeBalance     = "balance"
	TypeLiquidation = "liquidation"
	TypeSubscribed  = "subscribed"
	TypeError       = "error"
)

// Event is a JSON message sent to one client.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// TradeOpened acknowledges an open command.
type TradeOpened struct {
	PositionID   string          `json:"position_id"`
	Market       string          `json:"market"`
	Selection    string          `json:"selection"`
	Side         string          `json:"side"`
	Stake        decimal.Decimal `json:"stake"`
	EntryOdds    decimal.Decimal `json:"entry_odds"`
	TargetProfit decimal.Decimal `json:"target_profit"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TotalStake   decimal.Decimal `json:"total_stake"`
	OpenedAt     time.Time       `json:"opened_at"`
}

// Settlement reports one closed position.
type Settlement struct {
	PositionID string          `json:"position_id"`
	Market     string          `json:"market"`
	Selection  string          `json:"selection"`
	Side       string          `json:"side"`
	Outcome    string          `json:"outcome"`
	Reason     string          `json:"reason"`
	ExitOdds   decimal.Decimal `json:"exit_odds"`
	Profit     decimal.Decimal `json:"profit"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// Balance reports the account totals after a close.
type Balance struct {
	Balance    decimal.Decimal `json:"balance"`
	TotalStake decimal.Decimal `json:"total_stake"`
}

// Liquidation reports a forced close of every position.
type Liquidation struct {
	Loss      decimal.Decimal `json:"loss"`
	Positions int             `json:"positions"`
}

// Notifier sends events to a connection owned by a user. Events for a
// connection held by another user are dropped. Delivery is best effort.
type Notifier interface {
	Send(owner model.UserKey, connID string, ev Event)
}

// Recorder is an in-memory Notifier and subscription registry. Used for
// testing. A connection id is claimed by the first user that subscribes
// with it.
type Recorder struct {
	mu     sync.Mutex
	events map[string][]Event
	owners map[string]model.UserKey
	subs   map[string]map[string]bool
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		events: make(map[string][]Event),
		owners: make(map[string]model.UserKey),
		subs:   make(map[string]map[string]bool),
	}
}

func (r *Recorder) Send(owner model.UserKey, connID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.owners[connID]; ok && held != owner {
		return
	}
	r.events[connID] = append(r.events[connID], ev)
}

// Subscribe marks connID as watching selection. It reports false when
// connID already belongs to another user.
func (r *Recorder) Subscribe(owner model.UserKey, connID, selection string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.owners[connID]; ok && held != owner {
		return false
	}
	r.owners[connID] = owner
	if r.subs[connID] == nil {
		r.subs[connID] = make(map[string]bool)
	}
	r.subs[connID][selection] = true
	return true
}

// Subscribed reports whether connID belongs to owner and watches selection.
func (r *Recorder) Subscribed(owner model.UserKey, connID, selection string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[connID] == owner && r.subs[connID][selection]
}

// Events returns the events sent to connID, optionally filtered by type.
func (r *Recorder) Events(connID string, types ...string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		return append([]Event(nil), r.events[connID]...)
	}
	var out []Event
	for _, ev := range r.events[connID] {
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
			}
		}
	}
	return out
}
