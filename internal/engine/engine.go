// Package engine implements the spread-betting trade engine: opening
// positions, revaluing them on every price tick, and closing them by manual
// exit, stop loss, market closure or liquidation.
//
// All per-user state lives in a state.Container and is only touched while
// holding that user's lock. Network and store I/O happens before the lock is
// taken or after it is released. Durable rows are handed to a Persister
// after the in-memory change is final and are never rolled back.
//
// All monetary values use shopspring/decimal; never float64 for money.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/notify"
	"github.com/atmx/spread-engine/internal/pnl"
	"github.com/atmx/spread-engine/internal/state"
	"github.com/atmx/spread-engine/internal/store"
)

// Persister receives durable rows once the in-memory change is final.
// Implementations must not block on I/O; settle.Writer queues them.
type Persister interface {
	TradeOpened(a *model.TradeAudit)
	Settled(s *model.Settlement)
	WalletUpdated(w *model.Wallet)
}

// Wallets reads the authoritative balance for users not yet in memory.
type Wallets interface {
	GetWallet(ctx context.Context, userID, operatorID string) (*model.Wallet, error)
}

// Subscriptions reports whether a client connection owned by a user watches
// a selection.
type Subscriptions interface {
	Subscribed(owner model.UserKey, connID, selection string) bool
}

// Deps are the collaborators of an Engine.
type Deps struct {
	State     *state.Container
	Catalog   market.Catalog
	Prices    market.PriceSource
	Stakes    *market.StakeTable
	Calc      *pnl.Calculator
	Wallets   Wallets
	Persister Persister
	Notifier  notify.Notifier
	// Subscriptions is optional; nil accepts every connection.
	Subscriptions Subscriptions
	PriceTimeout  time.Duration
	// Workers bounds per-user fan-out on one tick or market closure.
	Workers int
	Now     func() time.Time
}

// Engine is the trade engine.
type Engine struct {
	state    *state.Container
	catalog  market.Catalog
	prices   market.PriceSource
	stakes   *market.StakeTable
	calc     *pnl.Calculator
	wallets  Wallets
	persist  Persister
	notifier notify.Notifier
	subs     Subscriptions
	timeout  time.Duration
	workers  int
	now      func() time.Time
}

// New creates an engine.
func New(d Deps) *Engine {
	e := &Engine{
		state:    d.State,
		catalog:  d.Catalog,
		prices:   d.Prices,
		stakes:   d.Stakes,
		calc:     d.Calc,
		wallets:  d.Wallets,
		persist:  d.Persister,
		notifier: d.Notifier,
		subs:     d.Subscriptions,
		timeout:  d.PriceTimeout,
		workers:  d.Workers,
		now:      d.Now,
	}
	if e.timeout <= 0 {
		e.timeout = 2 * time.Second
	}
	if e.workers < 1 {
		e.workers = 16
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.notifier == nil {
		e.notifier = discard{}
	}
	return e
}

// State returns the container the engine operates on.
func (e *Engine) State() *state.Container {
	return e.state
}

// Account returns a copy of the in-memory account for key.
func (e *Engine) Account(ctx context.Context, key model.UserKey) (*model.Account, bool, error) {
	var out *model.Account
	err := e.state.WithUser(ctx, key, func() error {
		if a, ok := e.state.Account(key); ok {
			out = a.Clone()
		}
		return nil
	})
	return out, out != nil, err
}

// latest fetches the current tick for a runner with the configured timeout.
func (e *Engine) latest(ctx context.Context, runner string) (model.Tick, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	t, err := e.prices.Latest(ctx, runner)
	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, market.ErrNoPrice):
		return model.Tick{}, reject(ErrNoPrice, "%s", runner)
	case errors.Is(err, context.DeadlineExceeded):
		return model.Tick{}, ErrPriceTimeout
	default:
		return model.Tick{}, fmt.Errorf("%w: price %s: %v", ErrUpstream, runner, err)
	}
}

// openingBalance returns the balance a new account would start from, read
// before taking the user's lock. ok is false when the user already has an
// account in memory.
func (e *Engine) openingBalance(ctx context.Context, key model.UserKey) (balance decimal.Decimal, ok bool, err error) {
	if _, exists := e.state.Account(key); exists {
		return decimal.Zero, false, nil
	}
	if b, found := e.state.SettledBalance(key); found {
		return b, true, nil
	}
	userID, operatorID := key.Split()
	w, err := e.wallets.GetWallet(ctx, userID, operatorID)
	if errors.Is(err, store.ErrWalletNotFound) {
		return decimal.Zero, true, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("%w: wallet %s: %v", ErrUpstream, key, err)
	}
	return w.Balance, true, nil
}

func snapshot(t model.Tick) json.RawMessage {
	if t.ID == "" {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	return data
}

type discard struct{}

func (discard) Send(model.UserKey, string, notify.Event) {}
