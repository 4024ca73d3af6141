package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/pnl"
	"github.com/atmx/spread-engine/internal/slug"
)

// IntentKind is the exit a tick asks for.
type IntentKind int

const (
	IntentStopLoss IntentKind = iota + 1
	IntentLiquidation
)

func (k IntentKind) String() string {
	switch k {
	case IntentStopLoss:
		return "stop_loss"
	case IntentLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// Intent is an exit decided while revaluing a user on a tick. It is executed
// after the user's lock has been released.
type Intent struct {
	Kind       IntentKind
	User       model.UserKey
	PositionID string         // stop loss only
	Account    *model.Account // liquidation only; already removed from the store
	Tick       model.Tick
}

// OnTick revalues every open position matching the tick's runner. Users are
// processed concurrently, each under its own lock. It returns the exits the
// tick triggered; nothing has been settled yet.
func (e *Engine) OnTick(ctx context.Context, tick model.Tick) ([]Intent, error) {
	r, err := slug.Parse(tick.ID)
	if err != nil {
		return nil, err
	}
	if !tick.Odds.IsPositive() {
		return nil, fmt.Errorf("tick %s: odds must be positive, got %s", tick.ID, tick.Odds)
	}

	start := time.Now()
	defer func() { metrics.TickLatency.Observe(time.Since(start).Seconds()) }()

	var (
		mu      sync.Mutex
		intents []Intent
		g       errgroup.Group
	)
	g.SetLimit(e.workers)
	for _, key := range e.state.Index().Users(r.SelectionSlug()) {
		g.Go(func() error {
			var found []Intent
			err := e.state.WithUser(ctx, key, func() error {
				found = e.tickLocked(key, r, tick)
				return nil
			})
			if err != nil {
				return fmt.Errorf("tick %s for %s: %w", tick.ID, key, err)
			}
			if len(found) > 0 {
				mu.Lock()
				intents = append(intents, found...)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	return intents, err
}

func (e *Engine) tickLocked(key model.UserKey, r slug.Runner, tick model.Tick) []Intent {
	acct, ok := e.state.Account(key)
	if !ok {
		return nil
	}

	var out []Intent
	for _, p := range acct.Positions[r.SelectionSlug()] {
		if p.Side != r.Side || p.RunningOdds.Equal(tick.Odds) {
			continue
		}
		rv := e.revalueLocked(acct, p, tick.Odds)

		if pnl.Liquidating(acct.TotalBalance) {
			// Stop further ticks reaching this user before the exit runs.
			e.state.RemoveAccount(key)
			e.state.RememberBalance(key, acct.TotalBalance)
			return []Intent{{Kind: IntentLiquidation, User: key, Account: acct, Tick: tick}}
		}
		if rv.StopLossHit {
			out = append(out, Intent{Kind: IntentStopLoss, User: key, PositionID: p.ID, Tick: tick})
		}
	}
	return out
}

// Execute runs the exits produced by OnTick. Failures are logged and the
// remaining intents still run.
func (e *Engine) Execute(ctx context.Context, intents []Intent) {
	for _, in := range intents {
		var err error
		switch in.Kind {
		case IntentLiquidation:
			err = e.Liquidate(ctx, in.Account, in.Tick)
		case IntentStopLoss:
			err = e.StopLossExit(ctx, in.User, in.PositionID, in.Tick)
		}
		if err != nil {
			slog.Error("exit failed", "kind", in.Kind.String(), "user", string(in.User), "position", in.PositionID, "error", err)
		}
	}
}

// ProcessTick revalues on a tick and then executes the resulting exits.
func (e *Engine) ProcessTick(ctx context.Context, tick model.Tick) error {
	intents, err := e.OnTick(ctx, tick)
	e.Execute(ctx, intents)
	return err
}
