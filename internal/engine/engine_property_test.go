package engine_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/spread-engine/internal/engine"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/slug"
)

// After any sequence of ticks the balance equals the starting balance plus
// every settled profit plus every open profit, no position settles twice,
// and open positions stay inside their limits.
func TestProperty_TicksConserveBalance(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e := newEnv(t)
		ctx := context.Background()
		start := decimal.NewFromInt(rapid.Int64Range(50, 5000).Draw(rt, "balance"))
		if err := e.wallets.PutWallet(ctx, &model.Wallet{UserID: "u1", OperatorID: "op", Balance: start}); err != nil {
			rt.Fatalf("fund: %v", err)
		}
		e.price(t, "m1", "home", model.SideBuy, 2.0)
		e.price(t, "m1", "home", model.SideSell, 2.0)

		n := rapid.IntRange(1, 4).Draw(rt, "positions")
		for i := 0; i < n; i++ {
			side := rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(rt, "side")
			_, err := e.eng.PlaceTrade(ctx, engine.OpenRequest{
				UserID: "u1", OperatorID: "op", Market: "m1", Selection: "home", Side: side,
				Stake:         decimal.NewFromInt(rapid.Int64Range(1, 20).Draw(rt, "stake")),
				StopLoss:      decimal.NewFromInt(rapid.Int64Range(0, 500).Draw(rt, "stopLoss")),
				AcceptAnyOdds: true,
			})
			if err != nil && !engine.IsValidation(err) {
				rt.Fatalf("open: %v", err)
			}
		}

		ticks := rapid.SliceOfN(rapid.Int64Range(150, 250), 1, 25).Draw(rt, "ticks")
		for i, raw := range ticks {
			side := model.SideBuy
			if i%2 == 1 {
				side = model.SideSell
			}
			tick := model.Tick{ID: slug.Tick("m1", "home", side), Odds: decimal.New(raw, -2), Status: model.TickOpen}
			if err := e.prices.Set(ctx, tick); err != nil {
				rt.Fatalf("price: %v", err)
			}
			if err := e.eng.ProcessTick(ctx, tick); err != nil {
				rt.Fatalf("tick: %v", err)
			}

			acct, ok := e.state.Account(key("u1"))
			if !ok {
				continue
			}
			for _, list := range acct.Positions {
				for _, p := range list {
					if p.Profit.LessThan(p.StopLoss) || p.Profit.GreaterThan(p.TargetProfit) {
						rt.Fatalf("profit %s outside [%s, %s]", p.Profit, p.StopLoss, p.TargetProfit)
					}
				}
			}
		}

		settled := decimal.Zero
		seen := make(map[string]bool)
		for _, s := range e.rows.Settlements() {
			if seen[s.PositionID] {
				rt.Fatalf("position %s settled twice", s.PositionID)
			}
			seen[s.PositionID] = true
			settled = settled.Add(s.Profit)
		}

		var balance, open decimal.Decimal
		if acct, ok := e.state.Account(key("u1")); ok {
			balance = acct.TotalBalance
			for _, list := range acct.Positions {
				for _, p := range list {
					open = open.Add(p.Profit)
				}
			}
		} else {
			b, _ := e.state.SettledBalance(key("u1"))
			balance = b
		}

		if balance.IsNegative() {
			rt.Fatalf("balance went negative: %s", balance)
		}
		if balance.IsPositive() {
			if want := start.Add(settled).Add(open); !balance.Equal(want) {
				rt.Fatalf("balance %s, want %s", balance, want)
			}
		}
	})
}
