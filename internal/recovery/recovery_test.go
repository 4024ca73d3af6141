package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/state"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func position(id, mkt, sel string, side model.Side, stake, entry float64) *model.Position {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.Position{
		ID:             id,
		Market:         mkt,
		Selection:      sel,
		Side:           side,
		Stake:          d(stake),
		EntryOdds:      d(entry),
		RunningOdds:    d(entry + 0.1),
		Profit:         d(12.5),
		OpenedAt:       at,
		BalanceAfter:   d(512.5),
		BalanceAfterAt: at.Add(time.Minute),
		TargetProfit:   d(490),
		StopLoss:       d(-250),
		Bonus:          decimal.Zero,
	}
}

func seed(st *state.Container) {
	add := func(user string, balance float64, positions ...*model.Position) {
		a := model.NewAccount(user, "op1", d(balance))
		a.ConnectionID = "conn-" + user
		for _, p := range positions {
			a.Positions[p.SelectionSlug()] = append(a.Positions[p.SelectionSlug()], p)
			a.TotalStake = a.TotalStake.Add(p.Stake)
			a.TotalProfit = a.TotalProfit.Add(p.Profit)
			st.Index().Add(p.SelectionSlug(), a.Key())
		}
		st.PutAccount(a)
	}
	add("alice", 500,
		position("p1", "m1", "home", model.SideBuy, 10, 1.5),
		position("p2", "m1", "home", model.SideSell, 5, 1.6))
	add("bob", 800,
		position("p3", "m1", "away", model.SideBuy, 20, 2.5),
		position("p4", "m2", "x", model.SideSell, 15, 3.0))
	add("carol", 120,
		position("p5", "m2", "x", model.SideBuy, 7, 4.2))
}

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mirror := &MemoryMirror{}

	src := state.New()
	seed(src)
	before, beforeIndex, err := src.Snapshot(ctx)
	require.NoError(t, err)

	n, err := New(src, mirror).Save(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	dst := state.New()
	n, err = New(dst, mirror).Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	after, afterIndex, err := dst.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, after, 3)

	total := 0
	for key, want := range before {
		got, ok := after[key]
		require.True(t, ok, "missing account %s", key)
		require.Equal(t, want.UserID, got.UserID)
		require.Equal(t, want.ConnectionID, got.ConnectionID)
		require.True(t, want.TotalBalance.Equal(got.TotalBalance))
		require.True(t, want.TotalStake.Equal(got.TotalStake))
		require.True(t, want.TotalProfit.Equal(got.TotalProfit))
		require.Equal(t, want.OpenCount(), got.OpenCount())
		total += got.OpenCount()

		for sel, list := range want.Positions {
			require.Len(t, got.Positions[sel], len(list))
			for i, p := range list {
				q := got.Positions[sel][i]
				require.Equal(t, p.ID, q.ID)
				require.Equal(t, p.Side, q.Side)
				require.True(t, p.Stake.Equal(q.Stake))
				require.True(t, p.EntryOdds.Equal(q.EntryOdds))
				require.True(t, p.RunningOdds.Equal(q.RunningOdds))
				require.True(t, p.Profit.Equal(q.Profit))
				require.True(t, p.TargetProfit.Equal(q.TargetProfit))
				require.True(t, p.StopLoss.Equal(q.StopLoss))
				require.True(t, p.OpenedAt.Equal(q.OpenedAt))
			}
		}
	}
	require.Equal(t, 5, total)
	require.Equal(t, beforeIndex, afterIndex)
	require.True(t, dst.Index().Contains("m2:x", model.NewUserKey("carol", "op1")))
}

func TestCache_RestoreDeletesMirror(t *testing.T) {
	ctx := context.Background()
	mirror := &MemoryMirror{}

	src := state.New()
	seed(src)
	_, err := New(src, mirror).Save(ctx)
	require.NoError(t, err)

	n, err := New(state.New(), mirror).Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	dst := state.New()
	n, err = New(dst, mirror).Restore(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "a second boot must not replay the mirror")
	require.Zero(t, dst.Len())
}

func TestCache_EmptyStore(t *testing.T) {
	ctx := context.Background()
	mirror := &MemoryMirror{}

	n, err := New(state.New(), mirror).Save(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	dst := state.New()
	n, err = New(dst, mirror).Restore(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, dst.Index().Copy())
}
