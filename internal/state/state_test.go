package state

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
)

func newAccountWith(user string, sels ...string) *model.Account {
	a := model.NewAccount(user, "op1", decimal.NewFromInt(100))
	for i, sel := range sels {
		a.Positions[sel] = append(a.Positions[sel], &model.Position{
			ID:        user + "-" + sel + "-" + string(rune('a'+i)),
			Market:    sel[:2],
			Selection: sel[3:],
			Side:      model.SideBuy,
			Stake:     decimal.NewFromInt(5),
		})
	}
	return a
}

func TestSlugIndex_AddRemove(t *testing.T) {
	x := NewSlugIndex()
	x.Add("m1:s1", "op1/u1")
	x.Add("m1:s1", "op1/u2")
	x.Add("m1:s2", "op1/u1")

	if got := x.Users("m1:s1"); len(got) != 2 {
		t.Fatalf("expected 2 users on m1:s1, got %v", got)
	}

	x.Remove("m1:s1", "op1/u1")
	x.Remove("m1:s1", "op1/u2")
	if got := x.Users("m1:s1"); len(got) != 0 {
		t.Errorf("expected empty selection, got %v", got)
	}
	if _, ok := x.Copy()["m1:s1"]; ok {
		t.Error("empty selection should be dropped from the index")
	}
	if !x.Contains("m1:s2", "op1/u1") {
		t.Error("m1:s2 membership lost")
	}
}

func TestSlugIndex_SelectionsForMarket(t *testing.T) {
	x := NewSlugIndex()
	x.Add("m1:s1", "op1/u1")
	x.Add("m1:s2", "op1/u1")
	x.Add("m10:s1", "op1/u1")

	got := x.SelectionsForMarket("m1")
	if len(got) != 2 || got[0] != "m1:s1" || got[1] != "m1:s2" {
		t.Errorf("unexpected selections for m1: %v", got)
	}
}

func TestContainer_RemoveAccountDropsIndex(t *testing.T) {
	c := New()
	a := newAccountWith("u1", "m1:s1", "m2:s1")
	c.PutAccount(a)
	c.Index().Add("m1:s1", a.Key())
	c.Index().Add("m2:s1", a.Key())

	removed, ok := c.RemoveAccount(a.Key())
	if !ok || removed != a {
		t.Fatal("expected account to be removed")
	}
	if c.Len() != 0 {
		t.Errorf("store should be empty, has %d", c.Len())
	}
	if len(c.Index().Copy()) != 0 {
		t.Errorf("index should be empty, got %v", c.Index().Copy())
	}
}

func TestContainer_SnapshotIsDeepCopy(t *testing.T) {
	c := New()
	a := newAccountWith("u1", "m1:s1")
	c.PutAccount(a)
	c.Index().Add("m1:s1", a.Key())

	accounts, index, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	a.Positions["m1:s1"][0].Profit = decimal.NewFromInt(42)
	got := accounts[a.Key()].Positions["m1:s1"][0].Profit
	if !got.IsZero() {
		t.Errorf("snapshot shares position memory with live state: profit=%s", got)
	}
	if len(index["m1:s1"]) != 1 {
		t.Errorf("index snapshot missing membership: %v", index)
	}
}

func TestContainer_RememberedBalance(t *testing.T) {
	c := New()
	key := model.NewUserKey("u1", "op1")

	if _, ok := c.SettledBalance(key); ok {
		t.Fatal("no balance should be remembered yet")
	}
	c.RememberBalance(key, decimal.NewFromInt(75))
	b, ok := c.SettledBalance(key)
	if !ok || !b.Equal(decimal.NewFromInt(75)) {
		t.Errorf("expected remembered balance 75, got %s (ok=%v)", b, ok)
	}
	c.ForgetBalance(key)
	if _, ok := c.SettledBalance(key); ok {
		t.Error("balance should be forgotten")
	}
}
