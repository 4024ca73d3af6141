// Package pnl implements the spread-betting profit arithmetic: the
// stop-loss/target limits fixed when a position opens, and the revaluation
// applied on every price tick.
//
// Profit on a position is linear in the odds move, scaled by 100 points per
// unit of odds:
//
//	BUY:  stake · (odds − entryOdds) · 100
//	SELL: stake · (entryOdds − odds) · 100
//
// A positive profit is reduced by the platform commission. After every
// revaluation the result satisfies stopLoss ≤ profit ≤ targetProfit.
//
// All monetary values use shopspring/decimal; never float64 for money.
// The calculator is stateless; positions are passed in and never mutated.
package pnl

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
)

var (
	// ErrInvalidCommission is returned when the commission is outside [0, 100).
	ErrInvalidCommission = errors.New("pnl: commission must be in [0, 100) percent")

	// PointValue is the profit per unit of stake per 1.0 odds move.
	PointValue = decimal.NewFromInt(100)

	// CentScale is the number of decimal places money is rounded to.
	CentScale int32 = 2
)

// RoundCents rounds a monetary value to cents.
func RoundCents(v decimal.Decimal) decimal.Decimal {
	return v.Round(CentScale)
}

// Calculator applies the profit rules for a fixed commission rate.
type Calculator struct {
	keep decimal.Decimal // 1 − commission
}

// NewCalculator creates a calculator for a commission given in percent
// (2 means 2%).
func NewCalculator(commissionPct decimal.Decimal) (*Calculator, error) {
	if commissionPct.IsNegative() || commissionPct.GreaterThanOrEqual(PointValue) {
		return nil, ErrInvalidCommission
	}
	return &Calculator{keep: decimal.NewFromInt(1).Sub(commissionPct.Div(PointValue))}, nil
}

// Raw returns the profit of a position at odds before commission.
func Raw(side model.Side, stake, entryOdds, odds decimal.Decimal) decimal.Decimal {
	move := odds.Sub(entryOdds)
	if side == model.SideSell {
		move = move.Neg()
	}
	return stake.Mul(move).Mul(PointValue)
}

// Net applies the commission haircut to a positive profit. Losses pass through.
func (c *Calculator) Net(profit decimal.Decimal) decimal.Decimal {
	if !profit.IsPositive() {
		return profit
	}
	return profit.Mul(c.keep)
}

// LimitsRequest carries everything needed to fix a new position's limits.
// Zero caps and zero envelope bounds mean "no limit".
type LimitsRequest struct {
	Stake          decimal.Decimal
	Odds           decimal.Decimal
	TargetCap      decimal.Decimal // caller-supplied, positive
	StopLossCap    decimal.Decimal // caller-supplied, magnitude (sign ignored)
	EnvelopeProfit decimal.Decimal // per-market max profit for the side
	EnvelopeLoss   decimal.Decimal // per-market max loss for the side, magnitude
	Spendable      decimal.Decimal // balance not already backing open stakes
}

// Limits computes the target profit and stop loss for a new position.
//
// Both start at the base (odds − 1) · stake · 100. Caller caps take the
// minimum; if the stop-loss magnitude ends up below the target, the target is
// pulled down to it. Both are then clamped to the market envelope, and the
// stop loss to the spendable balance. The returned target is net of
// commission, so it is directly comparable with revalued profit. The stop
// loss is returned as a negative number (or zero).
func (c *Calculator) Limits(r LimitsRequest) (target, stopLoss decimal.Decimal) {
	base := r.Odds.Sub(decimal.NewFromInt(1)).Mul(r.Stake).Mul(PointValue)
	target, loss := base, base

	if r.TargetCap.IsPositive() {
		target = decimal.Min(target, r.TargetCap)
	}
	if capLoss := r.StopLossCap.Abs(); capLoss.IsPositive() {
		loss = decimal.Min(loss, capLoss)
	}
	if loss.LessThan(target) {
		target = loss
	}

	if r.EnvelopeProfit.IsPositive() {
		target = decimal.Min(target, r.EnvelopeProfit)
	}
	if r.EnvelopeLoss.IsPositive() {
		loss = decimal.Min(loss, r.EnvelopeLoss)
	}
	loss = decimal.Min(loss, decimal.Max(r.Spendable, decimal.Zero))

	return RoundCents(c.Net(target)), RoundCents(loss).Neg()
}

// Revaluation is the outcome of repricing one position.
type Revaluation struct {
	Profit      decimal.Decimal // clamped profit
	Bonus       decimal.Decimal // shortfall absorbed by the platform, ≤ 0
	Delta       decimal.Decimal // Profit − previous profit
	Balance     decimal.Decimal // account balance after Delta, in cents
	StopLossHit bool
	TargetMet   bool // sticky: stays true once reached
}

// Revalue prices p at odds against the account balance, which already
// includes p's current profit.
//
// A profit at or below the stop loss is clamped to it. Independently the
// profit is floored so the balance cannot go below zero; when the floor
// binds, the loss the balance could not cover is reported as Bonus. Profit
// above the target is capped at the target and marks it met.
func (c *Calculator) Revalue(p *model.Position, odds, balance decimal.Decimal) Revaluation {
	profit := RoundCents(c.Net(Raw(p.Side, p.Stake, p.EntryOdds, odds)))

	r := Revaluation{TargetMet: p.IsTargetMet, Bonus: decimal.Zero}

	if profit.LessThanOrEqual(p.StopLoss) {
		profit = p.StopLoss
		r.StopLossHit = true
	}
	floor := balance.Sub(p.Profit).Neg()
	if profit.LessThan(floor) {
		r.Bonus = profit.Sub(floor)
		profit = floor
	}
	if p.TargetProfit.IsPositive() && profit.GreaterThanOrEqual(p.TargetProfit) {
		profit = p.TargetProfit
		r.TargetMet = true
	}

	r.Profit = profit
	r.Delta = profit.Sub(p.Profit)
	r.Balance = RoundCents(balance.Add(r.Delta))
	return r
}

// Liquidating reports whether a balance has reached the liquidation threshold.
func Liquidating(balance decimal.Decimal) bool {
	return !RoundCents(balance).IsPositive()
}
