package market

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrStakeBelowMinimum is returned when a stake is under the configured minimum.
	ErrStakeBelowMinimum = errors.New("market: stake below minimum")

	// ErrStakeAboveMaximum is returned when a stake exceeds the maximum for
	// the odds bucket it is placed in.
	ErrStakeAboveMaximum = errors.New("market: stake above maximum for odds")
)

// Bucket caps the stake for odds in [MinOdds, MaxOdds).
type Bucket struct {
	MinOdds  decimal.Decimal `json:"min_odds" mapstructure:"min_odds"`
	MaxOdds  decimal.Decimal `json:"max_odds" mapstructure:"max_odds"`
	MaxStake decimal.Decimal `json:"max_stake" mapstructure:"max_stake"`
}

// StakeTable enforces stake limits per odds bucket.
//
// Lower odds are the likelier outcome, so buckets usually allow larger stakes
// there. Odds falling outside every bucket are capped by the last bucket.
type StakeTable struct {
	// MinStake is the smallest stake accepted at any odds.
	MinStake decimal.Decimal

	// Buckets must be sorted by MinOdds and non-overlapping.
	Buckets []Bucket
}

// NewStakeTable creates a table with the given minimum and buckets.
func NewStakeTable(minStake decimal.Decimal, buckets []Bucket) *StakeTable {
	return &StakeTable{MinStake: minStake, Buckets: buckets}
}

// MaxStake returns the largest stake allowed at odds. A table with no
// buckets has no maximum and returns zero.
func (t *StakeTable) MaxStake(odds decimal.Decimal) decimal.Decimal {
	if len(t.Buckets) == 0 {
		return decimal.Zero
	}
	for _, b := range t.Buckets {
		if odds.GreaterThanOrEqual(b.MinOdds) && odds.LessThan(b.MaxOdds) {
			return b.MaxStake
		}
	}
	return t.Buckets[len(t.Buckets)-1].MaxStake
}

// Check validates a stake at odds. Returns nil if within limits.
func (t *StakeTable) Check(stake, odds decimal.Decimal) error {
	if stake.LessThan(t.MinStake) || !stake.IsPositive() {
		return ErrStakeBelowMinimum
	}
	if limit := t.MaxStake(odds); limit.IsPositive() && stake.GreaterThan(limit) {
		return ErrStakeAboveMaximum
	}
	return nil
}

// DefaultBuckets is the stake table used when none is configured.
func DefaultBuckets() []Bucket {
	return []Bucket{
		{MinOdds: decimal.RequireFromString("1.01"), MaxOdds: decimal.RequireFromString("2.00"), MaxStake: decimal.NewFromInt(500)},
		{MinOdds: decimal.RequireFromString("2.00"), MaxOdds: decimal.RequireFromString("5.00"), MaxStake: decimal.NewFromInt(200)},
		{MinOdds: decimal.RequireFromString("5.00"), MaxOdds: decimal.RequireFromString("1000"), MaxStake: decimal.NewFromInt(50)},
	}
}
