package engine

import (
	"errors"
	"fmt"

	"github.com/atmx/spread-engine/internal/metrics"
)

// ValidationError is a rejected command. It is reported to the caller, causes
// no state change and is not logged as a failure. Two validation errors match
// with errors.Is when their codes match.
type ValidationError struct {
	Code string
	Msg  string
}

func (e *ValidationError) Error() string {
	return "engine: " + e.Msg
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

func newValidation(code, msg string) *ValidationError {
	return &ValidationError{Code: code, Msg: msg}
}

var (
	ErrUnknownMarket       = newValidation("unknown_market", "unknown market or selection")
	ErrMarketDisabled      = newValidation("market_disabled", "market is not enabled for trading")
	ErrNotSubscribed       = newValidation("not_subscribed", "connection is not subscribed to the selection")
	ErrInvalidSide         = newValidation("invalid_side", "side must be BUY or SELL")
	ErrNoPrice             = newValidation("no_price", "no current price for the runner")
	ErrOddsOutOfRange      = newValidation("odds_out_of_range", "odds outside the tradable range")
	ErrMarketNotOpen       = newValidation("market_not_open", "market is suspended or closed")
	ErrStakeBelowMinimum   = newValidation("stake_below_minimum", "stake below minimum")
	ErrStakeAboveMaximum   = newValidation("stake_above_maximum", "stake above maximum for the odds")
	ErrInsufficientBalance = newValidation("insufficient_balance", "combined stake exceeds balance")
	ErrOddsChanged         = newValidation("odds_changed", "odds moved against the request")
	ErrPositionNotFound    = newValidation("position_not_found", "no open position matches the request")
	ErrInvalidCommand      = newValidation("invalid_command", "malformed command")
)

var (
	// ErrPriceTimeout is returned when the price lookup exceeds its deadline.
	// Nothing was opened or closed; the caller should retry.
	ErrPriceTimeout = errors.New("engine: price lookup timed out")

	// ErrUpstream wraps failures of the price source or wallet store.
	ErrUpstream = errors.New("engine: upstream unavailable")
)

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Code returns the validation code of err, or "".
func Code(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Code
	}
	return ""
}

func reject(base *ValidationError, format string, args ...any) error {
	metrics.Rejections.WithLabelValues(base.Code).Inc()
	if format == "" {
		return base
	}
	return fmt.Errorf("%w: "+format, append([]any{base}, args...)...)
}
