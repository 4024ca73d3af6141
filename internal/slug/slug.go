// Package slug parses and builds the identifiers used to address markets,
// selections and price runners.
//
//	selection slug: {market}:{selection}
//	runner slug:    {market}:{selection}:{side}
//
// Side is encoded as 0 (BUY) or 1 (SELL); "buy" and "sell" are also accepted.
package slug

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/spread-engine/internal/model"
)

// Side codes used on the wire.
const (
	CodeBuy  = "0"
	CodeSell = "1"
)

var (
	selectionRegex = regexp.MustCompile(`^([A-Za-z0-9_.\-]+):([A-Za-z0-9_.\-]+)$`)
	runnerRegex    = regexp.MustCompile(`^([A-Za-z0-9_.\-]+):([A-Za-z0-9_.\-]+):([A-Za-z0-9]+)$`)
)

var (
	ErrInvalidSlug = errors.New("slug: invalid format")
	ErrInvalidSide = errors.New("slug: invalid side")
)

// Runner identifies the price line for one side of a selection.
type Runner struct {
	Market    string     `json:"market"`
	Selection string     `json:"selection"`
	Side      model.Side `json:"side"`
}

// SelectionSlug returns the {market}:{selection} part.
func (r Runner) SelectionSlug() string {
	return Selection(r.Market, r.Selection)
}

// String returns the canonical runner slug.
func (r Runner) String() string {
	return Tick(r.Market, r.Selection, r.Side)
}

// Parse parses a runner slug.
// Format: {market}:{selection}:{side}
func Parse(s string) (Runner, error) {
	m := runnerRegex.FindStringSubmatch(s)
	if m == nil {
		return Runner{}, fmt.Errorf("%w: %q (expected {market}:{selection}:{side})", ErrInvalidSlug, s)
	}
	side, err := ParseSide(m[3])
	if err != nil {
		return Runner{}, err
	}
	return Runner{Market: m[1], Selection: m[2], Side: side}, nil
}

// ParseSelection splits a selection slug into market and selection.
func ParseSelection(s string) (market, selection string, err error) {
	m := selectionRegex.FindStringSubmatch(s)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q (expected {market}:{selection})", ErrInvalidSlug, s)
	}
	return m[1], m[2], nil
}

// ParseSide decodes a wire side code.
func ParseSide(s string) (model.Side, error) {
	switch strings.ToUpper(s) {
	case CodeBuy, string(model.SideBuy):
		return model.SideBuy, nil
	case CodeSell, string(model.SideSell):
		return model.SideSell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

// SideCode encodes a side for the wire.
func SideCode(side model.Side) string {
	if side == model.SideSell {
		return CodeSell
	}
	return CodeBuy
}

// Selection builds a selection slug.
func Selection(market, selection string) string {
	return market + ":" + selection
}

// Tick builds a runner slug.
func Tick(market, selection string, side model.Side) string {
	return Selection(market, selection) + ":" + SideCode(side)
}
