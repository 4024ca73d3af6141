// Package market holds the market catalog, the latest-price source and the
// stake limits consulted when a position opens.
//
// All monetary values use shopspring/decimal; never float64 for money.
package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
)

var (
	ErrMarketNotFound = errors.New("market: not found")
	ErrNoPrice        = errors.New("market: no price for runner")
	ErrMarketClosed   = errors.New("market: closed markets cannot reopen")
)

// Bound is the max-exposure envelope for one side of a market.
// A zero field means no limit.
type Bound struct {
	MaxProfit decimal.Decimal `json:"max_profit"`
	MaxLoss   decimal.Decimal `json:"max_loss"`
}

// Market is a tradable event with a fixed set of selections.
type Market struct {
	ID         string             `json:"id"`
	Selections []string           `json:"selections"`
	Enabled    bool               `json:"enabled"`
	Status     model.MarketStatus `json:"status"`
	MaxOdds    decimal.Decimal    `json:"max_odds"`
	Buy        Bound              `json:"buy"`
	Sell       Bound              `json:"sell"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Envelope returns the exposure bound for side.
func (m *Market) Envelope(side model.Side) Bound {
	if side == model.SideSell {
		return m.Sell
	}
	return m.Buy
}

// HasSelection reports whether sel belongs to the market.
func (m *Market) HasSelection(sel string) bool {
	for _, s := range m.Selections {
		if s == sel {
			return true
		}
	}
	return false
}

// Tradable reports whether odds lie inside (1.0, MaxOdds).
func (m *Market) Tradable(odds decimal.Decimal) bool {
	if odds.LessThanOrEqual(decimal.NewFromInt(1)) {
		return false
	}
	return m.MaxOdds.IsZero() || odds.LessThan(m.MaxOdds)
}

// Catalog is the source of market definitions and trading status.
type Catalog interface {
	Get(ctx context.Context, id string) (*Market, error)
	List(ctx context.Context) ([]Market, error)
	Upsert(ctx context.Context, m *Market) error
	// SetStatus records a status transition and reports whether it changed.
	// CLOSED is terminal: leaving it returns ErrMarketClosed.
	SetStatus(ctx context.Context, id string, status model.MarketStatus) (bool, error)
}

// MemoryCatalog implements Catalog with an in-memory map, seeded from config.
type MemoryCatalog struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

// NewMemoryCatalog creates a catalog holding copies of markets.
func NewMemoryCatalog(markets ...Market) *MemoryCatalog {
	c := &MemoryCatalog{markets: make(map[string]*Market, len(markets))}
	for i := range markets {
		m := markets[i]
		c.markets[m.ID] = &m
	}
	return c
}

func (c *MemoryCatalog) Get(_ context.Context, id string) (*Market, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (c *MemoryCatalog) List(_ context.Context) ([]Market, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	markets := make([]Market, 0, len(c.markets))
	for _, m := range c.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets, nil
}

func (c *MemoryCatalog) Upsert(_ context.Context, m *Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *m
	c.markets[m.ID] = &cp
	return nil
}

func (c *MemoryCatalog) SetStatus(_ context.Context, id string, status model.MarketStatus) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.markets[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	if m.Status == status {
		return false, nil
	}
	if m.Status == model.MarketClosed {
		return false, fmt.Errorf("%w: %s", ErrMarketClosed, id)
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return true, nil
}
