// Package feed consumes the price-tick stream and drives the engine.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/slug"
)

var ErrInvalidTick = errors.New("feed: invalid tick")

// Decode parses one tick message: {"id": "m:s:side", "odds": 1.85,
// "status": 1, "time": 1700000000000}.
func Decode(data []byte) (model.Tick, error) {
	var raw struct {
		ID     string          `json:"id"`
		Odds   decimal.Decimal `json:"odds"`
		Status *int            `json:"status"`
		Time   int64           `json:"time"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Tick{}, fmt.Errorf("%w: %v", ErrInvalidTick, err)
	}
	if _, err := slug.Parse(raw.ID); err != nil {
		return model.Tick{}, fmt.Errorf("%w: %v", ErrInvalidTick, err)
	}
	if !raw.Odds.IsPositive() {
		return model.Tick{}, fmt.Errorf("%w: odds %s", ErrInvalidTick, raw.Odds)
	}
	status := model.TickOpen
	if raw.Status != nil {
		status = *raw.Status
	}
	switch status {
	case model.TickOpen, model.TickSuspended, model.TickClosed:
	default:
		return model.Tick{}, fmt.Errorf("%w: status %d", ErrInvalidTick, status)
	}
	return model.Tick{ID: raw.ID, Odds: raw.Odds, Status: status, Time: raw.Time}, nil
}

// Engine is the part of the trade engine the feed drives.
type Engine interface {
	ProcessTick(ctx context.Context, tick model.Tick) error
	CloseMarket(ctx context.Context, marketID string) (int, error)
}

// Dispatcher applies ticks: it records the latest price, applies market
// status transitions and revalues positions.
type Dispatcher struct {
	prices  market.PriceSource
	catalog market.Catalog
	engine  Engine
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(prices market.PriceSource, catalog market.Catalog, engine Engine) *Dispatcher {
	return &Dispatcher{prices: prices, catalog: catalog, engine: engine}
}

// Handle processes one tick. A closed status triggers the market-closure
// exit; a suspended status only records the transition. Open or suspended
// ticks for a market already CLOSED are dropped.
func (d *Dispatcher) Handle(ctx context.Context, tick model.Tick) error {
	r, err := slug.Parse(tick.ID)
	if err != nil {
		return err
	}
	if err := d.prices.Set(ctx, tick); err != nil {
		return fmt.Errorf("feed: store price %s: %w", tick.ID, err)
	}

	switch status := tick.MarketStatus(); status {
	case model.MarketClosed:
		n, err := d.engine.CloseMarket(ctx, r.Market)
		if err != nil {
			return fmt.Errorf("feed: close market %s: %w", r.Market, err)
		}
		if n > 0 {
			slog.Info("market closed", "market", r.Market, "settled", n)
		}
		return nil

	case model.MarketSuspended:
		_, err := d.catalog.SetStatus(ctx, r.Market, status)
		if errors.Is(err, market.ErrMarketClosed) {
			slog.Debug("tick for closed market dropped", "tick", tick.ID)
			return nil
		}
		if err != nil && !errors.Is(err, market.ErrMarketNotFound) {
			return fmt.Errorf("feed: suspend %s: %w", r.Market, err)
		}
		return nil

	default:
		changed, err := d.catalog.SetStatus(ctx, r.Market, status)
		if errors.Is(err, market.ErrMarketClosed) {
			slog.Debug("tick for closed market dropped", "tick", tick.ID)
			return nil
		}
		if err != nil && !errors.Is(err, market.ErrMarketNotFound) {
			return fmt.Errorf("feed: open %s: %w", r.Market, err)
		}
		if changed {
			slog.Info("market reopened", "market", r.Market)
		}
		return d.engine.ProcessTick(ctx, tick)
	}
}

// Subscriber reads ticks from a Redis pub/sub channel.
type Subscriber struct {
	rdb     *redis.Client
	channel string
	handler *Dispatcher
}

// NewSubscriber creates a subscriber for channel.
func NewSubscriber(rdb *redis.Client, channel string, handler *Dispatcher) *Subscriber {
	return &Subscriber{rdb: rdb, channel: channel, handler: handler}
}

// Run consumes messages until ctx is cancelled. Undecodable messages and
// handler failures are logged and skipped.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", s.channel, err)
	}
	slog.Info("tick feed subscribed", "channel", s.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			tick, err := Decode([]byte(msg.Payload))
			if err != nil {
				slog.Warn("dropping tick", "error", err)
				continue
			}
			if err := s.handler.Handle(ctx, tick); err != nil {
				slog.Error("tick failed", "slug", tick.ID, "error", err)
			}
		}
	}
}
