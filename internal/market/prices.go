package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/spread-engine/internal/model"
)

// PriceSource returns the latest tick seen for a runner slug
// ({market}:{selection}:{side}).
type PriceSource interface {
	Latest(ctx context.Context, runner string) (model.Tick, error)
	Set(ctx context.Context, tick model.Tick) error
}

// MemoryPrices implements PriceSource with an in-memory map.
type MemoryPrices struct {
	mu    sync.RWMutex
	ticks map[string]model.Tick
}

// NewMemoryPrices creates an empty price source.
func NewMemoryPrices() *MemoryPrices {
	return &MemoryPrices{ticks: make(map[string]model.Tick)}
}

func (p *MemoryPrices) Latest(_ context.Context, runner string) (model.Tick, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.ticks[runner]
	if !ok {
		return model.Tick{}, fmt.Errorf("%w: %s", ErrNoPrice, runner)
	}
	return t, nil
}

func (p *MemoryPrices) Set(_ context.Context, tick model.Tick) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ticks[tick.ID] = tick
	return nil
}

// RedisPrices keeps the latest tick per runner in Redis so every instance
// behind the user-routing layer quotes the same price.
type RedisPrices struct {
	rdb *redis.Client
}

// NewRedisPrices creates a Redis-backed price source.
func NewRedisPrices(rdb *redis.Client) *RedisPrices {
	return &RedisPrices{rdb: rdb}
}

func (p *RedisPrices) Latest(ctx context.Context, runner string) (model.Tick, error) {
	data, err := p.rdb.Get(ctx, oddsKey(runner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Tick{}, fmt.Errorf("%w: %s", ErrNoPrice, runner)
	}
	if err != nil {
		return model.Tick{}, fmt.Errorf("get odds %s: %w", runner, err)
	}

	var t model.Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return model.Tick{}, fmt.Errorf("decode odds %s: %w", runner, err)
	}
	return t, nil
}

func (p *RedisPrices) Set(ctx context.Context, tick model.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, oddsKey(tick.ID), data, 0).Err()
}

func oddsKey(runner string) string { return fmt.Sprintf("odds:%s", runner) }
