// Package recovery mirrors the in-memory trade state to a shared cache so
// open positions survive a process restart.
//
// The mirror is written at shutdown and, optionally, on an interval. At boot
// it is read once and deleted so a second crash cannot replay stale state.
// Changes made after the last write are lost on a hard kill.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/state"
)

// Mirror keys.
const (
	TradesKey = "spread:recovery:trades"
	SlugsKey  = "spread:recovery:slugs"
)

// Mirror stores the two serialized blobs.
type Mirror interface {
	// Write replaces both blobs.
	Write(ctx context.Context, trades, slugs []byte) error
	// Take returns both blobs and deletes them. found is false when no
	// mirror exists.
	Take(ctx context.Context) (trades, slugs []byte, found bool, err error)
}

// RedisMirror keeps the mirror in Redis.
type RedisMirror struct {
	rdb *redis.Client
}

// NewRedisMirror creates a Redis-backed mirror.
func NewRedisMirror(rdb *redis.Client) *RedisMirror {
	return &RedisMirror{rdb: rdb}
}

func (m *RedisMirror) Write(ctx context.Context, trades, slugs []byte) error {
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, TradesKey, trades, 0)
		pipe.Set(ctx, SlugsKey, slugs, 0)
		return nil
	})
	return err
}

func (m *RedisMirror) Take(ctx context.Context) ([]byte, []byte, bool, error) {
	var trades, slugs *redis.StringCmd
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		trades = pipe.Get(ctx, TradesKey)
		slugs = pipe.Get(ctx, SlugsKey)
		pipe.Del(ctx, TradesKey, SlugsKey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, false, err
	}

	t, terr := trades.Bytes()
	if errors.Is(terr, redis.Nil) {
		return nil, nil, false, nil
	}
	if terr != nil {
		return nil, nil, false, terr
	}
	s, serr := slugs.Bytes()
	if serr != nil && !errors.Is(serr, redis.Nil) {
		return nil, nil, false, serr
	}
	return t, s, true, nil
}

// MemoryMirror implements Mirror in memory. Used for testing.
type MemoryMirror struct {
	mu     sync.Mutex
	trades []byte
	slugs  []byte
	set    bool
}

func (m *MemoryMirror) Write(_ context.Context, trades, slugs []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades, m.slugs, m.set = trades, slugs, true
	return nil
}

func (m *MemoryMirror) Take(_ context.Context) ([]byte, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return nil, nil, false, nil
	}
	t, s := m.trades, m.slugs
	m.trades, m.slugs, m.set = nil, nil, false
	return t, s, true, nil
}

// Cache serializes a state container to a Mirror.
type Cache struct {
	state  *state.Container
	mirror Mirror
}

// New creates a recovery cache for st.
func New(st *state.Container, mirror Mirror) *Cache {
	return &Cache{state: st, mirror: mirror}
}

// Save writes the full TradeStore and SlugIndex to the mirror. It returns
// the number of accounts written.
func (c *Cache) Save(ctx context.Context) (int, error) {
	accounts, index, err := c.state.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: snapshot: %w", err)
	}
	trades, err := json.Marshal(accounts)
	if err != nil {
		return 0, fmt.Errorf("recovery: encode trades: %w", err)
	}
	slugs, err := json.Marshal(index)
	if err != nil {
		return 0, fmt.Errorf("recovery: encode slugs: %w", err)
	}
	if err := c.mirror.Write(ctx, trades, slugs); err != nil {
		return 0, fmt.Errorf("recovery: write mirror: %w", err)
	}
	return len(accounts), nil
}

// Restore loads the mirror into the container and deletes it. It returns
// the number of accounts restored; zero when no mirror exists. Call before
// anything else touches the container.
func (c *Cache) Restore(ctx context.Context) (int, error) {
	trades, slugs, found, err := c.mirror.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: read mirror: %w", err)
	}
	if !found {
		return 0, nil
	}

	var accounts map[model.UserKey]*model.Account
	if err := json.Unmarshal(trades, &accounts); err != nil {
		return 0, fmt.Errorf("recovery: decode trades: %w", err)
	}
	index := make(map[string][]model.UserKey)
	if len(slugs) > 0 {
		if err := json.Unmarshal(slugs, &index); err != nil {
			return 0, fmt.Errorf("recovery: decode slugs: %w", err)
		}
	}

	c.state.Restore(accounts, index)

	open := 0
	for _, a := range accounts {
		open += a.OpenCount()
	}
	metrics.OpenPositions.Set(float64(open))
	return len(accounts), nil
}

// Run writes the mirror every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Save(ctx); err != nil {
				slog.Error("periodic mirror failed", "error", err)
			} else {
				slog.Debug("mirror written", "accounts", n)
			}
		}
	}
}
