package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/spread-engine/internal/model"
)

// Sweeper periodically force-settles positions left on markets that are
// already CLOSED, e.g. when the closing status arrived while the feed
// subscriber was down or a user opened just before the transition.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: e, interval: interval}
}

// Start launches a background goroutine that sweeps at the configured
// interval. It stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep closes every CLOSED market that still has indexed positions and
// returns the number of positions settled.
func (s *Sweeper) Sweep(ctx context.Context) int {
	markets, err := s.engine.catalog.List(ctx)
	if err != nil {
		slog.Error("sweep: list markets", "error", err)
		return 0
	}

	total := 0
	for _, m := range markets {
		if m.Status != model.MarketClosed {
			continue
		}
		if len(s.engine.state.Index().SelectionsForMarket(m.ID)) == 0 {
			continue
		}
		n, err := s.engine.CloseMarket(ctx, m.ID)
		if err != nil {
			slog.Error("sweep: close market", "market", m.ID, "error", err)
		}
		if n > 0 {
			slog.Info("sweep settled positions", "market", m.ID, "positions", n)
		}
		total += n
	}
	return total
}
