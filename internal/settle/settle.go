// Package settle moves durable writes off the trading hot path.
//
// The engine mutates in-memory state under the user's lock and then hands
// the resulting audit, settlement and wallet rows to a Writer. Workers drain
// per-shard queues; every task for one user lands on the same shard, so
// wallet rows (absolute balances) are applied in the order they were
// produced. Inserts are idempotent on the row id, which makes retries safe.
// A task that still fails after its retries is logged and published to the
// FailureSink with its original payload for replay. In-memory state is
// never rolled back.
package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/store"
)

// Task kinds.
const (
	KindTradeAudit = "trade_audit"
	KindSettlement = "settlement"
	KindWallet     = "wallet"
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("settle: writer closed")

// Task is one durable write.
type Task struct {
	Kind       string
	ID         string
	User       model.UserKey
	Audit      *model.TradeAudit
	Settlement *model.Settlement
	Wallet     *model.Wallet
}

// Payload returns the JSON body of the row carried by the task.
func (t Task) Payload() json.RawMessage {
	var v any
	switch t.Kind {
	case KindTradeAudit:
		v = t.Audit
	case KindSettlement:
		v = t.Settlement
	case KindWallet:
		v = t.Wallet
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Options configures a Writer.
type Options struct {
	Workers   int
	QueueSize int
	Attempts  int
	Backoff   time.Duration
}

func (o *Options) defaults() {
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.QueueSize < 1 {
		o.QueueSize = 1024
	}
	if o.Attempts < 1 {
		o.Attempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 50 * time.Millisecond
	}
}

// Writer persists tasks through a Store using a sharded worker pool.
type Writer struct {
	store  store.Store
	sink   FailureSink
	opts   Options
	shards []chan Task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWriter creates a writer and starts its workers.
func NewWriter(st store.Store, sink FailureSink, opts Options) *Writer {
	opts.defaults()
	if sink == nil {
		sink = LogFailureSink{}
	}
	w := &Writer{
		store:  st,
		sink:   sink,
		opts:   opts,
		shards: make([]chan Task, opts.Workers),
	}
	for i := range w.shards {
		w.shards[i] = make(chan Task, opts.QueueSize)
		w.wg.Add(1)
		go w.worker(w.shards[i])
	}
	return w
}

// TradeOpened queues the open-trade audit row.
func (w *Writer) TradeOpened(a *model.TradeAudit) {
	w.enqueue(Task{Kind: KindTradeAudit, ID: a.ID, User: model.NewUserKey(a.UserID, a.OperatorID), Audit: a})
}

// Settled queues a settlement row.
func (w *Writer) Settled(s *model.Settlement) {
	w.enqueue(Task{Kind: KindSettlement, ID: s.ID, User: model.NewUserKey(s.UserID, s.OperatorID), Settlement: s})
}

// WalletUpdated queues a wallet row.
func (w *Writer) WalletUpdated(wal *model.Wallet) {
	w.enqueue(Task{Kind: KindWallet, ID: wal.LastRef, User: model.NewUserKey(wal.UserID, wal.OperatorID), Wallet: wal})
}

// Close stops accepting queued work and waits for the queues to drain.
// Tasks submitted after Close are written synchronously.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	for _, ch := range w.shards {
		close(ch)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) enqueue(t Task) {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		w.process(t)
		return
	}
	metrics.WriteQueueDepth.Inc()
	w.shards[w.shard(t.User)] <- t
	w.mu.RUnlock()
}

func (w *Writer) shard(key model.UserKey) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(w.shards)))
}

func (w *Writer) worker(ch <-chan Task) {
	defer w.wg.Done()
	for t := range ch {
		metrics.WriteQueueDepth.Dec()
		w.process(t)
	}
}

func (w *Writer) process(t Task) {
	ctx := context.Background()
	var err error
	for attempt := 1; attempt <= w.opts.Attempts; attempt++ {
		if err = w.write(ctx, t); err == nil {
			return
		}
		slog.Warn("durable write failed", "kind", t.Kind, "id", t.ID, "attempt", attempt, "err", err)
		if attempt < w.opts.Attempts {
			time.Sleep(w.opts.Backoff * time.Duration(attempt))
		}
	}

	metrics.WriteFailures.WithLabelValues(t.Kind).Inc()
	slog.Error("durable write abandoned", "kind", t.Kind, "id", t.ID, "user", t.User, "err", err)

	f := Failure{
		Kind:     t.Kind,
		ID:       t.ID,
		User:     string(t.User),
		Payload:  t.Payload(),
		Error:    err.Error(),
		Attempts: w.opts.Attempts,
		FailedAt: time.Now().UTC(),
	}
	if perr := w.sink.Publish(ctx, f); perr != nil {
		slog.Error("failure channel publish failed", "kind", t.Kind, "id", t.ID, "err", perr)
	}
}

func (w *Writer) write(ctx context.Context, t Task) error {
	switch t.Kind {
	case KindTradeAudit:
		return w.store.InsertTradeAudit(ctx, t.Audit)
	case KindSettlement:
		return w.store.InsertSettlement(ctx, t.Settlement)
	case KindWallet:
		return w.store.PutWallet(ctx, t.Wallet)
	}
	return fmt.Errorf("settle: unknown task kind %q", t.Kind)
}
