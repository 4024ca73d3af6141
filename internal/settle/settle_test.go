package settle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/store"
)

// flakyStore fails the first n settlement inserts.
type flakyStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakyStore) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.fails
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.InsertSettlement(ctx, st)
}

func settlement(id string) *model.Settlement {
	return &model.Settlement{
		ID:         id,
		PositionID: "pos-" + id,
		UserID:     "u1",
		OperatorID: "op1",
		Profit:     decimal.NewFromInt(10),
		Reason:     model.ReasonManualExit,
	}
}

func TestWriter_RetriesThenSucceeds(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), fails: 2}
	sink := &MemoryFailureSink{}
	w := NewWriter(st, sink, Options{Workers: 2, Attempts: 3, Backoff: time.Millisecond})

	w.Settled(settlement("s1"))
	require.NoError(t, w.Close(context.Background()))

	got, err := st.ListSettlements(context.Background(), "u1", "op1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Empty(t, sink.Failures())
}

func TestWriter_ExhaustedRetriesGoToFailureSink(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), fails: 100}
	sink := &MemoryFailureSink{}
	w := NewWriter(st, sink, Options{Workers: 1, Attempts: 2, Backoff: time.Millisecond})

	w.Settled(settlement("s1"))
	require.NoError(t, w.Close(context.Background()))

	failures := sink.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, KindSettlement, failures[0].Kind)
	require.Equal(t, "s1", failures[0].ID)
	require.Equal(t, 2, failures[0].Attempts)
	require.Contains(t, string(failures[0].Payload), `"position_id":"pos-s1"`)
}

func TestWriter_DuplicateSettlementWritesOnce(t *testing.T) {
	st := store.NewMemoryStore()
	w := NewWriter(st, nil, Options{Workers: 4})

	s := settlement("s1")
	w.Settled(s)
	w.Settled(s)
	require.NoError(t, w.Close(context.Background()))

	got, _ := st.ListSettlements(context.Background(), "u1", "op1")
	require.Len(t, got, 1)
}

func TestWriter_WalletWritesKeepOrderPerUser(t *testing.T) {
	st := store.NewMemoryStore()
	w := NewWriter(st, nil, Options{Workers: 4})

	for i := 1; i <= 50; i++ {
		w.WalletUpdated(&model.Wallet{UserID: "u1", OperatorID: "op1", Balance: decimal.NewFromInt(int64(i))})
	}
	require.NoError(t, w.Close(context.Background()))

	wal, err := st.GetWallet(context.Background(), "u1", "op1")
	require.NoError(t, err)
	require.True(t, wal.Balance.Equal(decimal.NewFromInt(50)), "last queued balance must win, got %s", wal.Balance)
}

func TestWriter_CloseTwice(t *testing.T) {
	w := NewWriter(store.NewMemoryStore(), nil, Options{})
	require.NoError(t, w.Close(context.Background()))
	require.ErrorIs(t, w.Close(context.Background()), ErrClosed)

	// Late tasks are written inline.
	w.Settled(settlement("late"))
}
