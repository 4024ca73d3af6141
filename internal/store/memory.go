package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/spread-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	audits      map[string]model.TradeAudit
	settlements []model.Settlement
	settled     map[string]bool
	wallets     map[model.UserKey]model.Wallet
	walletLog   []model.Wallet
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		audits:  make(map[string]model.TradeAudit),
		settled: make(map[string]bool),
		wallets: make(map[model.UserKey]model.Wallet),
	}
}

func (s *MemoryStore) InsertTradeAudit(_ context.Context, a *model.TradeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.audits[a.ID]; !ok {
		s.audits[a.ID] = *a
	}
	return nil
}

func (s *MemoryStore) InsertSettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settled[st.ID] {
		return nil
	}
	s.settled[st.ID] = true
	s.settlements = append(s.settlements, *st)
	return nil
}

func (s *MemoryStore) ListSettlements(_ context.Context, userID, operatorID string) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Settlement
	for _, st := range s.settlements {
		if st.UserID == userID && st.OperatorID == operatorID {
			result = append(result, st)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID, operatorID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[model.NewUserKey(userID, operatorID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrWalletNotFound, operatorID, userID)
	}
	return &w, nil
}

func (s *MemoryStore) PutWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wallets[model.NewUserKey(w.UserID, w.OperatorID)] = *w
	s.walletLog = append(s.walletLog, *w)
	return nil
}

// TradeAudits returns every stored open-trade record.
func (s *MemoryStore) TradeAudits() []model.TradeAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TradeAudit, 0, len(s.audits))
	for _, a := range s.audits {
		out = append(out, a)
	}
	return out
}

// WalletWrites returns every PutWallet call for a user, in order.
func (s *MemoryStore) WalletWrites(userID, operatorID string) []model.Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Wallet
	for _, w := range s.walletLog {
		if w.UserID == userID && w.OperatorID == operatorID {
			out = append(out, w)
		}
	}
	return out
}
