package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/spread-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis cache of
// wallet rows. Wallet writes go to the primary and then refresh the cache;
// reads check Redis first then fall back to the primary. Audit rows pass
// straight through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) PutWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.PutWallet(ctx, w); err != nil {
		// Drop the cached row so the next read sees the primary's value.
		s.rdb.Del(ctx, walletKey(w.UserID, w.OperatorID))
		return err
	}
	s.cacheWallet(ctx, w)
	return nil
}

func (s *CachedStore) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	if err := s.primary.InsertSettlement(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, settlementsKey(st.UserID, st.OperatorID))
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetWallet(ctx context.Context, userID, operatorID string) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID, operatorID)).Bytes()
	if err == nil {
		var w model.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	w, err := s.primary.GetWallet(ctx, userID, operatorID)
	if err != nil {
		return nil, err
	}

	s.cacheWallet(ctx, w)
	return w, nil
}

func (s *CachedStore) ListSettlements(ctx context.Context, userID, operatorID string) ([]model.Settlement, error) {
	data, err := s.rdb.Get(ctx, settlementsKey(userID, operatorID)).Bytes()
	if err == nil {
		var out []model.Settlement
		if json.Unmarshal(data, &out) == nil {
			return out, nil
		}
	}

	out, err := s.primary.ListSettlements(ctx, userID, operatorID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(out); err == nil {
		s.rdb.Set(ctx, settlementsKey(userID, operatorID), data, s.ttl)
	}
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertTradeAudit(ctx context.Context, a *model.TradeAudit) error {
	return s.primary.InsertTradeAudit(ctx, a)
}

// --- Cache helpers ---

func (s *CachedStore) cacheWallet(ctx context.Context, w *model.Wallet) {
	if data, err := json.Marshal(w); err == nil {
		s.rdb.Set(ctx, walletKey(w.UserID, w.OperatorID), data, s.ttl)
	}
}

func walletKey(uid, op string) string      { return fmt.Sprintf("wallet:%s:%s", op, uid) }
func settlementsKey(uid, op string) string { return fmt.Sprintf("settlements:%s:%s", op, uid) }
