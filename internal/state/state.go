// Package state holds the process-wide trade state: the TradeStore
// (user key → account), the SlugIndex (selection → user keys), and the
// per-user lock manager guarding both.
//
// The container is created once in main and injected into every component;
// there are no package-level singletons. Accounts are only mutated by a
// caller holding the account's key lock. The maps themselves are guarded by
// internal mutexes so lookups from different keys never race.
package state

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/lock"
	"github.com/atmx/spread-engine/internal/model"
)

// Container owns the TradeStore, the SlugIndex and the lock manager.
type Container struct {
	locks *lock.Manager

	mu       sync.RWMutex
	accounts map[model.UserKey]*model.Account

	index *SlugIndex

	// balances remembers the final balance of accounts removed from the
	// store, until the user opens again. The wallet row for that balance is
	// written asynchronously and may not have landed yet.
	balMu    sync.Mutex
	balances map[model.UserKey]decimal.Decimal
}

// New creates an empty container.
func New() *Container {
	return &Container{
		locks:    lock.New(),
		accounts: make(map[model.UserKey]*model.Account),
		index:    NewSlugIndex(),
		balances: make(map[model.UserKey]decimal.Decimal),
	}
}

// Index returns the selection index.
func (c *Container) Index() *SlugIndex {
	return c.index
}

// WithUser runs fn under the lock for key.
func (c *Container) WithUser(ctx context.Context, key model.UserKey, fn func() error) error {
	return c.locks.WithLock(ctx, string(key), fn)
}

// Account returns the account for key. Callers must hold the key's lock
// before reading or mutating the returned value.
func (c *Container) Account(key model.UserKey) (*model.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.accounts[key]
	return a, ok
}

// PutAccount stores an account under its key.
func (c *Container) PutAccount(a *model.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[a.Key()] = a
}

// RemoveAccount deletes the account for key and drops the key from every
// selection it was indexed under. It returns the removed account.
func (c *Container) RemoveAccount(key model.UserKey) (*model.Account, bool) {
	c.mu.Lock()
	a, ok := c.accounts[key]
	if ok {
		delete(c.accounts, key)
	}
	c.mu.Unlock()

	if ok {
		for sel := range a.Positions {
			c.index.Remove(sel, key)
		}
	}
	return a, ok
}

// RememberBalance records the final balance of an account leaving the store.
// Call with the key's lock held.
func (c *Container) RememberBalance(key model.UserKey, balance decimal.Decimal) {
	c.balMu.Lock()
	defer c.balMu.Unlock()
	c.balances[key] = balance
}

// SettledBalance returns the remembered balance for key, if any.
func (c *Container) SettledBalance(key model.UserKey) (decimal.Decimal, bool) {
	c.balMu.Lock()
	defer c.balMu.Unlock()
	b, ok := c.balances[key]
	return b, ok
}

// ForgetBalance drops the remembered balance once the account is back in the store.
func (c *Container) ForgetBalance(key model.UserKey) {
	c.balMu.Lock()
	defer c.balMu.Unlock()
	delete(c.balances, key)
}

// Keys returns the user keys currently in the store.
func (c *Container) Keys() []model.UserKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]model.UserKey, 0, len(c.accounts))
	for k := range c.accounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Len returns the number of accounts in the store.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.accounts)
}

// Snapshot deep-copies every account, taking each key's lock in turn, plus a
// copy of the selection index. It never holds two key locks at once.
func (c *Container) Snapshot(ctx context.Context) (map[model.UserKey]*model.Account, map[string][]model.UserKey, error) {
	accounts := make(map[model.UserKey]*model.Account)
	for _, key := range c.Keys() {
		err := c.WithUser(ctx, key, func() error {
			if a, ok := c.Account(key); ok {
				accounts[key] = a.Clone()
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return accounts, c.index.Copy(), nil
}

// Restore replaces the store and index contents. Only used at boot, before
// any other component touches the container.
func (c *Container) Restore(accounts map[model.UserKey]*model.Account, index map[string][]model.UserKey) {
	c.mu.Lock()
	c.accounts = make(map[model.UserKey]*model.Account, len(accounts))
	for k, a := range accounts {
		if a.Positions == nil {
			a.Positions = make(map[string][]*model.Position)
		}
		c.accounts[k] = a
	}
	c.mu.Unlock()

	c.index.Reset(index)
}

// SlugIndex maps a "market:selection" slug to the set of user keys holding
// an open position there.
type SlugIndex struct {
	mu   sync.RWMutex
	sets map[string]map[model.UserKey]struct{}
}

// NewSlugIndex creates an empty index.
func NewSlugIndex() *SlugIndex {
	return &SlugIndex{sets: make(map[string]map[model.UserKey]struct{})}
}

// Add registers key under selection.
func (x *SlugIndex) Add(selection string, key model.UserKey) {
	x.mu.Lock()
	defer x.mu.Unlock()
	set, ok := x.sets[selection]
	if !ok {
		set = make(map[model.UserKey]struct{})
		x.sets[selection] = set
	}
	set[key] = struct{}{}
}

// Remove drops key from selection, deleting the selection when empty.
func (x *SlugIndex) Remove(selection string, key model.UserKey) {
	x.mu.Lock()
	defer x.mu.Unlock()
	set, ok := x.sets[selection]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(x.sets, selection)
	}
}

// Users returns the keys subscribed to selection, sorted.
func (x *SlugIndex) Users(selection string) []model.UserKey {
	x.mu.RLock()
	defer x.mu.RUnlock()
	set := x.sets[selection]
	keys := make([]model.UserKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Contains reports whether key is indexed under selection.
func (x *SlugIndex) Contains(selection string, key model.UserKey) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.sets[selection][key]
	return ok
}

// SelectionsForMarket returns every indexed selection of market.
func (x *SlugIndex) SelectionsForMarket(market string) []string {
	prefix := market + ":"
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []string
	for sel := range x.sets {
		if strings.HasPrefix(sel, prefix) {
			out = append(out, sel)
		}
	}
	sort.Strings(out)
	return out
}

// Copy returns the index as plain sorted slices.
func (x *SlugIndex) Copy() map[string][]model.UserKey {
	x.mu.RLock()
	sels := make([]string, 0, len(x.sets))
	for sel := range x.sets {
		sels = append(sels, sel)
	}
	x.mu.RUnlock()

	out := make(map[string][]model.UserKey, len(sels))
	for _, sel := range sels {
		if users := x.Users(sel); len(users) > 0 {
			out[sel] = users
		}
	}
	return out
}

// Reset replaces the index contents.
func (x *SlugIndex) Reset(index map[string][]model.UserKey) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.sets = make(map[string]map[model.UserKey]struct{}, len(index))
	for sel, keys := range index {
		if len(keys) == 0 {
			continue
		}
		set := make(map[model.UserKey]struct{}, len(keys))
		for _, k := range keys {
			set[k] = struct{}{}
		}
		x.sets[sel] = set
	}
}
