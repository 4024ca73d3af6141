// Package lock provides per-key mutual exclusion.
//
// Every mutation of a user's trade state runs under that user's key. A key has
// at most one holder; later callers queue on a one-slot channel, whose blocked
// senders the runtime wakes in arrival order, so waiters cannot starve.
// Entries are reference counted and dropped once nobody holds or waits on them.
package lock

import (
	"context"
	"sync"
)

type entry struct {
	slot chan struct{}
	refs int
}

// Manager hands out per-key locks. The zero value is not usable; call New.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty lock manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held or ctx is done. The returned
// release func is idempotent.
func (m *Manager) Acquire(ctx context.Context, key string) (func(), error) {
	e := m.ref(key)

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			m.unref(key, e)
		})
	}, nil
}

// WithLock runs fn while holding the lock for key. The lock is released even
// if fn panics. Nested acquisition of the same key deadlocks and is not allowed.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	release, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Len returns the number of keys currently held or waited on.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Manager) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
