package store

import (
	"context"
	"sync"
	"time"
)

// MemoryTable is a Table guarded by a single RWMutex.
type MemoryTable[V Expirable] struct {
	mu   sync.RWMutex
	rows map[string]V
	now  func() time.Time
}

// NewMemoryTable creates an empty table. now defaults to time.Now.
func NewMemoryTable[V Expirable](now func() time.Time) *MemoryTable[V] {
	if now == nil {
		now = time.Now
	}

	return &MemoryTable[V]{rows: make(map[string]V), now: now}
}

func (t *MemoryTable[V]) Put(_ context.Context, key string, v V) error {
	t.mu.Lock()
	t.rows[key] = v
	t.mu.Unlock()

	return nil
}

func (t *MemoryTable[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V

	t.mu.RLock()
	v, ok := t.rows[key]
	t.mu.RUnlock()

	if !ok {
		return zero, false, nil
	}

	if !v.Expired(t.now()) {
		return v, true, nil
	}

	// Lazy eviction. Re-check under the write lock in case the key was
	// replaced with a fresh record in between.
	t.mu.Lock()
	if cur, still := t.rows[key]; still && cur.Expired(t.now()) {
		delete(t.rows, key)
	}
	t.mu.Unlock()

	return zero, false, nil
}

func (t *MemoryTable[V]) Take(_ context.Context, key string) (V, bool, error) {
	var zero V

	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.rows[key]
	if !ok {
		return zero, false, nil
	}

	delete(t.rows, key)

	if v.Expired(t.now()) {
		return zero, false, nil
	}

	return v, true, nil
}

func (t *MemoryTable[V]) Delete(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.rows[key]
	delete(t.rows, key)

	return ok, nil
}

// List returns the unexpired records in no particular order.
func (t *MemoryTable[V]) List(_ context.Context) ([]V, error) {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]V, 0, len(t.rows))
	for _, v := range t.rows {
		if !v.Expired(now) {
			out = append(out, v)
		}
	}

	return out, nil
}

// Len counts stored records, including expired ones not yet swept.
func (t *MemoryTable[V]) Len(_ context.Context) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.rows), nil
}

func (t *MemoryTable[V]) SweepExpired(_ context.Context, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0

	for k, v := range t.rows {
		if v.Expired(now) {
			delete(t.rows, k)
			removed++
		}
	}

	return removed, nil
}
