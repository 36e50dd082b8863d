package budget

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// LockManager hands out per-key mutual exclusion with a bounded wait.
//
// Keys are always acquired in ascending order so two callers that need
// overlapping sets (a transfer A->B and another B->A) cannot deadlock.
// An entry lives only while some caller holds or waits on its key.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*lockEntry)}
}

// Len reports how many keys are currently held or awaited.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *LockManager) ref(key string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		m.locks[key] = e
	}
	e.refs++
	return e.sem
}

func (m *LockManager) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.locks, key)
	}
}

// Acquire takes every key or none. A timeout <= 0 means DefaultLockTimeout:
// the wait is always bounded, whatever ctx allows.
// The returned func releases all keys and must be called exactly once.
func (m *LockManager) Acquire(ctx context.Context, timeout time.Duration, keys ...string) (func(), error) {
	keys = sortedUnique(keys)
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	held := make([]string, 0, len(keys))
	sems := make([]*semaphore.Weighted, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			sems[i].Release(1)
			m.unref(held[i])
		}
	}

	for _, k := range keys {
		s := m.ref(k)
		if err := s.Acquire(ctx, 1); err != nil {
			m.unref(k)
			release()
			return nil, &ConcurrencyTimeoutError{Key: k, Wait: timeout, Err: err}
		}
		held = append(held, k)
		sems = append(sems, s)
	}
	return release, nil
}

func itemLockKey(id BudgetItemID) string  { return "item:" + string(id) }
func poLockKey(id PurchaseOrderID) string { return "po:" + string(id) }
func receiptLockKey(id ReceiptID) string  { return "receipt:" + string(id) }

func sortedUnique(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
