package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/procurement-engine/budget"
)

// MemoryCache is an in-process budget.SummaryCache with a fixed TTL.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[budget.PurchaseOrderID]cached
}

type cached struct {
	summary budget.ReconciliationSummary
	expires time.Time
}

// NewMemoryCache returns a cache whose entries live for ttl. A zero ttl
// keeps entries until invalidated.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[budget.PurchaseOrderID]cached),
	}
}

var _ budget.SummaryCache = (*MemoryCache)(nil)

func (c *MemoryCache) Get(_ context.Context, id budget.PurchaseOrderID) (*budget.ReconciliationSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || (!e.expires.IsZero() && c.now().After(e.expires)) {
		return nil, nil
	}
	s := e.summary
	return &s, nil
}

func (c *MemoryCache) Set(_ context.Context, s budget.ReconciliationSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cached{summary: s}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[s.PurchaseOrderID] = e
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, id budget.PurchaseOrderID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}
