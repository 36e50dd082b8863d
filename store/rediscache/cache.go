// Package rediscache implements budget.SummaryCache on Redis so several
// server instances share reconciliation summaries.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/procurement-engine/budget"
)

const keyPrefix = "procurement:summary:"

type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache stores summaries as JSON under "procurement:summary:<po id>".
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ budget.SummaryCache = (*Cache)(nil)

// Connect dials Redis and pings it. Callers usually fall back to an
// in-process cache when this fails.
func Connect(ctx context.Context, opts Options) (*Cache, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return New(rdb, opts.TTL), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

func (c *Cache) Get(ctx context.Context, id budget.PurchaseOrderID) (*budget.ReconciliationSummary, error) {
	raw, err := c.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s budget.ReconciliationSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		c.rdb.Del(ctx, key(id))
		return nil, nil
	}
	return &s, nil
}

func (c *Cache) Set(ctx context.Context, s budget.ReconciliationSummary) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(s.PurchaseOrderID), raw, c.ttl).Err()
}

func (c *Cache) Invalidate(ctx context.Context, id budget.PurchaseOrderID) error {
	return c.rdb.Del(ctx, key(id)).Err()
}

func key(id budget.PurchaseOrderID) string {
	return keyPrefix + string(id)
}
