// Package usercache caches balance reads in Redis.
package usercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Proton-105/points-ledger/internal/domain"
	"github.com/Proton-105/points-ledger/internal/points"
)

const DefaultTTL = time.Minute

var _ points.BalanceCache = (*Cache)(nil)

// Cache provides Redis-backed caching for user balances. A nil Cache or a
// Cache without a client is a no-op.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a balance cache whose entries expire after ttl.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Get fetches a cached balance. A miss returns nil, nil.
func (c *Cache) Get(ctx context.Context, userID int64) (*domain.Balance, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}

	data, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cached balance: %w", err)
	}

	var balance domain.Balance
	if err := json.Unmarshal(data, &balance); err != nil {
		return nil, fmt.Errorf("decode cached balance: %w", err)
	}

	return &balance, nil
}

func (c *Cache) Set(ctx context.Context, userID int64, balance *domain.Balance) error {
	if c == nil || c.client == nil || balance == nil {
		return nil
	}

	payload, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("encode balance for cache: %w", err)
	}

	if err := c.client.Set(ctx, cacheKey(userID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached balance: %w", err)
	}

	return nil
}

// Invalidate drops the cached balance after a committed mutation.
func (c *Cache) Invalidate(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}

	if err := c.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete cached balance: %w", err)
	}

	return nil
}

func cacheKey(userID int64) string {
	return fmt.Sprintf("ledger:balance:%d", userID)
}
