package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpClearing/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	clearing:funding:{market}   latest funding update, long TTL
//	clearing:pools:{market}     pool balances, short TTL
//	clearing:balance:{user}     collateral balance, short TTL
//
// The cache sits in front of the projection tables (cache-aside):
// queries read through it, the projection worker invalidates on write.
const (
	keyFunding = "clearing:funding:%s"
	keyPools   = "clearing:pools:%s"
	keyBalance = "clearing:balance:%s"

	fundingTTL = 24 * time.Hour
	readTTL    = 5 * time.Second
)

// Cache wraps Redis for the query path. A nil *Cache is valid and
// degrades to always-miss, so callers never branch on availability.
type Cache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Connect opens a Redis client and verifies the connection.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger := observability.NewLogger("cache")
	logger.Info().Str("addr", addr).Msg("redis connected")
	return rdb, nil
}

// Get unmarshals the value at key into dest. Returns false on miss or
// any Redis error; the caller falls through to the database.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

// Set stores a JSON value. Errors are dropped: the cache is an
// optimization, the projection tables are the read source of truth.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if c == nil || c.rdb == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, key, data, ttl)
}

func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if c == nil || c.rdb == nil || len(keys) == 0 {
		return
	}
	c.rdb.Del(ctx, keys...)
}

// --- domain helpers ---

func FundingKey(marketID string) string { return fmt.Sprintf(keyFunding, marketID) }
func PoolsKey(marketID string) string   { return fmt.Sprintf(keyPools, marketID) }
func BalanceKey(userID string) string   { return fmt.Sprintf(keyBalance, userID) }

// SetLatestFunding caches the newest funding update for a market.
func (c *Cache) SetLatestFunding(ctx context.Context, marketID string, update interface{}) {
	c.Set(ctx, FundingKey(marketID), update, fundingTTL)
}

// InvalidateAfterSettlement drops the read-through entries a settlement
// makes stale.
func (c *Cache) InvalidateAfterSettlement(ctx context.Context, userID, marketID string) {
	c.Delete(ctx, BalanceKey(userID), PoolsKey(marketID))
}

// InvalidateBalance drops a user's cached collateral balance.
func (c *Cache) InvalidateBalance(ctx context.Context, userID string) {
	c.Delete(ctx, BalanceKey(userID))
}

// ReadTTL is the TTL for query-path read-through entries.
func ReadTTL() time.Duration { return readTTL }
